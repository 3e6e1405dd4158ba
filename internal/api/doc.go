// Package api serves the local control surface: session sign-in, per-workflow
// schedule edits, manual runs and diagnostics. Routes are built with chi.
package api
