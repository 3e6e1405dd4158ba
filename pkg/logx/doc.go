// Package logx is the structured logging wrapper used across flowpulse.
//
// Loggers are values over zerolog. Console output carries a short timestamp
// and a file:line caller; the optional file sink writes JSON lines. Derive
// component loggers with With(Component("...")).
package logx
