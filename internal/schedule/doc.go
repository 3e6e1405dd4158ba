// Package schedule owns recurring workflow execution.
//
// It has two halves:
//   - the interval codec (Encode/Decode) mapping value+unit to the persisted
//     recurrence expression, and
//   - the Registry, which keeps at most one recurring timer per workflow and
//     hands every tick to the execution dispatcher.
//
// The registry only triggers; the dispatcher decides whether a tick actually
// turns into a request (see internal/dispatch).
package schedule
