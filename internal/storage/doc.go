// Package storage is the persistence collaborator for workflow records.
//
// The scheduler only needs a narrow slice of a workflow record: its id and the
// nullable recurrence expression. Dispatch attempts can optionally be recorded
// for operator visibility.
package storage
