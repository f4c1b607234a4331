// Package store provides the SQLite-backed and in-memory implementations of
// the workflow.Store persistence contract.
package store
