// Package queue persists archive-processing jobs in SQLite and owns the job
// state machine: admission, validated status transitions, cancellation flags,
// and retention bookkeeping for the cleanup scheduler.
package queue
