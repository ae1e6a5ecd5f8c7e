// Package classify walks an extraction tree and buckets every file into a
// closed category set, producing the dense zero-based member index jobs are
// browsed and fetched through.
package classify
