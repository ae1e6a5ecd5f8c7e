// Package pipeline is the job manager: it admits requests, drives each job
// through download, extraction, classification, and link scanning with a
// bounded worker pool, brokers the password hand-off, and exposes completed
// results for member retrieval.
package pipeline
