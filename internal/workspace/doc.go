// Package workspace manages per-job scratch directories: allocation, byte
// budgets, traversal-safe path resolution, and the file lock that serializes
// extraction against cleanup.
package workspace
