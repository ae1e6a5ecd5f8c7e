// Package download acquires source artifacts into a job workspace, either
// over HTTP or by copying a locally handed-over upload.
package download
