// Package ipc carries job control between the CLI and the daemon over
// JSON-RPC on a Unix domain socket.
package ipc
