// Package daemon assembles the job store, pipeline manager, and cleanup
// scheduler into one controllable unit behind the IPC surface.
package daemon
