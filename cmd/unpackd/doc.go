// Command unpackd runs the archive processing daemon and provides the
// control CLI that talks to it over the IPC socket.
package main
