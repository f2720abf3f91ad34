// Command judged-server is the listener for the remote code-execution
// engine. It never itself executes untrusted code: for every accepted
// connection it re-execs a fresh copy of itself, handing the accepted
// socket's file descriptor to the child, which runs the WebSocket
// handshake and the entire connection supervisor (spec §4.G, §5, §9).
//
// This is the Go-idiomatic substitute for the spec's "fork before any
// threads start": the Go runtime always has scheduler/GC threads alive
// before main() runs, so a bare fork() without exec() is unsafe here.
// Re-executing the binary gives the same blast-radius guarantee.
package main

import (
	"log"
	"os"
)

// connectionMarkerEnv is the environment variable judged-server sets on the
// re-exec'd child to mark "I am a connection process, not the
// listener" and name which inherited descriptor carries the socket.
const connectionMarkerEnv = "JUDGED_CONNECTION_FD"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if fdStr := os.Getenv(connectionMarkerEnv); fdStr != "" {
		runConnection(fdStr)
		return
	}
	runListener()
}
