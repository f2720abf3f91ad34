package main

import (
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"judged/internal/diag"
)

func runListener() {
	cfg := loadConfig()
	startedAt := time.Now()

	// Ignore SIGCHLD before the first connection is spawned so the
	// kernel auto-reaps every connection process without us ever
	// calling wait() on them (spec §5's signal discipline). This is
	// safe here because nothing has forked yet.
	signal.Ignore(syscall.SIGCHLD)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddr, err)
	}
	log.Printf("judged-server listening on %s", cfg.ListenAddr)

	go serveDiagnostics(cfg.DiagAddr, startedAt)

	exePath, err := os.Executable()
	if err != nil {
		log.Fatalf("resolve executable path: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("shutdown signal received, closing listener")
		_ = ln.Close()
		os.Exit(0)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("accept: %v", err)
			return
		}
		go spawnConnection(exePath, conn)
	}
}

// serveDiagnostics runs a tiny HTTP server exposing /healthz for this
// listener process. It is separate from the per-connection WebSocket
// protocol and never touches a connection's accepted socket.
func serveDiagnostics(addr string, startedAt time.Time) {
	mux := http.NewServeMux()
	mux.Handle("/healthz", diag.Handler(startedAt))
	srv := &http.Server{
		Addr:              addr,
		Handler:           diag.LoggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("diagnostics server stopped: %v", err)
	}
}

// spawnConnection hands one accepted TCP connection off to a freshly
// re-exec'd copy of this binary, then forgets about it entirely: the
// parent never touches this connection again (spec §5).
func spawnConnection(exePath string, conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		log.Printf("unexpected connection type %T, closing", conn)
		_ = conn.Close()
		return
	}

	connFile, err := tcpConn.File()
	if err != nil {
		log.Printf("dup connection fd: %v", err)
		_ = conn.Close()
		return
	}
	// The duplicate in connFile keeps the socket open independently of
	// conn; close our copies once the child has its own.
	defer connFile.Close()
	defer conn.Close()

	cmd := exec.Command(exePath)
	cmd.ExtraFiles = []*os.File{connFile}
	// fd 0,1,2 are stdin/stdout/stderr; ExtraFiles start at fd 3.
	cmd.Env = append(os.Environ(), connectionMarkerEnv+"="+strconv.Itoa(3))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		log.Printf("spawn connection process: %v", err)
		return
	}
	// Deliberately no cmd.Wait(): SIGCHLD is ignored process-wide, so
	// the kernel reaps this child the moment it exits. Waiting here
	// would just block on a status we've already told the kernel to
	// discard.
}
