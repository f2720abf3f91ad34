package main

import (
	"bufio"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"judged/internal/engine"
	"judged/internal/engineerr"
	"judged/internal/langreg"
)

const wsPath = "/api/v1/ws/execute"

func runConnection(fdStr string) {
	// This process *does* need to wait() on the sandboxed child it is
	// about to create, so it must restore the default SIGCHLD
	// disposition the listener deliberately ignored (spec §5).
	signal.Reset(syscall.SIGCHLD)

	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		log.Fatalf("invalid %s=%q: %v", connectionMarkerEnv, fdStr, err)
	}

	connFile := os.NewFile(uintptr(fd), "conn")
	rawConn, err := net.FileConn(connFile)
	if err != nil {
		log.Fatalf("reconstruct connection from fd %d: %v", fd, err)
	}
	_ = connFile.Close() // FileConn dups; the dup outlives this handle
	defer rawConn.Close()

	cfg := loadConfig()

	wsConn, err := upgrade(rawConn)
	if err != nil {
		log.Printf("websocket handshake failed: %v", err)
		return
	}

	reg := langreg.Default()
	serveErr := engine.Serve(wsConn, reg, cfg.Sandbox, cfg.Limits)
	closeConn(wsConn, serveErr)
}

// upgrade performs the WebSocket handshake on an already-accepted raw
// connection by adapting it to the shape net/http's Upgrader expects
// (an http.ResponseWriter that supports Hijack), without running a
// full http.Server loop for a connection we already own.
func upgrade(conn net.Conn) (*websocket.Conn, error) {
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, err
	}
	if req.URL.Path != wsPath || req.Method != http.MethodGet {
		_, _ = conn.Write([]byte("HTTP/1.1 404 Not Found\r\nConnection: close\r\n\r\n"))
		return nil, engineerr.Policyf("unexpected upgrade request %s %s", req.Method, req.URL.Path)
	}

	shim := &hijackShim{
		header: make(http.Header),
		conn:   conn,
		brw:    bufio.NewReadWriter(br, bufio.NewWriter(conn)),
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return upgrader.Upgrade(shim, req, nil)
}

// hijackShim lets a connection judged-server already owns (handed off
// from the listener via fd inheritance) be upgraded with gorilla's
// Upgrader, which otherwise only knows how to work against a live
// net/http server loop.
type hijackShim struct {
	header http.Header
	conn   net.Conn
	brw    *bufio.ReadWriter
}

func (h *hijackShim) Header() http.Header         { return h.header }
func (h *hijackShim) Write(p []byte) (int, error) { return h.brw.Write(p) }
func (h *hijackShim) WriteHeader(int)             {}

func (h *hijackShim) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return h.conn, h.brw, nil
}

func closeConn(conn *websocket.Conn, serveErr error) {
	if serveErr == nil {
		deadline := time.Now().Add(2 * time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		return
	}

	ee, ok := serveErr.(*engineerr.Error)
	if !ok {
		log.Printf("unclassified connection error: %v", serveErr)
		return
	}
	if ee.Code == engineerr.CodeClientWentAway {
		return
	}

	log.Printf("closing connection: %v", ee)
	deadline := time.Now().Add(2 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(ee.Code.WSCode(), ee.Reason), deadline)
}
