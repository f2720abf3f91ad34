// Package engine implements the connection supervisor (spec §4.G):
// the per-connection state machine driving decode → validate → launch
// → pump → reap → emit-terminal, and translating every failure mode
// into the classified close codes of spec §7.
package engine

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/armon/circbuf"
	"github.com/gorilla/websocket"

	"judged/internal/engineerr"
	"judged/internal/langreg"
	"judged/internal/pump"
	"judged/internal/reaper"
	"judged/internal/sandbox"
	"judged/internal/validate"
	"judged/internal/wire"
)

// diagTailBytes bounds the recent-output tail kept purely for the
// server's own abort log line; it has nothing to do with the
// protocol-level per-stream truncation in spec §6, which is tracked by
// pump's running counters instead.
const diagTailBytes = 4 << 10

// Conn is the subset of *websocket.Conn the supervisor needs; tests
// substitute a fake implementation to drive the state machine without
// a real socket.
type Conn interface {
	SetReadLimit(limit int64)
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
}

// Limits are the transport/engine-wide fixed constants (spec §6).
type Limits struct {
	MaxRequestSize int
	MaxStreamBytes int64
}

// DefaultLimits matches the constants named in spec §6.
func DefaultLimits() Limits {
	return Limits{
		MaxRequestSize: 1 << 20,  // 1 MiB
		MaxStreamBytes: 10 << 20, // 10 MiB per stream
	}
}

// Serve drives exactly one request to completion over conn: on
// success it writes the terminal frame and returns nil (the caller
// then closes the channel "normally"); on failure it returns an
// *engineerr.Error carrying the close code the caller must send (or,
// for engineerr.CodeClientWentAway, send no close frame at all).
func Serve(conn Conn, reg langreg.Registry, sbxCfg sandbox.Config, limits Limits) error {
	// Read limit is padded above MaxRequestSize so an over-limit
	// message can still be read in full once and its true size
	// reported in the close reason, while remaining bounded.
	conn.SetReadLimit(int64(limits.MaxRequestSize) * 2)

	mt, data, err := conn.ReadMessage()
	if err != nil {
		return engineerr.ClientWentAway(err)
	}
	if mt != websocket.BinaryMessage {
		return engineerr.Unsupported("first message was not binary")
	}
	if len(data) > limits.MaxRequestSize {
		return engineerr.TooLarge(len(data), limits.MaxRequestSize)
	}

	req, err := wire.DecodeRequest(data)
	if err != nil {
		return engineerr.Policyf("%v", err)
	}

	desc, err := validate.Request(req, reg)
	if err != nil {
		return err
	}

	handle, err := sandbox.Launch(req, desc, sbxCfg)
	if err != nil {
		if diag, ok := sandbox.AsBuildDiagnostic(err); ok {
			return serveBuildFailure(conn, diag)
		}
		return err
	}
	defer handle.Cleanup()

	return serveRunning(conn, handle, req, limits)
}

func serveRunning(conn Conn, handle *sandbox.Handle, req wire.Request, limits Limits) error {
	controlCh := make(chan wire.ControlFrame, 4)
	abortCh := make(chan error, 1)

	var signalOnce sync.Once
	signalGroup := func() {
		signalOnce.Do(func() { _ = sandbox.SignalGroup(handle) })
	}

	go readControl(conn, controlCh, abortCh, signalGroup)

	tail, err := circbuf.NewBuffer(diagTailBytes)
	if err != nil {
		return engineerr.Internal("allocate diagnostic tail buffer", err)
	}

	emit := func(f wire.StreamFrame) error {
		_, _ = tail.Write(f.Data)
		payload, err := wire.EncodeStreamFrame(f)
		if err != nil {
			return fmt.Errorf("encode stream frame: %w", err)
		}
		return conn.WriteMessage(websocket.BinaryMessage, payload)
	}

	deadline := handle.StartedAt.Add(time.Duration(req.TimeoutSec) * time.Second)
	pumpRes, pumpErr := pump.Run(handle.Stdout, handle.Stderr, pump.Config{
		MaxStreamBytes: limits.MaxStreamBytes,
		Deadline:       deadline,
		Control:        controlCh,
		Emit:           emit,
		SignalGroup:    signalGroup,
	})

	var abortErr error
	select {
	case abortErr = <-abortCh:
	default:
	}

	frame := reaper.Wait(handle.Cmd, handle.StartedAt, pumpRes.TimedOut, pumpRes.StdoutTruncated, pumpRes.StderrTruncated)

	if pumpErr != nil {
		return engineerr.ClientWentAway(pumpErr)
	}
	if abortErr != nil {
		log.Printf("connection aborted (%v); recent output: %q", abortErr, tail.Bytes())
		return abortErr
	}

	payload, err := wire.EncodeTerminalFrame(frame)
	if err != nil {
		return engineerr.Internal("encode terminal frame", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return engineerr.ClientWentAway(err)
	}
	return nil
}

// readControl reads every subsequent inbound message on conn and
// forwards valid ControlFrames to controlCh. A non-binary message, one
// that fails to decode as a ControlFrame, or one that decodes to
// anything other than the Kill singleton is the only recognized
// protocol violation mid-run (spec §4.E: "the only recognized inbound
// message is Kill ... any other inbound message is a policy
// violation"); it is reported on abortCh and the child is signaled
// immediately, though reaping still proceeds (spec §7's error
// propagation policy).
func readControl(conn Conn, controlCh chan<- wire.ControlFrame, abortCh chan<- error, signalGroup func()) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			trySend(abortCh, engineerr.Unsupported("non-binary message during execution"))
			signalGroup()
			return
		}
		cf, err := wire.DecodeControlFrame(data)
		if err != nil {
			trySend(abortCh, engineerr.Policyf("unexpected message during execution: %v", err))
			signalGroup()
			return
		}
		if !cf.Kill {
			trySend(abortCh, engineerr.Policy("unexpected message during execution: not a Kill control frame"))
			signalGroup()
			return
		}
		select {
		case controlCh <- cf:
		default:
		}
	}
}

func trySend(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}

// serveBuildFailure reports a failed compile step as a single Stderr
// frame carrying the diagnostic output, followed by a terminal frame;
// this still counts as a successful connection (spec invariant 1: the
// child process tree that matters here is the compiler, and it did
// run to completion), so Serve's caller proceeds to close normally.
func serveBuildFailure(conn Conn, diag *sandbox.BuildDiagnostic) error {
	if len(diag.Output) > 0 {
		payload, err := wire.EncodeStreamFrame(wire.StreamFrame{Stream: wire.StreamStderr, Data: diag.Output})
		if err != nil {
			return engineerr.Internal("encode build diagnostic frame", err)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			return engineerr.ClientWentAway(err)
		}
	}

	frame := wire.TerminalFrame{
		StatusType:      wire.StatusExited,
		StatusValue:     diag.ExitCode,
		StderrTruncated: diag.Truncated,
		RealMS:          diag.DurationMS,
	}
	payload, err := wire.EncodeTerminalFrame(frame)
	if err != nil {
		return engineerr.Internal("encode terminal frame", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return engineerr.ClientWentAway(err)
	}
	return nil
}
