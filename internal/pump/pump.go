// Package pump implements the I/O pump (spec §4.E): it multiplexes
// child stdout, child stderr, the inbound control channel, and the
// wall-clock deadline timer, emitting stream frames to the caller
// until both streams reach EOF.
//
// The spec's reference model is a single-threaded poll loop over
// pollable file descriptors; the idiomatic Go analog used here is one
// reader goroutine per stream feeding a shared channel, drained by a
// single consuming loop that is the only place frames are emitted —
// preserving per-stream ordering and guaranteeing at most one writer
// ever touches the outbound transport at a time.
package pump

import (
	"sync"
	"time"

	"judged/internal/wire"
)

const defaultChunkSize = 8 << 10 // 8 KiB

// Config configures one pump run.
type Config struct {
	// MaxStreamBytes is the per-stream cap (MAX_STREAM_BYTES).
	MaxStreamBytes int64

	// ChunkSize bounds each read; defaults to 8 KiB.
	ChunkSize int

	// Deadline is the absolute wall-clock time at which the pump
	// signals the process group and sets TimedOut. The zero value
	// disables the deadline.
	Deadline time.Time

	// Control delivers inbound ControlFrames as they arrive off the
	// transport. The pump reads it until the caller closes it.
	Control <-chan wire.ControlFrame

	// Emit is called with every frame produced, in the order they
	// must appear on the wire. It is the only place frames leave the
	// pump, so it is never called concurrently.
	Emit func(wire.StreamFrame) error

	// SignalGroup delivers the termination signal to the child's
	// process group. Run calls it at most once (on the first of Kill,
	// deadline, or an Emit failure); the reaper/launcher implementation
	// must still tolerate redundant signals from other callers.
	SignalGroup func()
}

func (c Config) chunkSize() int {
	if c.ChunkSize > 0 {
		return c.ChunkSize
	}
	return defaultChunkSize
}

// Result summarizes how the run ended.
type Result struct {
	StdoutTruncated bool
	StderrTruncated bool
	TimedOut        bool
	Killed          bool
}

type chunkEvent struct {
	stream string
	data   []byte
	err    error
}

type reader interface {
	Read([]byte) (int, error)
}

// Run drains stdout and stderr until both reach EOF, emitting frames
// via cfg.Emit and reacting to cfg.Control/cfg.Deadline along the way.
func Run(stdout, stderr reader, cfg Config) (Result, error) {
	chunks := make(chan chunkEvent, 16)
	var wg sync.WaitGroup
	wg.Add(2)
	go readStream(stdout, wire.StreamStdout, cfg.chunkSize(), chunks, &wg)
	go readStream(stderr, wire.StreamStderr, cfg.chunkSize(), chunks, &wg)
	go func() {
		wg.Wait()
		close(chunks)
	}()

	var res Result
	var stdoutTotal, stderrTotal int64
	stdoutOpen, stderrOpen := true, true
	signaled := false

	var timerC <-chan time.Time
	if !cfg.Deadline.IsZero() {
		d := time.Until(cfg.Deadline)
		if d < 0 {
			d = 0
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timerC = timer.C
	}

	control := cfg.Control

	for stdoutOpen || stderrOpen {
		select {
		case ev, ok := <-chunks:
			if !ok {
				stdoutOpen, stderrOpen = false, false
				continue
			}
			if ev.err != nil {
				if ev.stream == wire.StreamStdout {
					stdoutOpen = false
				} else {
					stderrOpen = false
				}
				continue
			}

			total, truncated := &stdoutTotal, &res.StdoutTruncated
			if ev.stream == wire.StreamStderr {
				total, truncated = &stderrTotal, &res.StderrTruncated
			}

			if *total >= cfg.MaxStreamBytes {
				*truncated = true
				continue
			}
			data := ev.data
			if remaining := cfg.MaxStreamBytes - *total; int64(len(data)) > remaining {
				data = data[:remaining]
				*truncated = true
			}
			*total += int64(len(data))
			if len(data) == 0 {
				continue
			}
			if err := cfg.Emit(wire.StreamFrame{Stream: ev.stream, Data: data}); err != nil {
				// The client is unreachable (disconnect, broken pipe):
				// nothing more emitted here will ever reach it, and
				// returning ends the wall-clock deadline that only this
				// loop enforces; RLIMIT_CPU does not bound a sleeping
				// (zero-CPU) child, so it could run forever.
				// Signal the process group before returning so the
				// reaper's Wait() is bounded.
				if !signaled {
					signaled = true
					cfg.SignalGroup()
				}
				return res, err
			}

		case cf, ok := <-control:
			if !ok {
				control = nil
				continue
			}
			if cf.Kill && !signaled {
				signaled = true
				res.Killed = true
				cfg.SignalGroup()
			}

		case <-timerC:
			timerC = nil // the deadline fires at most once
			if !signaled {
				signaled = true
				res.TimedOut = true
				cfg.SignalGroup()
			}
		}
	}

	return res, nil
}

func readStream(r reader, stream string, chunkSize int, out chan<- chunkEvent, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			out <- chunkEvent{stream: stream, data: data}
		}
		if err != nil {
			out <- chunkEvent{stream: stream, err: err}
			return
		}
	}
}
