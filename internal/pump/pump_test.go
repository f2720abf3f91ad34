package pump

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"judged/internal/wire"
)

func collectFrames() (func(wire.StreamFrame) error, func() []wire.StreamFrame) {
	var mu sync.Mutex
	var frames []wire.StreamFrame
	emit := func(f wire.StreamFrame) error {
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, f)
		return nil
	}
	get := func() []wire.StreamFrame {
		mu.Lock()
		defer mu.Unlock()
		out := make([]wire.StreamFrame, len(frames))
		copy(out, frames)
		return out
	}
	return emit, get
}

func TestRunEmitsStdoutUntilEOF(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	emit, frames := collectFrames()

	done := make(chan Result, 1)
	go func() {
		res, err := Run(stdoutR, stderrR, Config{
			MaxStreamBytes: 1 << 20,
			Emit:            emit,
			SignalGroup:     func() {},
		})
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		done <- res
	}()

	stdoutW.Write([]byte("hello\n"))
	stdoutW.Close()
	stderrW.Close()

	res := <-done
	if res.StdoutTruncated || res.StderrTruncated || res.TimedOut || res.Killed {
		t.Fatalf("unexpected result: %+v", res)
	}
	fs := frames()
	if len(fs) != 1 || fs[0].Stream != wire.StreamStdout || string(fs[0].Data) != "hello\n" {
		t.Fatalf("got frames %+v", fs)
	}
}

func TestRunTruncatesAtCap(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	emit, frames := collectFrames()

	done := make(chan Result, 1)
	go func() {
		res, _ := Run(stdoutR, stderrR, Config{
			MaxStreamBytes: 4,
			Emit:            emit,
			SignalGroup:     func() {},
		})
		done <- res
	}()

	stdoutW.Write([]byte("abcdefgh"))
	stdoutW.Close()
	stderrW.Close()

	res := <-done
	if !res.StdoutTruncated {
		t.Fatal("expected stdout_truncated=true")
	}
	var total int
	for _, f := range frames() {
		total += len(f.Data)
	}
	if total != 4 {
		t.Fatalf("expected exactly 4 cumulative bytes, got %d", total)
	}
}

func TestRunSignalsOnDeadline(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	emit, _ := collectFrames()

	signaled := make(chan struct{}, 1)
	done := make(chan Result, 1)
	go func() {
		res, _ := Run(stdoutR, stderrR, Config{
			MaxStreamBytes: 1 << 20,
			Deadline:        time.Now().Add(20 * time.Millisecond),
			Emit:            emit,
			SignalGroup: func() {
				select {
				case signaled <- struct{}{}:
				default:
				}
			},
		})
		done <- res
	}()

	select {
	case <-signaled:
	case <-time.After(time.Second):
		t.Fatal("SignalGroup was never called")
	}
	stdoutW.Close()
	stderrW.Close()

	res := <-done
	if !res.TimedOut {
		t.Fatal("expected TimedOut=true")
	}
}

func TestRunSignalsOnKill(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	emit, _ := collectFrames()

	control := make(chan wire.ControlFrame, 1)
	control <- wire.ControlFrame{Kill: true}

	signaled := make(chan struct{}, 1)
	done := make(chan Result, 1)
	go func() {
		res, _ := Run(stdoutR, stderrR, Config{
			MaxStreamBytes: 1 << 20,
			Control:         control,
			Emit:            emit,
			SignalGroup: func() {
				select {
				case signaled <- struct{}{}:
				default:
				}
			},
		})
		done <- res
	}()

	select {
	case <-signaled:
	case <-time.After(time.Second):
		t.Fatal("SignalGroup was never called")
	}
	stdoutW.Close()
	stderrW.Close()

	res := <-done
	if !res.Killed {
		t.Fatal("expected Killed=true")
	}
}

func TestRunSignalsGroupOnEmitError(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	defer stdoutR.Close()
	defer stderrR.Close()
	defer stdoutW.Close()
	defer stderrW.Close()

	emitErr := errors.New("write: broken pipe")
	signaled := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		_, err := Run(stdoutR, stderrR, Config{
			MaxStreamBytes: 1 << 20,
			Emit:           func(wire.StreamFrame) error { return emitErr },
			SignalGroup: func() {
				select {
				case signaled <- struct{}{}:
				default:
				}
			},
		})
		done <- err
	}()

	stdoutW.Write([]byte("still producing output"))

	select {
	case <-signaled:
	case <-time.After(time.Second):
		t.Fatal("SignalGroup was never called after an Emit error")
	}

	select {
	case err := <-done:
		if err != emitErr {
			t.Fatalf("expected Run to return the Emit error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run never returned after an Emit error")
	}
}
