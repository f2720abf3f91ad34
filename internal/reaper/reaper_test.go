package reaper

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	"judged/internal/wire"
)

func TestWaitClassifiesNormalExit(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 3")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	frame := Wait(cmd, time.Now(), false, false, false)
	if frame.StatusType != wire.StatusExited || frame.StatusValue != 3 {
		t.Fatalf("got %+v", frame)
	}
}

func TestWaitClassifiesSignaled(t *testing.T) {
	cmd := exec.Command("sh", "-c", "kill -TERM $$; sleep 5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	frame := Wait(cmd, time.Now(), false, false, false)
	if frame.StatusType != wire.StatusKilled || frame.StatusValue != int32(syscall.SIGTERM) {
		t.Fatalf("got %+v", frame)
	}
}

func TestWaitPopulatesResourceUsage(t *testing.T) {
	cmd := exec.Command("sh", "-c", "true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	frame := Wait(cmd, time.Now(), false, false, false)
	if frame.RealMS < 0 {
		t.Fatalf("expected non-negative real_ms, got %d", frame.RealMS)
	}
	// User/kernel CPU time and rss are platform-reported; just assert
	// they were populated (non-negative) rather than pin exact values.
	if frame.UserMS < 0 || frame.KernelMS < 0 || frame.MaxMemKB < 0 {
		t.Fatalf("got negative usage fields: %+v", frame)
	}
}

func TestWaitPreservesTimedOutAndTruncationFlags(t *testing.T) {
	cmd := exec.Command("sh", "-c", "true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	frame := Wait(cmd, time.Now(), true, true, false)
	if !frame.TimedOut || !frame.StdoutTruncated || frame.StderrTruncated {
		t.Fatalf("got %+v", frame)
	}
}
