// Package reaper implements accounting & reaping (spec §4.F): waiting
// for the sandboxed child, reading its kernel-reported resource usage,
// classifying its exit status, and producing the terminal frame.
package reaper

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"judged/internal/wire"
)

// Wait blocks until cmd's process exits, then classifies its
// disposition and resource usage into a TerminalFrame. timedOut must
// be the pump's verdict on whether the deadline fired; it becomes the
// frame's canonical indicator for *why* the child was killed, even
// though the classified status itself is identical to any other
// signal-terminated child.
func Wait(cmd *exec.Cmd, startedAt time.Time, timedOut, truncStdout, truncStderr bool) wire.TerminalFrame {
	err := cmd.Wait()
	real := time.Since(startedAt)

	frame := wire.TerminalFrame{
		TimedOut:        timedOut,
		StdoutTruncated: truncStdout,
		StderrTruncated: truncStderr,
		RealMS:          real.Milliseconds(),
	}

	state := cmd.ProcessState
	classifyStatus(&frame, state, err)
	populateUsage(&frame, state)

	return frame
}

func classifyStatus(frame *wire.TerminalFrame, state *os.ProcessState, err error) {
	if state == nil {
		frame.StatusType = wire.StatusUnknown
		return
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		frame.StatusType = wire.StatusUnknown
		return
	}
	switch {
	case ws.Exited():
		frame.StatusType = wire.StatusExited
		frame.StatusValue = int32(ws.ExitStatus())
	case ws.Signaled():
		frame.StatusType = wire.StatusKilled
		frame.StatusValue = int32(ws.Signal())
	default:
		frame.StatusType = wire.StatusUnknown
	}
}

func populateUsage(frame *wire.TerminalFrame, state *os.ProcessState) {
	if state == nil {
		return
	}
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return
	}
	frame.KernelMS = durationToMS(ru.Stime.Sec, ru.Stime.Usec)
	frame.UserMS = durationToMS(ru.Utime.Sec, ru.Utime.Usec)
	frame.MaxMemKB = int64(ru.Maxrss)
	frame.VoluntaryCtxSwitch = int64(ru.Nvcsw)
	frame.InvoluntaryCtxSwitch = int64(ru.Nivcsw)
	frame.MajorPageFaults = int64(ru.Majflt)
	frame.MinorPageFaults = int64(ru.Minflt)
	frame.InputBlockOps = int64(ru.Inblock)
	frame.OutputBlockOps = int64(ru.Oublock)
}

func durationToMS(sec, usec int64) int64 {
	return sec*1000 + usec/1000
}
