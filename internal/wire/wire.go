// Package wire implements the frame codec (spec §4.A): decoding one
// Request per connection and encoding the StreamFrame/TerminalFrame
// payloads sent back, using a compact, self-describing binary
// serialization (msgpack) inside the transport's own length-delimited
// binary messages.
package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Request is the inbound payload decoded once per connection.
type Request struct {
	Language     string   `msgpack:"language"`
	Code         []byte   `msgpack:"code"`
	CustomRunner []byte   `msgpack:"custom_runner,omitempty"`
	Input        []byte   `msgpack:"input"`
	Arguments    [][]byte `msgpack:"arguments"`
	Options      [][]byte `msgpack:"options"`
	TimeoutSec   int      `msgpack:"timeout"`
}

// ControlFrame is the optional, at-most-once inbound message sent
// during execution. Kill is presently the only recognized variant.
type ControlFrame struct {
	Kill bool `msgpack:"kill"`
}

// StreamFrame is one outbound chunk of child stdout or stderr.
type StreamFrame struct {
	Stream string `msgpack:"stream"` // "stdout" or "stderr"
	Data   []byte `msgpack:"data"`
}

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// TerminalFrame is the single outbound message concluding a
// successful execution.
type TerminalFrame struct {
	TimedOut        bool   `msgpack:"timed_out"`
	StdoutTruncated bool   `msgpack:"stdout_truncated"`
	StderrTruncated bool   `msgpack:"stderr_truncated"`
	StatusType      string `msgpack:"status_type"` // "exited" | "killed" | "unknown"
	StatusValue     int32  `msgpack:"status_value"`

	RealMS              int64 `msgpack:"real_ms"`
	KernelMS            int64 `msgpack:"kernel_ms"`
	UserMS              int64 `msgpack:"user_ms"`
	MaxMemKB            int64 `msgpack:"max_mem_kb"`
	VoluntaryCtxSwitch  int64 `msgpack:"vol_ctx_switches"`
	InvoluntaryCtxSwitch int64 `msgpack:"invol_ctx_switches"`
	MajorPageFaults     int64 `msgpack:"major_page_faults"`
	MinorPageFaults     int64 `msgpack:"minor_page_faults"`
	InputBlockOps       int64 `msgpack:"input_block_ops"`
	OutputBlockOps      int64 `msgpack:"output_block_ops"`
}

const (
	StatusExited  = "exited"
	StatusKilled  = "killed"
	StatusUnknown = "unknown"
)

// DecodeRequest decodes exactly one Request from buf and verifies
// there is no trailing data after it.
func DecodeRequest(buf []byte) (Request, error) {
	var req Request
	dec := msgpack.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	if err := expectEOF(dec); err != nil {
		return Request{}, err
	}
	return req, nil
}

// DecodeControlFrame decodes exactly one ControlFrame from buf and
// verifies there is no trailing data after it.
func DecodeControlFrame(buf []byte) (ControlFrame, error) {
	var cf ControlFrame
	dec := msgpack.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&cf); err != nil {
		return ControlFrame{}, fmt.Errorf("decode control frame: %w", err)
	}
	if err := expectEOF(dec); err != nil {
		return ControlFrame{}, err
	}
	return cf, nil
}

// expectEOF asserts the decoder's cursor is at end-of-buffer: any
// further value decodable (or any decode error other than a clean
// EOF) means the inbound message carried trailing bytes.
func expectEOF(dec *msgpack.Decoder) error {
	var extra msgpack.RawMessage
	err := dec.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err == nil {
		return fmt.Errorf("found extra data")
	}
	return fmt.Errorf("found extra data: %w", err)
}

// EncodeStreamFrame serializes a StreamFrame to a single binary
// payload suitable for one outbound transport message.
func EncodeStreamFrame(f StreamFrame) ([]byte, error) {
	return msgpack.Marshal(f)
}

// EncodeTerminalFrame serializes a TerminalFrame to a single binary
// payload.
func EncodeTerminalFrame(f TerminalFrame) ([]byte, error) {
	return msgpack.Marshal(f)
}

// DecodeTerminalFrame is the inverse of EncodeTerminalFrame, used by
// clients and by the round-trip tests.
func DecodeTerminalFrame(buf []byte) (TerminalFrame, error) {
	var f TerminalFrame
	if err := msgpack.Unmarshal(buf, &f); err != nil {
		return TerminalFrame{}, err
	}
	return f, nil
}
