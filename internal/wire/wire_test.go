package wire

import (
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestDecodeRequestRoundTrip(t *testing.T) {
	want := Request{
		Language:   "python3",
		Code:       []byte("print('hi')"),
		Input:      []byte("hello\n"),
		Arguments:  [][]byte{[]byte("--flag")},
		Options:    [][]byte{[]byte("-O")},
		TimeoutSec: 5,
	}
	buf, err := msgpack.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := DecodeRequest(buf)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if got.Language != want.Language || string(got.Code) != string(want.Code) ||
		got.TimeoutSec != want.TimeoutSec || string(got.Input) != string(want.Input) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestDecodeRequestRejectsTrailingBytes(t *testing.T) {
	req := Request{Language: "python3", TimeoutSec: 5}
	buf, err := msgpack.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	buf = append(buf, 0xc0) // append a valid standalone nil value as trailing garbage

	_, err = DecodeRequest(buf)
	if err == nil {
		t.Fatal("expected error for trailing bytes, got nil")
	}
}

func TestDecodeControlFrameRoundTrip(t *testing.T) {
	buf, err := msgpack.Marshal(ControlFrame{Kill: true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := DecodeControlFrame(buf)
	if err != nil {
		t.Fatalf("DecodeControlFrame: %v", err)
	}
	if !got.Kill {
		t.Fatalf("expected Kill=true, got %+v", got)
	}
}

func TestTerminalFrameRoundTrip(t *testing.T) {
	want := TerminalFrame{
		TimedOut:        false,
		StdoutTruncated: true,
		StatusType:      StatusExited,
		StatusValue:     3,
		RealMS:          120,
		KernelMS:        10,
		UserMS:          20,
		MaxMemKB:        4096,
	}
	buf, err := EncodeTerminalFrame(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeTerminalFrame(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestEncodeStreamFrame(t *testing.T) {
	buf, err := EncodeStreamFrame(StreamFrame{Stream: StreamStdout, Data: []byte("hello\n")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got StreamFrame
	if err := msgpack.Unmarshal(buf, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Stream != StreamStdout || string(got.Data) != "hello\n" {
		t.Fatalf("mismatch: %+v", got)
	}
}
