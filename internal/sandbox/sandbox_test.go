package sandbox

import (
	"os"
	"testing"

	"judged/internal/langreg"
	"judged/internal/wire"
)

func TestRelativeJailDir(t *testing.T) {
	rel, err := relativeJailDir("/var/lib/judged/roots/python3", "/var/lib/judged/roots/python3/scratch/run-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rel != "/scratch/run-abc" {
		t.Fatalf("got %q", rel)
	}
}

func TestRlimitsForUsesRequestTimeoutPlusGrace(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUTimeGraceSec = 5
	req := wire.Request{TimeoutSec: 10}
	settings := rlimitsFor(req, cfg)
	if len(settings) == 0 {
		t.Fatal("expected at least one rlimit setting")
	}
	if settings[0].limit.Cur != 15 {
		t.Fatalf("expected CPU rlimit of 15s, got %d", settings[0].limit.Cur)
	}
}

func TestLimitedCollectorCaps(t *testing.T) {
	c := &limitedCollector{limit: 4}
	n, err := c.Write([]byte("hello world"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len("hello world") {
		t.Fatalf("Write should report the full length written, got %d", n)
	}
	if string(c.Bytes()) != "hell" {
		t.Fatalf("got %q", c.Bytes())
	}
}

func TestBytesToArgs(t *testing.T) {
	if got := bytesToArgs(nil); got != nil {
		t.Fatalf("expected nil for empty input, got %#v", got)
	}
	got := bytesToArgs([][]byte{[]byte("--flag"), []byte("value")})
	want := []string{"--flag", "value"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %#v want %#v", got, want)
	}
}

func TestLaunchRequiresRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("this test only documents the non-root failure path")
	}
	dir := t.TempDir()
	desc := langreg.Descriptor{
		Key:        "cat",
		RootDir:    dir,
		SourceFile: "input.txt",
		RunCmd:     []string{"/bin/cat"},
	}
	if err := os.MkdirAll(dir+"/scratch", 0o755); err != nil {
		t.Fatalf("mkdir scratch: %v", err)
	}
	_, err := Launch(wire.Request{TimeoutSec: 5}, desc, DefaultConfig())
	if err == nil {
		t.Fatal("expected an error launching a chrooted+credential-demoted child without root")
	}
}
