package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"judged/internal/engine"
	"judged/internal/sandbox"
)

type config struct {
	ListenAddr string
	DiagAddr   string
	Limits     engine.Limits
	Sandbox    sandbox.Config
}

func loadConfig() config {
	return config{
		ListenAddr: envOr("JUDGED_LISTEN_ADDR", "[::]:8500"),
		DiagAddr:   envOr("JUDGED_DIAG_ADDR", "127.0.0.1:8501"),
		Limits: engine.Limits{
			MaxRequestSize: intOr("JUDGED_MAX_REQUEST_SIZE", engine.DefaultLimits().MaxRequestSize),
			MaxStreamBytes: int64Or("JUDGED_MAX_STREAM_BYTES", engine.DefaultLimits().MaxStreamBytes),
		},
		Sandbox: sandbox.Config{
			UID:               uint32(intOr("JUDGED_SANDBOX_UID", int(sandbox.DefaultConfig().UID))),
			GID:               uint32(intOr("JUDGED_SANDBOX_GID", int(sandbox.DefaultConfig().GID))),
			AddressSpaceBytes: int64Or("JUDGED_SANDBOX_AS_BYTES", sandbox.DefaultConfig().AddressSpaceBytes),
			FileSizeBytes:     int64Or("JUDGED_SANDBOX_FSIZE_BYTES", sandbox.DefaultConfig().FileSizeBytes),
			MaxOpenFiles:      uint64(intOr("JUDGED_SANDBOX_NOFILE", int(sandbox.DefaultConfig().MaxOpenFiles))),
			CPUTimeGraceSec:   int64Or("JUDGED_SANDBOX_CPU_GRACE_SEC", sandbox.DefaultConfig().CPUTimeGraceSec),
			BuildTimeout:      durationOr("JUDGED_BUILD_TIMEOUT", sandbox.DefaultConfig().BuildTimeout),
		},
	}
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func intOr(name string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func int64Or(name string, fallback int64) int64 {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func durationOr(name string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}
