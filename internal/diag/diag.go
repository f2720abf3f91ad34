// Package diag exposes a small HTTP surface reporting this process's
// own resource usage, generalized from the teacher's startup
// diagnostics log into a live endpoint an operator can poll.
package diag

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Report is the JSON body served at /healthz.
type Report struct {
	Status         string  `json:"status"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	Goroutines     int     `json:"goroutines"`
	RSSBytes       uint64  `json:"rss_bytes"`
	OpenFiles      int     `json:"open_files"`
	CPUPercent     float64 `json:"cpu_percent"`
	SampleDuration string  `json:"sample_duration,omitempty"`
}

// Handler returns the /healthz handler for the listener process,
// reporting its own (not a connection child's) resource usage.
func Handler(startedAt time.Time) http.Handler {
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Printf("diag: could not open self process handle: %v", err)
		self = nil
	}

	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		report := Report{
			Status:        "ok",
			UptimeSeconds: time.Since(startedAt).Seconds(),
			Goroutines:    runtime.NumGoroutine(),
		}
		if self != nil {
			if mem, err := self.MemoryInfo(); err == nil && mem != nil {
				report.RSSBytes = mem.RSS
			}
			if cpu, err := self.CPUPercent(); err == nil {
				report.CPUPercent = cpu
			}
			if files, err := self.OpenFiles(); err == nil {
				report.OpenFiles = len(files)
			}
		}
		writeJSON(w, http.StatusOK, report)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("diag: write json response: %v", err)
	}
}

// LoggingMiddleware logs method, path, and duration for every request
// this diagnostics server handles.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
