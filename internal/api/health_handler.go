package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/busybox42/mailgate/internal/queue"
)

// HealthStats represents server health statistics
type HealthStats struct {
	Status          string      `json:"status"`
	Uptime          int64       `json:"uptime"`           // seconds
	UptimeFormatted string      `json:"uptime_formatted"` // human readable
	StartedAt       time.Time   `json:"started_at"`
	ServerVersion   string      `json:"server_version,omitempty"`
	GoVersion       string      `json:"go_version"`
	NumGoroutines   int         `json:"num_goroutines"`
	Memory          MemoryStats `json:"memory"`
	Queue           queue.Stats `json:"queue"`
	Quota           QuotaHealth `json:"quota"`
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	Alloc     uint64  `json:"alloc"`      // bytes allocated and in use
	Sys       uint64  `json:"sys"`        // bytes obtained from system
	HeapInuse uint64  `json:"heap_inuse"` // heap bytes in use
	NumGC     uint32  `json:"num_gc"`
	AllocMB   float64 `json:"alloc_mb"`
}

// QuotaHealth summarizes the reserved capacity.
type QuotaHealth struct {
	Buckets          int   `json:"buckets"`
	ReservedMessages int64 `json:"reserved_messages"`
	ReservedBytes    int64 `json:"reserved_bytes"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(s.startedAt)

	health := HealthStats{
		Status:          "healthy",
		Uptime:          int64(uptime.Seconds()),
		UptimeFormatted: formatDuration(uptime),
		StartedAt:       s.startedAt,
		ServerVersion:   s.config.Version,
		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:     memStats.Alloc,
			Sys:       memStats.Sys,
			HeapInuse: memStats.HeapInuse,
			NumGC:     memStats.NumGC,
			AllocMB:   float64(memStats.Alloc) / 1024 / 1024,
		},
		Queue: s.queue.GetStats(),
	}

	if s.quota != nil {
		for _, u := range s.quota.Snapshot() {
			health.Quota.Buckets++
			health.Quota.ReservedMessages += u.Messages
			health.Quota.ReservedBytes += u.Bytes
		}
	}

	writeJSON(w, health)
}

// formatDuration formats a duration as human readable
func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}
