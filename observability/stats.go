// Package observability aggregates hub counters for the operational
// surface. Counters are written by the core components and read by the
// metrics endpoint and the telemetry worker.
package observability

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/process"
)

// Stats holds the live counters of the hub.
type Stats struct {
	start time.Time

	totalConnections  atomic.Uint64
	activeConnections atomic.Int64
	totalMessages     atomic.Uint64
	roomsCreated      atomic.Uint64
	activeRooms       atomic.Int64
	evictions         atomic.Uint64

	mu         sync.Mutex
	rejections map[string]uint64
}

// Snapshot is the JSON shape served on /metrics.
type Snapshot struct {
	UptimeSeconds     float64           `json:"uptime_seconds"`
	TotalConnections  uint64            `json:"total_connections"`
	ActiveConnections int64             `json:"active_connections"`
	TotalMessages     uint64            `json:"total_messages"`
	RoomsCreated      uint64            `json:"rooms_created"`
	ActiveRooms       int64             `json:"active_rooms"`
	Evictions         uint64            `json:"evictions"`
	Rejections        map[string]uint64 `json:"rejections"`
	RSSBytes          uint64            `json:"rss_bytes"`
	CPUPercent        float64           `json:"cpu_percent"`
}

func NewStats() *Stats {
	return &Stats{
		start:      time.Now(),
		rejections: make(map[string]uint64),
	}
}

func (s *Stats) ConnectionOpened() {
	s.totalConnections.Add(1)
	s.activeConnections.Add(1)
}

func (s *Stats) ConnectionClosed() { s.activeConnections.Add(-1) }

func (s *Stats) MessageAccepted() { s.totalMessages.Add(1) }

func (s *Stats) RoomCreated() {
	s.roomsCreated.Add(1)
	s.activeRooms.Add(1)
}

func (s *Stats) RoomDeleted() { s.activeRooms.Add(-1) }

func (s *Stats) Evicted() { s.evictions.Add(1) }

// Rejected counts one rejection by transport-visible error kind.
func (s *Stats) Rejected(kind string) {
	s.mu.Lock()
	s.rejections[kind]++
	s.mu.Unlock()
}

// Snapshot copies every counter and attaches process stats. Process
// stat failures are ignored: metrics must never fail a scrape.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds:     time.Since(s.start).Seconds(),
		TotalConnections:  s.totalConnections.Load(),
		ActiveConnections: s.activeConnections.Load(),
		TotalMessages:     s.totalMessages.Load(),
		RoomsCreated:      s.roomsCreated.Load(),
		ActiveRooms:       s.activeRooms.Load(),
		Evictions:         s.evictions.Load(),
		Rejections:        make(map[string]uint64),
	}

	s.mu.Lock()
	for kind, n := range s.rejections {
		snap.Rejections[kind] = n
	}
	s.mu.Unlock()

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := p.MemoryInfo(); err == nil {
			snap.RSSBytes = memInfo.RSS
		}
		if cpu, err := p.CPUPercent(); err == nil {
			snap.CPUPercent = cpu
		}
	}
	return snap
}
