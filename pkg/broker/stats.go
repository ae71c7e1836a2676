package broker

import (
	"sync/atomic"
	"time"
)

// Stats holds relay counters. All fields are updated atomically by the
// connection workers.
type Stats struct {
	startedAt time.Time

	connections    atomic.Int64
	registrations  atomic.Int64
	rejected       atomic.Int64
	sessions       atomic.Int64
	textForwards   atomic.Int64
	binaryForwards atomic.Int64
	bytesRelayed   atomic.Int64
	dropped        atomic.Int64
	malformed      atomic.Int64
	writeFailures  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	StartedAt         time.Time `json:"started_at"`
	ActiveConnections int64     `json:"active_connections"`
	Registered        int       `json:"registered"`
	Registrations     int64     `json:"registrations"`
	Rejected          int64     `json:"rejected"`
	Sessions          int64     `json:"sessions"`
	TextForwards      int64     `json:"text_forwards"`
	BinaryForwards    int64     `json:"binary_forwards"`
	BytesRelayed      int64     `json:"bytes_relayed"`
	Dropped           int64     `json:"dropped"`
	Malformed         int64     `json:"malformed"`
	WriteFailures     int64     `json:"write_failures"`
}

func newStats() *Stats {
	return &Stats{startedAt: time.Now()}
}

func (s *Stats) snapshot(registered int) StatsSnapshot {
	return StatsSnapshot{
		StartedAt:         s.startedAt,
		ActiveConnections: s.connections.Load(),
		Registered:        registered,
		Registrations:     s.registrations.Load(),
		Rejected:          s.rejected.Load(),
		Sessions:          s.sessions.Load(),
		TextForwards:      s.textForwards.Load(),
		BinaryForwards:    s.binaryForwards.Load(),
		BytesRelayed:      s.bytesRelayed.Load(),
		Dropped:           s.dropped.Load(),
		Malformed:         s.malformed.Load(),
		WriteFailures:     s.writeFailures.Load(),
	}
}
