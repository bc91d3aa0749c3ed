// Package stats maintains lock-free counters for the data path and serves
// them, plus a handful of control operations, over a length-prefixed JSON
// control channel.
package stats

import (
	"sync/atomic"
	"time"
)

const slidingWindowSeconds = 60

// Collector accumulates process-wide counters with relaxed atomic
// ordering. No mutex is ever taken on the data path; a reader may observe a
// microscopically inconsistent pair of counters mid-update, which is an
// acceptable tradeoff for observability.
type Collector struct {
	totalConnections atomic.Int64
	activeSessions   atomic.Int64
	totalQueries     atomic.Int64
	blockedQueries   atomic.Int64

	window [slidingWindowSeconds]atomic.Int64
	epoch  atomic.Int64 // last second index written, for clearing stale buckets
}

// New returns an initialized, empty Collector.
func New() *Collector {
	return &Collector{}
}

// OnConnectionOpen accounts for a newly accepted session.
func (c *Collector) OnConnectionOpen() {
	c.totalConnections.Add(1)
	c.activeSessions.Add(1)
}

// OnConnectionClose accounts for a session ending. It uses a CAS loop so a
// double-close can never drive activeSessions below zero, mirroring the
// defensive posture of the teacher's double-release guards.
func (c *Collector) OnConnectionClose() {
	for {
		cur := c.activeSessions.Load()
		if cur <= 0 {
			return
		}
		if c.activeSessions.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// OnQuery records one query outcome and bumps the current second's sliding
// window bucket.
func (c *Collector) OnQuery(blocked bool) {
	c.totalQueries.Add(1)
	if blocked {
		c.blockedQueries.Add(1)
	}
	c.bumpWindow()
}

func (c *Collector) bumpWindow() {
	now := time.Now().Unix()
	idx := int(now % slidingWindowSeconds)

	prevEpoch := c.epoch.Load()
	if prevEpoch != now {
		// A new second: clear buckets that fall strictly between the last
		// observed second and now (covers gaps from idle periods), then
		// claim this second for ourselves. Best-effort under concurrency:
		// multiple goroutines racing this branch just re-clear, which is
		// harmless for an observability counter.
		if now-prevEpoch < slidingWindowSeconds && prevEpoch != 0 {
			for s := prevEpoch + 1; s <= now; s++ {
				c.window[int(s%slidingWindowSeconds)].Store(0)
			}
		} else {
			for i := range c.window {
				c.window[i].Store(0)
			}
		}
		c.epoch.Store(now)
	}
	c.window[idx].Add(1)
}

// Snapshot is a point-in-time view of the collector's state.
type Snapshot struct {
	TotalConnections int64   `json:"total_connections"`
	ActiveSessions   int64   `json:"active_sessions"`
	TotalQueries     int64   `json:"total_queries"`
	BlockedQueries   int64   `json:"blocked_queries"`
	QPS              float64 `json:"qps"`
	BlockRate        float64 `json:"block_rate"`
	CapturedAtMillis int64   `json:"captured_at_ms"`
}

// Snapshot reads all counters and derives qps/block_rate. Never blocks.
func (c *Collector) Snapshot() Snapshot {
	total := c.totalQueries.Load()
	blocked := c.blockedQueries.Load()

	var blockRate float64
	if total > 0 {
		blockRate = float64(blocked) / float64(total)
	}

	now := time.Now().Unix()
	last := c.epoch.Load()
	var windowed int64
	for i := 0; i < slidingWindowSeconds; i++ {
		sec := now - int64(i)
		if sec > last {
			// No query since this second began; its bucket still holds a
			// count from the previous lap of the ring.
			continue
		}
		windowed += c.window[int(((sec%slidingWindowSeconds)+slidingWindowSeconds)%slidingWindowSeconds)].Load()
	}
	qps := float64(windowed) / slidingWindowSeconds

	return Snapshot{
		TotalConnections: c.totalConnections.Load(),
		ActiveSessions:   c.activeSessions.Load(),
		TotalQueries:     total,
		BlockedQueries:   blocked,
		QPS:              qps,
		BlockRate:        blockRate,
		CapturedAtMillis: time.Now().UnixMilli(),
	}
}
