package stats

import "testing"

func TestOnConnectionOpenAndClose(t *testing.T) {
	c := New()
	c.OnConnectionOpen()
	c.OnConnectionOpen()
	c.OnConnectionClose()

	snap := c.Snapshot()
	if snap.TotalConnections != 2 {
		t.Errorf("total_connections = %d, want 2", snap.TotalConnections)
	}
	if snap.ActiveSessions != 1 {
		t.Errorf("active_sessions = %d, want 1", snap.ActiveSessions)
	}
}

func TestOnConnectionCloseNeverGoesNegative(t *testing.T) {
	c := New()
	c.OnConnectionClose()
	c.OnConnectionClose()

	snap := c.Snapshot()
	if snap.ActiveSessions != 0 {
		t.Errorf("active_sessions = %d, want 0 (guarded against underflow)", snap.ActiveSessions)
	}
}

func TestOnQueryBlockRate(t *testing.T) {
	c := New()
	c.OnQuery(false)
	c.OnQuery(false)
	c.OnQuery(true)

	snap := c.Snapshot()
	if snap.TotalQueries != 3 {
		t.Errorf("total_queries = %d, want 3", snap.TotalQueries)
	}
	if snap.BlockedQueries != 1 {
		t.Errorf("blocked_queries = %d, want 1", snap.BlockedQueries)
	}
	want := 1.0 / 3.0
	if diff := snap.BlockRate - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("block_rate = %v, want %v", snap.BlockRate, want)
	}
}

func TestSnapshotBlockRateZeroWhenNoQueries(t *testing.T) {
	c := New()
	snap := c.Snapshot()
	if snap.BlockRate != 0 {
		t.Errorf("block_rate = %v, want 0", snap.BlockRate)
	}
}

func TestSnapshotCapturedAtIsPositive(t *testing.T) {
	c := New()
	snap := c.Snapshot()
	if snap.CapturedAtMillis <= 0 {
		t.Errorf("captured_at_ms = %d, want positive", snap.CapturedAtMillis)
	}
}
