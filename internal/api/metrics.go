package api

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime    time.Time
	requests     atomic.Int64
	serverErrors atomic.Int64
	clientErrors atomic.Int64
	pushes       atomic.Int64
	pushRecords  atomic.Int64
	pulls        atomic.Int64
	authFailures atomic.Int64
	rateLimited  atomic.Int64
	pruned       atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds   float64 `json:"uptime_seconds"`
	Requests        int64   `json:"requests"`
	ServerErrors    int64   `json:"server_errors"`
	ClientErrors    int64   `json:"client_errors"`
	Pushes          int64   `json:"pushes"`
	PushRecords     int64   `json:"push_records"`
	Pulls           int64   `json:"pulls"`
	AuthFailures    int64   `json:"auth_failures"`
	RateLimited     int64   `json:"rate_limited"`
	SnapshotsPruned int64   `json:"snapshots_pruned"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRequest increments the total request counter.
func (m *Metrics) RecordRequest() { m.requests.Add(1) }

// RecordError increments the server error (5xx) counter.
func (m *Metrics) RecordError() { m.serverErrors.Add(1) }

// RecordClientError increments the client error (4xx) counter.
func (m *Metrics) RecordClientError() { m.clientErrors.Add(1) }

// RecordPush counts an accepted push carrying n records.
func (m *Metrics) RecordPush(n int64) {
	m.pushes.Add(1)
	m.pushRecords.Add(n)
}

// RecordPull increments the pull counter.
func (m *Metrics) RecordPull() { m.pulls.Add(1) }

// RecordAuthFailure counts a rejected login.
func (m *Metrics) RecordAuthFailure() { m.authFailures.Add(1) }

// RecordRateLimited counts a request rejected by a rate limit.
func (m *Metrics) RecordRateLimited() { m.rateLimited.Add(1) }

// RecordPruned adds n to the pruned snapshot counter.
func (m *Metrics) RecordPruned(n int64) { m.pruned.Add(n) }

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds:   time.Since(m.startTime).Seconds(),
		Requests:        m.requests.Load(),
		ServerErrors:    m.serverErrors.Load(),
		ClientErrors:    m.clientErrors.Load(),
		Pushes:          m.pushes.Load(),
		PushRecords:     m.pushRecords.Load(),
		Pulls:           m.pulls.Load(),
		AuthFailures:    m.authFailures.Load(),
		RateLimited:     m.rateLimited.Load(),
		SnapshotsPruned: m.pruned.Load(),
	}
}
