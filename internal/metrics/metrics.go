package metrics

import "sync"

// Server-side counter names.
const (
	ConnAccepted   = "conn_accepted"
	ConnClosed     = "conn_closed"
	UserRegistered = "user_registered"

	CallCreated = "call_created"
	CallJoined  = "call_joined"
	CallLeft    = "call_left"

	InviteDelivered = "invite_delivered"
	InviteFailed    = "invite_failed"

	SignalRouted  = "signal_routed"
	SignalDropped = "signal_dropped"

	DropRateLimited  = "drop_rate_limited"
	DropOversized    = "drop_oversized"
	DropMalformed    = "drop_malformed"
	DropBackpressure = "drop_backpressure"
)

// Client-side counter names.
const (
	Reconnects     = "reconnects"
	AcksTimedOut   = "acks_timed_out"
	AcksLate       = "acks_late"
	LinksCreated   = "links_created"
	LinksFailed    = "links_failed"
	CandidatesHeld = "candidates_held"
	EventsDropped  = "app_events_dropped"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Both the reference server and the call session keep their counters here;
// the server additionally exposes them for scraping via PrometheusHandler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
