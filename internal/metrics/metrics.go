package metrics

import "sync"

// Counter names used across the relay.
const (
	AuthFailure       = "auth_failure"
	AuthRefreshFailed = "auth_refresh_failed"
	ConnectionOpened  = "connection_opened"
	ConnectionClosed  = "connection_closed"
	MessageRouted     = "signaling_message_routed"
	MessageRejected   = "signaling_message_rejected"
	BroadcastPruned   = "broadcast_member_pruned"
	RateLimited       = "rate_limited"
	RoomCreated       = "room_created"
	RoomJoined        = "room_joined"
	PeerSessionOpened = "peer_session_opened"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to plug into a real metrics backend eventually; this
// type keeps the signaling and lifecycle logic observable and testable without
// dragging a metrics SDK into every package.
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
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
