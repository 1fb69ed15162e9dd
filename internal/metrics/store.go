package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Store maintains in-memory gauges and counters for client telemetry.
type Store struct {
	connected       atomic.Int64
	connectsTotal   atomic.Uint64
	reconnectsTotal atomic.Uint64

	emitsTotal       atomic.Uint64
	pushEventsTotal  atomic.Uint64
	acksTotal        atomic.Uint64
	ackTimeoutsTotal atomic.Uint64

	cachedMonitors   atomic.Int64
	lastSnapshotNano atomic.Int64

	readinessState      atomic.Int64
	readinessReason     atomic.Value
	readyTransitions    atomic.Uint64
	notReadyTransitions atomic.Uint64
}

// NewStore constructs a Store with zeroed metrics.
func NewStore() *Store {
	store := &Store{}
	store.readinessReason.Store("")
	return store
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	Connected        bool
	ConnectsTotal    uint64
	ReconnectsTotal  uint64
	EmitsTotal       uint64
	PushEventsTotal  uint64
	AcksTotal        uint64
	AckTimeoutsTotal uint64
	CachedMonitors   int64
	LastSnapshotAt   time.Time
	Ready            bool
	ReadyReason      string
	ReadyTransitions uint64
	NotReadyTotal    uint64
}

// Snapshot returns a point-in-time copy of the metrics.
func (s *Store) Snapshot() Snapshot {
	reason, _ := s.readinessReason.Load().(string)
	var lastSnapshot time.Time
	if nano := s.lastSnapshotNano.Load(); nano > 0 {
		lastSnapshot = time.Unix(0, nano).UTC()
	}
	return Snapshot{
		Connected:        s.connected.Load() == 1,
		ConnectsTotal:    s.connectsTotal.Load(),
		ReconnectsTotal:  s.reconnectsTotal.Load(),
		EmitsTotal:       s.emitsTotal.Load(),
		PushEventsTotal:  s.pushEventsTotal.Load(),
		AcksTotal:        s.acksTotal.Load(),
		AckTimeoutsTotal: s.ackTimeoutsTotal.Load(),
		CachedMonitors:   s.cachedMonitors.Load(),
		LastSnapshotAt:   lastSnapshot,
		Ready:            s.readinessState.Load() == 1,
		ReadyReason:      reason,
		ReadyTransitions: s.readyTransitions.Load(),
		NotReadyTotal:    s.notReadyTransitions.Load(),
	}
}

// ConnectionRecorder records connection lifecycle observations.
type ConnectionRecorder interface {
	ObserveConnected(connected bool)
	IncReconnects()
}

// TrafficRecorder records per-message observations on the event stream.
type TrafficRecorder interface {
	IncEmits()
	IncPushEvents()
	IncAcks()
	IncAckTimeouts()
}

// CacheRecorder records monitor cache observations.
type CacheRecorder interface {
	ObserveCachedMonitors(count int)
	ObserveSnapshot(at time.Time)
}

// ConnectionRecorder returns a recorder backed by the store.
func (s *Store) ConnectionRecorder() ConnectionRecorder {
	return connectionRecorder{store: s}
}

// TrafficRecorder returns a recorder backed by the store.
func (s *Store) TrafficRecorder() TrafficRecorder {
	return trafficRecorder{store: s}
}

// CacheRecorder returns a recorder backed by the store.
func (s *Store) CacheRecorder() CacheRecorder {
	return cacheRecorder{store: s}
}

type connectionRecorder struct {
	store *Store
}

func (r connectionRecorder) ObserveConnected(connected bool) {
	if connected {
		if r.store.connected.Swap(1) == 0 {
			r.store.connectsTotal.Add(1)
		}
		return
	}
	r.store.connected.Store(0)
}

func (r connectionRecorder) IncReconnects() {
	r.store.reconnectsTotal.Add(1)
}

type trafficRecorder struct {
	store *Store
}

func (r trafficRecorder) IncEmits() { r.store.emitsTotal.Add(1) }
func (r trafficRecorder) IncPushEvents() { r.store.pushEventsTotal.Add(1) }
func (r trafficRecorder) IncAcks() { r.store.acksTotal.Add(1) }
func (r trafficRecorder) IncAckTimeouts() { r.store.ackTimeoutsTotal.Add(1) }

type cacheRecorder struct {
	store *Store
}

func (r cacheRecorder) ObserveCachedMonitors(count int) {
	if count < 0 {
		count = 0
	}
	r.store.cachedMonitors.Store(int64(count))
}

func (r cacheRecorder) ObserveSnapshot(at time.Time) {
	r.store.lastSnapshotNano.Store(at.UnixNano())
}

// NoopConnectionRecorder discards connection observations.
type NoopConnectionRecorder struct{}

func (NoopConnectionRecorder) ObserveConnected(bool) {}
func (NoopConnectionRecorder) IncReconnects() {}

// NoopTrafficRecorder discards traffic observations.
type NoopTrafficRecorder struct{}

func (NoopTrafficRecorder) IncEmits() {}
func (NoopTrafficRecorder) IncPushEvents() {}
func (NoopTrafficRecorder) IncAcks() {}
func (NoopTrafficRecorder) IncAckTimeouts() {}

// NoopCacheRecorder discards cache observations.
type NoopCacheRecorder struct{}

func (NoopCacheRecorder) ObserveCachedMonitors(int) {}
func (NoopCacheRecorder) ObserveSnapshot(time.Time) {}

// ObserveReadiness records the latest readiness evaluation.
func (s *Store) ObserveReadiness(ready bool, reason string) {
	prev := s.readinessState.Load()
	if ready {
		if prev == 0 {
			s.readyTransitions.Add(1)
		}
		s.readinessState.Store(1)
		s.readinessReason.Store("")
		return
	}
	if prev == 1 {
		s.notReadyTransitions.Add(1)
	}
	s.readinessState.Store(0)
	s.readinessReason.Store(reason)
}

// WritePrometheus renders the current metrics using the Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) error {
	snap := s.Snapshot()
	connectedValue := 0
	if snap.Connected {
		connectedValue = 1
	}
	readyValue := 0
	if snap.Ready {
		readyValue = 1
	}
	reason := snap.ReadyReason
	if !snap.Ready && reason == "" {
		reason = "unknown"
	}
	if snap.Ready && reason == "" {
		reason = "ready"
	}
	var lastSnapshotUnix int64
	if !snap.LastSnapshotAt.IsZero() {
		lastSnapshotUnix = snap.LastSnapshotAt.Unix()
	}
	lines := []string{
		"# HELP kuma_client_connected Whether the client currently holds an authenticated connection (1=connected).",
		"# TYPE kuma_client_connected gauge",
		fmt.Sprintf("kuma_client_connected %d", connectedValue),
		"# HELP kuma_client_connects_total Total successful connection establishments.",
		"# TYPE kuma_client_connects_total counter",
		fmt.Sprintf("kuma_client_connects_total %d", snap.ConnectsTotal),
		"# HELP kuma_client_reconnects_total Total transport-level reconnections after unexpected drops.",
		"# TYPE kuma_client_reconnects_total counter",
		fmt.Sprintf("kuma_client_reconnects_total %d", snap.ReconnectsTotal),
		"# HELP kuma_client_emits_total Total outbound named events sent.",
		"# TYPE kuma_client_emits_total counter",
		fmt.Sprintf("kuma_client_emits_total %d", snap.EmitsTotal),
		"# HELP kuma_client_push_events_total Total unsolicited push events received.",
		"# TYPE kuma_client_push_events_total counter",
		fmt.Sprintf("kuma_client_push_events_total %d", snap.PushEventsTotal),
		"# HELP kuma_client_acks_total Total acknowledgement callbacks delivered.",
		"# TYPE kuma_client_acks_total counter",
		fmt.Sprintf("kuma_client_acks_total %d", snap.AcksTotal),
		"# HELP kuma_client_ack_timeouts_total Total acknowledgements that never arrived within their bound.",
		"# TYPE kuma_client_ack_timeouts_total counter",
		fmt.Sprintf("kuma_client_ack_timeouts_total %d", snap.AckTimeoutsTotal),
		"# HELP kuma_client_cached_monitors_number Monitors currently held in the local snapshot cache.",
		"# TYPE kuma_client_cached_monitors_number gauge",
		fmt.Sprintf("kuma_client_cached_monitors_number %d", snap.CachedMonitors),
		"# HELP kuma_client_last_snapshot_timestamp_seconds Unix time of the last merged monitor snapshot.",
		"# TYPE kuma_client_last_snapshot_timestamp_seconds gauge",
		fmt.Sprintf("kuma_client_last_snapshot_timestamp_seconds %d", lastSnapshotUnix),
		"# HELP kuma_client_ready Whether the client considers itself ready (1=ready).",
		"# TYPE kuma_client_ready gauge",
		fmt.Sprintf("kuma_client_ready %d", readyValue),
		"# HELP kuma_client_ready_info Reason associated with the most recent readiness evaluation.",
		"# TYPE kuma_client_ready_info gauge",
		fmt.Sprintf("kuma_client_ready_info{reason=%q} 1", reason),
		"# HELP kuma_client_ready_transitions_total Count of readiness state transitions by resulting state.",
		"# TYPE kuma_client_ready_transitions_total counter",
		fmt.Sprintf("kuma_client_ready_transitions_total{state=%q} %d", "ready", snap.ReadyTransitions),
		fmt.Sprintf("kuma_client_ready_transitions_total{state=%q} %d", "not_ready", snap.NotReadyTotal),
		"",
	}
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// NewHTTPHandler returns an http.Handler that serves Prometheus formatted metrics.
func NewHTTPHandler(store *Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if r.Method == http.MethodHead {
			return
		}
		if err := store.WritePrometheus(w); err != nil {
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		}
	})
}
