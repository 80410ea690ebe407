// Package state holds the process-wide application state shared by every
// connector task: per-connection liveness timestamps, global activity
// counters and the reconnect signaling channels the health manager uses to
// force recovery without holding a reference to any socket.
package state

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"arbiflow/logger"
)

// InfiniteIdle is returned for idle-time queries when no connection is
// registered or the id is unknown. It compares greater than any real
// threshold, so staleness checks fail safe.
const InfiniteIdle = time.Duration(math.MaxInt64)

// Counters is a point-in-time copy of the global activity counters. All
// counters are monotonic for the process lifetime.
type Counters struct {
	WebsocketMessages       int64
	PriceUpdates            int64
	CrossExchangeChecks     int64
	ProfitableOpportunities int64
}

// AppState is the single source of truth for cross-connection liveness.
// One instance exists per process. Each connection id has exactly one
// writer (its owning connector task); the health manager and monitoring
// consumers only read.
type AppState struct {
	log *logger.Log
	now func() time.Time

	// connection id -> *atomic.Int64 unix-milli of last inbound message.
	// Entries are created on Register and never removed; a reconnect
	// keeps writing to the same entry.
	timestamps sync.Map

	// connection id -> capacity-1 signal channel. Multiple signals before
	// the connector reacts coalesce into one.
	signals sync.Map

	websocketMessages       atomic.Int64
	priceUpdates            atomic.Int64
	crossExchangeChecks     atomic.Int64
	profitableOpportunities atomic.Int64
}

// New creates the shared application state.
func New() *AppState {
	return &AppState{
		log: logger.GetLogger(),
		now: time.Now,
	}
}

// Register creates the liveness entry and signal channel for a connection
// id, stamping it with the current time. Registering an existing id is a
// refresh of the same entry, not a new connection.
func (s *AppState) Register(id string) {
	ts := &atomic.Int64{}
	ts.Store(s.now().UnixMilli())
	if prev, loaded := s.timestamps.LoadOrStore(id, ts); loaded {
		prev.(*atomic.Int64).Store(s.now().UnixMilli())
	}
	s.signals.LoadOrStore(id, make(chan struct{}, 1))
}

// Touch records inbound activity for a connection. Only the owning
// connector task calls this, so per-entry timestamps are monotonically
// non-decreasing.
func (s *AppState) Touch(id string) {
	if v, ok := s.timestamps.Load(id); ok {
		v.(*atomic.Int64).Store(s.now().UnixMilli())
	}
}

// GlobalIdleTime returns the time since the most recent message on any
// connection, or InfiniteIdle when no connection is registered.
func (s *AppState) GlobalIdleTime() time.Duration {
	var latest int64
	s.timestamps.Range(func(_, v any) bool {
		if ts := v.(*atomic.Int64).Load(); ts > latest {
			latest = ts
		}
		return true
	})
	if latest == 0 {
		return InfiniteIdle
	}
	return s.sinceMilli(latest)
}

// ConnectionIdleTime returns the time since the last message on one
// connection, or InfiniteIdle when the id is unknown.
func (s *AppState) ConnectionIdleTime(id string) time.Duration {
	v, ok := s.timestamps.Load(id)
	if !ok {
		return InfiniteIdle
	}
	return s.sinceMilli(v.(*atomic.Int64).Load())
}

// ConnectionIDs returns all registered connection ids.
func (s *AppState) ConnectionIDs() []string {
	var ids []string
	s.timestamps.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}

// SignalReconnect asks the connection's owning task to tear down and
// re-establish its socket. Fire and forget: it returns immediately,
// coalesces with a pending signal and is a no-op for unknown ids.
func (s *AppState) SignalReconnect(id string) {
	v, ok := s.signals.Load(id)
	if !ok {
		s.log.WithComponent("app_state").WithFields(logger.Fields{"connection": id}).
			Debug("reconnect signal for unknown connection dropped")
		return
	}
	select {
	case v.(chan struct{}) <- struct{}{}:
	default:
		// signal already pending
	}
}

// ReconnectSignal returns the channel the owning connector task watches
// for reconnect requests, or false when the id is unknown.
func (s *AppState) ReconnectSignal(id string) (<-chan struct{}, bool) {
	v, ok := s.signals.Load(id)
	if !ok {
		return nil, false
	}
	return v.(chan struct{}), true
}

// PendingReconnect reports whether a reconnect signal is queued for id
// without consuming it.
func (s *AppState) PendingReconnect(id string) bool {
	v, ok := s.signals.Load(id)
	if !ok {
		return false
	}
	return len(v.(chan struct{})) > 0
}

func (s *AppState) AddWebsocketMessages(n int64) { s.websocketMessages.Add(n) }

func (s *AppState) AddPriceUpdates(n int64) { s.priceUpdates.Add(n) }

func (s *AppState) AddCrossExchangeChecks(n int64) { s.crossExchangeChecks.Add(n) }

func (s *AppState) AddProfitableOpportunities(n int64) { s.profitableOpportunities.Add(n) }

// CounterSnapshot returns a copy of the global counters. Visibility is
// eventual; increments never require a lock.
func (s *AppState) CounterSnapshot() Counters {
	return Counters{
		WebsocketMessages:       s.websocketMessages.Load(),
		PriceUpdates:            s.priceUpdates.Load(),
		CrossExchangeChecks:     s.crossExchangeChecks.Load(),
		ProfitableOpportunities: s.profitableOpportunities.Load(),
	}
}

func (s *AppState) sinceMilli(ts int64) time.Duration {
	idle := s.now().UnixMilli() - ts
	if idle < 0 {
		idle = 0
	}
	return time.Duration(idle) * time.Millisecond
}
