package health

import (
	"testing"
	"time"

	"arbiflow/internal/state"
)

func TestTickWithNoConnections(t *testing.T) {
	s := state.New()
	m := NewManager(Options{
		CheckInterval:         5 * time.Second,
		StaleTimeout:          time.Millisecond,
		ForceReconnectTimeout: 2 * time.Millisecond,
	}, s)

	// must not panic or dispatch anything on an empty connection set
	for i := 1; i <= summaryEvery+1; i++ {
		m.tick(i)
	}
}

func TestStaleConnectionIsSignaled(t *testing.T) {
	s := state.New()
	m := NewManager(Options{
		CheckInterval:         5 * time.Second,
		StaleTimeout:          5 * time.Millisecond,
		ForceReconnectTimeout: 10 * time.Millisecond,
	}, s)

	s.Register("stuck")
	time.Sleep(25 * time.Millisecond)
	s.Register("fresh")

	m.tick(1)

	if !s.PendingReconnect("stuck") {
		t.Fatalf("expected reconnect signal for the stale connection")
	}
	if s.PendingReconnect("fresh") {
		t.Fatalf("fresh connection must not be signaled")
	}
}

func TestAlertWithoutForceDoesNotSignal(t *testing.T) {
	s := state.New()
	m := NewManager(Options{
		CheckInterval:         5 * time.Second,
		StaleTimeout:          time.Millisecond,
		ForceReconnectTimeout: time.Hour,
	}, s)

	s.Register("slow")
	time.Sleep(10 * time.Millisecond)

	m.tick(1)

	if s.PendingReconnect("slow") {
		t.Fatalf("idle past stale but under force threshold must not signal")
	}
}

func TestRepeatedTicksCoalesceIntoOneSignal(t *testing.T) {
	s := state.New()
	m := NewManager(Options{
		CheckInterval:         5 * time.Second,
		StaleTimeout:          time.Millisecond,
		ForceReconnectTimeout: 2 * time.Millisecond,
	}, s)

	s.Register("stuck")
	time.Sleep(10 * time.Millisecond)

	for i := 1; i <= 5; i++ {
		m.tick(i)
	}

	sig, ok := s.ReconnectSignal("stuck")
	if !ok {
		t.Fatalf("expected a signal channel for registered connection")
	}
	select {
	case <-sig:
	default:
		t.Fatalf("expected one deliverable signal")
	}
	select {
	case <-sig:
		t.Fatalf("five ticks must coalesce into a single signal")
	default:
	}
}

func TestGlobalEmergencySignalsEveryConnection(t *testing.T) {
	s := state.New()
	m := NewManager(Options{
		CheckInterval:         5 * time.Second,
		StaleTimeout:          time.Millisecond,
		ForceReconnectTimeout: 2 * time.Millisecond,
	}, s)

	s.Register("a")
	s.Register("b")
	time.Sleep(10 * time.Millisecond)

	m.tick(1)

	for _, id := range []string{"a", "b"} {
		if !s.PendingReconnect(id) {
			t.Fatalf("expected reconnect signal for %s during global emergency", id)
		}
	}
}
