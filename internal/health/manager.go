// Package health runs the per-process watchdog that detects silently stuck
// connections and forces their recovery. It only ever reads shared
// application state and dispatches reconnect signals; it never touches a
// socket directly.
package health

import (
	"context"
	"runtime"
	"time"

	"arbiflow/internal/state"
	"arbiflow/logger"
)

// summaryEvery controls how often the counter roll-up is emitted, in ticks.
// At the default 5s interval this is roughly once a minute.
const summaryEvery = 12

// Options are the process-wide staleness tunables. ForceReconnectTimeout
// must be strictly greater than StaleTimeout.
type Options struct {
	CheckInterval         time.Duration
	StaleTimeout          time.Duration
	ForceReconnectTimeout time.Duration
}

// Manager is the connection health watchdog. One instance runs per
// process.
type Manager struct {
	opts  Options
	state *state.AppState
	log   *logger.Log
}

// NewManager creates a health manager over the shared application state.
func NewManager(opts Options, appState *state.AppState) *Manager {
	return &Manager{
		opts:  opts,
		state: appState,
		log:   logger.GetLogger(),
	}
}

// Run executes the periodic health loop until ctx is cancelled. This loop
// is the sole escalation path from a silently stuck socket to a forced
// reconnect; under normal operation it never terminates.
func (m *Manager) Run(ctx context.Context) {
	log := m.log.WithComponent("health_manager")
	log.WithFields(logger.Fields{
		"check_interval":  m.opts.CheckInterval,
		"stale_timeout":   m.opts.StaleTimeout,
		"force_reconnect": m.opts.ForceReconnectTimeout,
	}).Info("starting connection health manager")

	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()

	// Owned by this loop alone; deliberately not part of shared state.
	tickCount := 0

	for {
		select {
		case <-ctx.Done():
			log.Info("connection health manager stopped")
			return
		case <-ticker.C:
			tickCount++
			m.tick(tickCount)
			runtime.Gosched()
		}
	}
}

// tick performs one health pass: the global idle check, the per-connection
// idle checks and the periodic counter summary.
func (m *Manager) tick(tickCount int) {
	log := m.log.WithComponent("health_manager")

	globalIdle := m.state.GlobalIdleTime()
	ids := m.state.ConnectionIDs()

	if len(ids) > 0 && globalIdle > m.opts.StaleTimeout {
		log.WithFields(logger.Fields{
			"idle":      globalIdle,
			"threshold": m.opts.StaleTimeout,
		}).Error("global connection alert: no messages on any connection")

		if globalIdle > m.opts.ForceReconnectTimeout {
			log.Error("global connection emergency: signaling all connections to reconnect")
			for _, id := range ids {
				m.state.SignalReconnect(id)
			}
		}
	}

	// Per-connection staleness is the common case; most stuck sockets are
	// individual, not global.
	for _, id := range ids {
		idle := m.state.ConnectionIdleTime(id)
		if idle <= m.opts.StaleTimeout {
			continue
		}
		log.WithFields(logger.Fields{
			"connection": id,
			"idle":       idle,
			"threshold":  m.opts.StaleTimeout,
		}).Error("connection alert: no messages")

		if idle > m.opts.ForceReconnectTimeout {
			log.WithFields(logger.Fields{"connection": id, "idle": idle}).
				Error("connection emergency: forcing reconnection")
			m.state.SignalReconnect(id)
		}
	}

	if tickCount%summaryEvery == 0 {
		c := m.state.CounterSnapshot()
		log.WithFields(logger.Fields{
			"ws_messages":              c.WebsocketMessages,
			"price_updates":            c.PriceUpdates,
			"cross_exchange_checks":    c.CrossExchangeChecks,
			"profitable_opportunities": c.ProfitableOpportunities,
		}).Info("connection stats")
	}
}
