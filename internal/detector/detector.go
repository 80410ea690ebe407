// Package detector polls order book snapshots across all active
// connectors and surfaces cross-exchange price discrepancies. It reads
// only the public Connector interface and the shared counters; the order
// execution side stays unimplemented.
package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"arbiflow/config"
	"arbiflow/connector"
	"arbiflow/internal/channel"
	"arbiflow/internal/state"
	"arbiflow/logger"
	"arbiflow/models"
)

// Detector periodically compares best bid/ask for each configured symbol
// across every pair of exchanges.
type Detector struct {
	config     *config.Config
	connectors []connector.Connector
	state      *state.AppState
	channels   *channel.Channels
	wg         *sync.WaitGroup
	mu         sync.RWMutex
	running    bool
	cancel     context.CancelFunc
	log        *logger.Log
	now        func() time.Time
}

// NewDetector creates a detector over the given connectors.
func NewDetector(cfg *config.Config, conns []connector.Connector, appState *state.AppState, ch *channel.Channels) *Detector {
	return &Detector{
		config:     cfg,
		connectors: conns,
		state:      appState,
		channels:   ch,
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
		now:        time.Now,
	}
}

// Start begins the periodic scan loop.
func (d *Detector) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		cancel()
		return fmt.Errorf("detector already running")
	}
	d.running = true
	d.cancel = cancel
	d.mu.Unlock()

	log := d.log.WithComponent("detector")
	log.WithFields(logger.Fields{
		"symbols":            d.config.Detector.Symbols,
		"interval":           d.config.Detector.Interval,
		"min_profit_percent": d.config.Detector.MinProfitPercent,
	}).Info("starting cross-exchange detector")

	d.wg.Add(1)
	go d.scanLoop(runCtx)

	log.Info("detector started successfully")
	return nil
}

// Stop cancels the scan loop and waits for it to finish. It does not
// depend on the caller cancelling the Start context first.
func (d *Detector) Stop() {
	d.mu.Lock()
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	d.log.WithComponent("detector").Info("stopping detector")
	d.wg.Wait()
	d.log.WithComponent("detector").Info("detector stopped")
}

func (d *Detector) scanLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Detector.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range d.config.Detector.Symbols {
				d.scanSymbol(ctx, symbol)
			}
		}
	}
}

// scanSymbol compares the freshest books for one symbol across every
// exchange pair and emits opportunities above the configured threshold.
func (d *Detector) scanSymbol(ctx context.Context, symbol string) {
	log := d.log.WithComponent("detector").WithFields(logger.Fields{"symbol": symbol})

	snaps := make([]*models.OrderbookSnapshot, 0, len(d.connectors))
	for _, c := range d.connectors {
		if c.Status() != connector.StatusActive {
			continue
		}
		if snap := c.OrderbookSnapshot(symbol); snap != nil {
			snaps = append(snaps, snap)
		}
	}

	for i := 0; i < len(snaps); i++ {
		for j := 0; j < len(snaps); j++ {
			if i == j {
				continue
			}
			bid, ask := snaps[i], snaps[j]
			if bid.BestBid == 0 || ask.BestAsk == 0 {
				continue
			}
			d.state.AddCrossExchangeChecks(1)

			profit := (bid.BestBid - ask.BestAsk) / ask.BestAsk * 100
			if profit < d.config.Detector.MinProfitPercent {
				continue
			}
			d.state.AddProfitableOpportunities(1)

			op := models.Opportunity{
				Symbol:        symbol,
				BidExchange:   bid.Exchange,
				AskExchange:   ask.Exchange,
				BidPrice:      bid.BestBid,
				AskPrice:      ask.BestAsk,
				ProfitPercent: profit,
				DetectedAt:    d.now(),
			}
			if d.channels.SendOpportunity(ctx, op) {
				log.WithFields(logger.Fields{
					"bid_exchange":   op.BidExchange,
					"ask_exchange":   op.AskExchange,
					"profit_percent": op.ProfitPercent,
				}).Info("cross-exchange opportunity detected")
			} else if ctx.Err() == nil {
				log.Warn("opportunity channel full, dropping opportunity")
			}
		}
	}
}
