package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"arbiflow/config"
	"arbiflow/connector"
	"arbiflow/connector/binance"
	"arbiflow/connector/okx"
	"arbiflow/internal/channel"
	"arbiflow/internal/detector"
	"arbiflow/internal/health"
	"arbiflow/internal/state"
	"arbiflow/logger"
	"arbiflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Arbiflow.Name,
		"version": cfg.Arbiflow.Version,
	}).Info("starting arbiflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Storage.S3.Enabled {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Logging.DashboardName)
	}

	appState := state.New()

	logger.StartReport(ctx, log, 30*time.Second, func() map[string]int64 {
		c := appState.CounterSnapshot()
		return map[string]int64{
			"websocket_messages":       c.WebsocketMessages,
			"price_updates":            c.PriceUpdates,
			"cross_exchange_checks":    c.CrossExchangeChecks,
			"profitable_opportunities": c.ProfitableOpportunities,
		}
	})

	channels := channel.NewChannels(cfg.Channels.OpportunityBuffer)
	defer channels.Close()

	connectors := buildConnectors(cfg, appState)
	if len(connectors) == 0 {
		log.Error("no exchanges enabled in configuration")
		os.Exit(1)
	}

	for _, conn := range connectors {
		if err := conn.Connect(ctx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"exchange": conn.Exchange()}).
				Error("failed to connect")
			os.Exit(1)
		}

		ex := cfg.Exchanges[conn.Exchange()]
		req := connector.SubscriptionRequest{
			Symbols:    ex.Symbols,
			DataTypes:  []connector.DataType{connector.DataTypeOrderbook},
			DepthLevel: ex.Depth,
		}
		if err := conn.Subscribe(ctx, req); err != nil {
			log.WithError(err).WithFields(logger.Fields{"exchange": conn.Exchange()}).
				Error("failed to subscribe")
			os.Exit(1)
		}
	}

	healthManager := health.NewManager(health.Options{
		CheckInterval:         cfg.Health.CheckInterval,
		StaleTimeout:          cfg.Health.StaleTimeout,
		ForceReconnectTimeout: cfg.Health.ForceReconnectTimeout,
	}, appState)
	go healthManager.Run(ctx)

	var det *detector.Detector
	if cfg.Detector.Enabled {
		det = detector.NewDetector(cfg, connectors, appState, channels)
		if err := det.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start opportunity detector")
			os.Exit(1)
		}
	}

	var opportunityWriter *writer.OpportunityWriter
	if cfg.Storage.S3.Enabled {
		opportunityWriter, err = writer.NewOpportunityWriter(cfg, channels)
		if err != nil {
			log.WithError(err).Error("failed to create opportunity writer")
			os.Exit(1)
		}
		if err := opportunityWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start opportunity writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping opportunity writer")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if det != nil {
		log.Info("stopping opportunity detector")
		det.Stop()
	}

	done := make(chan struct{})
	go func() {
		for _, conn := range connectors {
			log.WithFields(logger.Fields{"exchange": conn.Exchange()}).Info("disconnecting")
			if err := conn.Disconnect(); err != nil {
				log.WithError(err).WithFields(logger.Fields{"exchange": conn.Exchange()}).
					Warn("error during disconnect")
			}
		}
		if opportunityWriter != nil {
			log.Info("stopping opportunity writer")
			opportunityWriter.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("arbiflow stopped")
}

// buildConnectors instantiates one connector per enabled exchange entry.
func buildConnectors(cfg *config.Config, appState *state.AppState) []connector.Connector {
	log := logger.GetLogger().WithComponent("main")

	var connectors []connector.Connector
	for name, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}

		connCfg := connector.Config{
			APIKey:               ex.APIKey,
			SecretKey:            ex.SecretKey,
			Passphrase:           ex.Passphrase,
			Testnet:              ex.Testnet,
			WebsocketURL:         ex.WebsocketURL,
			RestURL:              ex.RestURL,
			ReconnectInterval:    ex.ReconnectInterval,
			MaxReconnectAttempts: ex.MaxReconnectAttempts,
			PingInterval:         ex.PingInterval,
			RequestTimeout:       ex.RequestTimeout,
			RestRate:             ex.RestRate,
		}

		switch name {
		case "binance":
			connectors = append(connectors, binance.NewConnector(connCfg, appState))
		case "okx":
			connectors = append(connectors, okx.NewConnector(connCfg, appState))
		default:
			log.WithFields(logger.Fields{"exchange": name}).Warn("unknown exchange in configuration, skipping")
		}
	}
	return connectors
}
