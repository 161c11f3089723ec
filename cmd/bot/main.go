package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"straddle-bot-go/internal/config"
	"straddle-bot-go/internal/database"
	"straddle-bot-go/internal/kite"
	"straddle-bot-go/internal/logger"
	"straddle-bot-go/internal/stream"
	"straddle-bot-go/internal/trader"

	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Initialize Kite REST client and establish a session. A pre-generated
	// access token from config wins; otherwise a request token from the login
	// redirect is exchanged at startup.
	restClient := kite.NewRestClient(&cfg.Kite, log)
	if !restClient.IsSessionValid() {
		requestToken := os.Getenv("KITE_REQUEST_TOKEN")
		if requestToken == "" {
			log.Fatal("No access token configured and KITE_REQUEST_TOKEN is not set")
		}
		if err := restClient.GenerateSession(requestToken); err != nil {
			log.Fatal("Failed to generate Kite session", zap.Error(err))
		}
	}
	log.Info("Kite session ready")

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	// Wire the trading core: instrument cache, gateway, ledger, risk, stream.
	instruments := kite.NewInstrumentCache(restClient, log, cfg.Trading.Underlying, cfg.Trading.Exchange)
	gateway := trader.NewOrderGateway(&cfg, restClient, instruments, log)
	ledger := trader.NewPositionLedger(db)
	risk := trader.NewRiskGovernor(ledger, cfg.Trading.MaxDailyLoss, log)

	// Paper order ids must stay unique against trade rows from earlier runs.
	paperSeq, err := ledger.MaxPaperOrderSeq()
	if err != nil {
		log.Fatal("Failed to read paper order id sequence", zap.Error(err))
	}
	gateway.PaperBook().Seed(paperSeq + 1)

	bus := stream.NewBus()
	transport := kite.NewTicker(cfg.Kite.WsURL, cfg.Kite.ApiKey, restClient.AccessToken(), log)
	tickerStream := stream.NewTickerStream(transport, bus, log)
	tickerStream.Connect(ctx)

	engine := trader.NewEngine(log, &cfg, gateway, ledger, risk, tickerStream, bus)

	apiServer := trader.NewAPIServer(engine, gateway.PaperBook(), cfg.Server.Port, log)
	apiServer.Start()

	engine.Run(ctx)

	// Engine returned: tear everything else down.
	tickerStream.Disconnect()
	bus.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Warn("API server shutdown failed", zap.Error(err))
	}

	log.Info("Bot has been shut down.")
}
