// Command hedgegrid runs one dual-account hedged grid-trading engine for a
// single symbol against Binance USDⓈ-M futures. It loads its configuration
// and credentials, wires both accounts and the shared price feed, and runs
// until a stop-loss trigger or an interrupt signal ends it — replacing the
// teacher's HTTP-served multi-trader process with a single headless run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"hedgegrid/config"
	"hedgegrid/controller"
	"hedgegrid/exchange"
	"hedgegrid/logger"
	"hedgegrid/market"
	"hedgegrid/store"

	"github.com/adshao/go-binance/v2/futures"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	envPath := flag.String("env", ".env", "path to the credentials .env file")
	dbPath := flag.String("db", "hedgegrid.db", "path to the sqlite audit-trail database (\"\" disables it)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hedgegrid: failed to load config: %v\n", err)
		os.Exit(controller.ExitStartupFailure)
	}
	if err := logger.Init(&logger.Config{Level: cfg.Log.Level}); err != nil {
		fmt.Fprintf(os.Stderr, "hedgegrid: failed to init logger: %v\n", err)
		os.Exit(controller.ExitStartupFailure)
	}

	secrets, err := config.LoadSecrets(*envPath)
	if err != nil {
		logger.Errorf("hedgegrid: failed to load secrets: %v", err)
		os.Exit(controller.ExitStartupFailure)
	}
	if secrets.LongAPIKey == "" || secrets.ShortAPIKey == "" {
		logger.Errorf("hedgegrid: HEDGEGRID_LONG_API_KEY/HEDGEGRID_SHORT_API_KEY must both be set")
		os.Exit(controller.ExitStartupFailure)
	}

	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("hedgegrid: dual-account hedged grid engine — symbol %s\n", cfg.Symbol)
	fmt.Println("press Ctrl+C to stop")
	fmt.Println(strings.Repeat("=", 60))

	longRaw := futures.NewClient(secrets.LongAPIKey, secrets.LongAPISecret)
	shortRaw := futures.NewClient(secrets.ShortAPIKey, secrets.ShortAPISecret)
	longClient := exchange.NewBinanceFuturesClient(longRaw)
	shortClient := exchange.NewBinanceFuturesClient(shortRaw)

	feed := market.NewFeed(longClient, cfg.Symbol, cfg.ATRTimeframe, cfg.ATRPeriod, 10)

	var sink store.EventSink
	if *dbPath != "" {
		gridStore, err := store.Open(*dbPath)
		if err != nil {
			logger.Warnf("hedgegrid: audit-trail database disabled, open failed: %v", err)
		} else {
			sink = gridStore
		}
	}

	ctrl := controller.New(cfg, longClient, shortClient, feed, sink)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := ctrl.Run(ctx)

	fmt.Println()
	fmt.Println("hedgegrid: stopped")
	os.Exit(code)
}
