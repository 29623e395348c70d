// algobot runs the intraday options trading engine: tick feed in, zone
// strategy, risk gate, adaptive execution, position management, and durable
// state in SQLite.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/RishikeshWadkar/nifty-options-algo/internal/alert"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/broker"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/config"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/engine"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/execution"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/metrics"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/position"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/risk"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/store"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/strategy"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/util"
)

func main() {
	os.Exit(run())
}

func run() int {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfgPath := flag.String("config", "config/algobot.yaml", "path to YAML config")
	resume := flag.Bool("resume", false, "acknowledge a previous emergency halt and resume after reconciliation")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		return 1
	}

	logger := util.NewLogger(cfg.Logging.Level)
	util.SetDefault(logger)

	clock, err := buildClock(cfg.Session)
	if err != nil {
		logger.Error("building session clock", "error", err)
		return 1
	}

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		logger.Error("opening sqlite store", "path", cfg.Storage.SQLitePath, "error", err)
		return 1
	}
	defer db.Close()

	var recorder *store.TickRecorder
	if cfg.Storage.DataDir != "" {
		recorder = store.NewTickRecorder(cfg.Storage.DataDir, 0)
	}

	notifier := alert.NewTelegramNotifier(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := buildBroker(ctx, cfg)
	if err != nil {
		logger.Error("connecting to broker", "error", err)
		return 1
	}

	gate, err := risk.NewGate(ctx, risk.Limits{
		MaxTradesPerDay: cfg.Risk.MaxTradesPerDay,
		MaxDailyLoss:    cfg.Risk.MaxDailyLoss,
		PositionSize:    cfg.Risk.PositionSize,
	}, clock, db)
	if err != nil {
		logger.Error("initialising risk gate", "error", err)
		return 1
	}

	positions := position.NewManager(position.StopParams{
		SLPoints:           cfg.Strategy.SLPoints,
		TPMultiple:         cfg.Strategy.TPMultiple,
		TrailingActivation: cfg.Strategy.TrailingActivation,
		TrailingBuffer:     cfg.Strategy.TrailingBuffer,
	}, db, func(ctx context.Context, pnl float64, at time.Time) {
		gate.RecordPnL(ctx, pnl, at)
		metrics.RealizedPnL.Set(gate.PnLToday())
	})

	strat, err := buildStrategy(cfg.Strategy, clock)
	if err != nil {
		logger.Error("initialising strategy", "error", err)
		return 1
	}

	var exec execution.Executor
	if cfg.Execution.Mode == "live" {
		exec = execution.NewLiveExecutor(b, db, execution.Params{
			PriceOffset: cfg.Execution.PriceOffset,
			PriceStep:   cfg.Execution.PriceStep,
			FillWait:    cfg.Execution.FillWait.Std(),
			MaxAttempts: cfg.Execution.MaxAttempts,
		})
	} else {
		exec = execution.NewPaperExecutor(b, db)
	}

	if cfg.Metrics.Addr != "" {
		srv := metrics.Serve(cfg.Metrics.Addr)
		defer srv.Close()
		logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
	}

	eng := engine.New(engine.Deps{
		Clock:        clock,
		Store:        db,
		Broker:       b,
		Strategy:     strat,
		Gate:         gate,
		Executor:     exec,
		Positions:    positions,
		Notifier:     notifier,
		Recorder:     recorder,
		IndexSymbol:  cfg.Strategy.IndexSymbol,
		ResumeHalted: *resume,
	})

	logger.Info("starting",
		"mode", cfg.Execution.Mode,
		"broker", b.Name(),
		"index", cfg.Strategy.IndexSymbol,
	)
	if err := eng.Run(ctx); err != nil {
		if errors.Is(err, engine.ErrHalted) {
			logger.Error("system is halted; review and restart with -resume")
			return 2
		}
		if errors.Is(err, engine.ErrEmergencyHalt) {
			logger.Error("engine performed an emergency halt", "error", err)
			return 2
		}
		logger.Error("engine exited", "error", err)
		return 1
	}
	return 0
}

func buildClock(s config.Session) (*util.SessionClock, error) {
	open, err := util.ParseClockTime(s.Open)
	if err != nil {
		return nil, err
	}
	cl, err := util.ParseClockTime(s.Close)
	if err != nil {
		return nil, err
	}
	force, err := util.ParseClockTime(s.ForceCloseAt)
	if err != nil {
		return nil, err
	}
	return util.NewSessionClock(s.Timezone, open, cl, force)
}

func buildStrategy(s config.Strategy, clock *util.SessionClock) (*strategy.ZoneStrategy, error) {
	calStart, err := util.ParseClockTime(s.CalibrationStart)
	if err != nil {
		return nil, err
	}
	calEnd, err := util.ParseClockTime(s.CalibrationEnd)
	if err != nil {
		return nil, err
	}
	return strategy.New(strategy.Params{
		IndexSymbol:      s.IndexSymbol,
		ZoneOffset:       s.ZoneOffset,
		StrikeStep:       s.StrikeStep,
		MiddleTolerance:  s.MiddleTolerance,
		CalibrationStart: calStart,
		CalibrationEnd:   calEnd,
	}, clock.Location()), nil
}

// buildBroker connects the Noren client when credentials are configured and
// falls back to the in-memory stub otherwise (offline paper runs).
func buildBroker(ctx context.Context, cfg *config.Config) (broker.Broker, error) {
	if cfg.Broker.UserID == "" {
		if cfg.Execution.Mode == "live" {
			return nil, fmt.Errorf("live mode requires broker credentials")
		}
		return broker.NewStubBroker(), nil
	}

	nb := broker.NewNorenBroker(broker.Config{
		UserID:          cfg.Broker.UserID,
		Password:        cfg.Broker.Password,
		VendorCode:      cfg.Broker.VendorCode,
		APISecret:       cfg.Broker.APISecret,
		TOTP:            cfg.Broker.TOTPKey,
		BaseURL:         cfg.Broker.BaseURL,
		StreamURL:       cfg.Broker.StreamURL,
		Exchange:        cfg.Broker.Exchange,
		RateLimitPerMin: cfg.Broker.RateLimitPerMin,
	})
	if err := util.Retry(ctx, 3, 2*time.Second, func() error {
		return nb.Connect(ctx)
	}); err != nil {
		return nil, fmt.Errorf("broker login: %w", err)
	}
	return nb, nil
}
