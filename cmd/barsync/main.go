package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"barsync/config"
	"barsync/internal/calendar"
	"barsync/internal/canonical"
	"barsync/internal/jobs"
	"barsync/internal/logger"
	"barsync/internal/metrics"
	"barsync/internal/model"
	"barsync/internal/notification"
	"barsync/internal/provider"
	"barsync/internal/publish"
	"barsync/internal/scheduler"
	"barsync/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", config.Path(), "path to config file")
	once := flag.String("once", "", "run one job (daily_refresh|intraday_refresh|board_rebuild) and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.Init("barsync", logger.ParseLevel(cfg.LogLevel))
	log.Info("starting", "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- metrics and health ----
	prom := metrics.New()
	health := &metrics.Health{StartedAt: time.Now()}
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, log)
	metricsSrv.Start()
	defer func() {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		metricsSrv.Stop(shutCtx)
	}()

	// ---- store ----
	os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755)
	store, err := sqlite.New(sqlite.Config{
		Path:      cfg.Store.Path,
		MaxParams: cfg.Store.MaxParams,
	}, log, prom)
	if err != nil {
		log.Error("sqlite init failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()
	health.SQLiteOK = func() bool {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), time.Second)
		defer pingCancel()
		return store.Ping(pingCtx) == nil
	}

	// ---- optional bar stream ----
	var pub *publish.Publisher
	if cfg.Redis.Enabled {
		pub, err = publish.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log, prom)
		if err != nil {
			log.Warn("redis unavailable, continuing without bar stream", "err", err)
		} else {
			defer pub.Close()
		}
	}

	// ---- failure alerts ----
	var backends []notification.Notifier
	if cfg.Notify.Webhook != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.Notify.Webhook))
	}
	if tg := cfg.Notify.Telegram; tg.BotToken != "" && tg.ChatID != "" {
		backends = append(backends, notification.NewTelegramNotifier(tg.BotToken, tg.ChatID))
	}

	// ---- symbol universe ----
	classes, err := classMap(cfg)
	if err != nil {
		log.Error("bad symbol config", "err", err)
		os.Exit(1)
	}
	allSymbols := sortedCodes(classes)
	trackedEq, trackedSectors, err := splitTracked(cfg, classes)
	if err != nil {
		log.Error("bad tracked config", "err", err)
		os.Exit(1)
	}

	// ---- providers ----
	newClient := func(p provider.Parser, pc config.ProviderConfig) *provider.Client {
		return provider.NewClient(p, provider.Config{
			MinGap:           pc.MinGap,
			BackoffBase:      pc.BackoffBase,
			BackoffCap:       pc.BackoffCap,
			BreakerThreshold: pc.BreakerThreshold,
			Timeout:          pc.Timeout,
		}, log, prom)
	}
	eastmoney := newClient(provider.NewEastmoney(cfg.Providers.Eastmoney.BaseURL), cfg.Providers.Eastmoney)
	sina := newClient(provider.NewSina(cfg.Providers.Sina.BaseURL), cfg.Providers.Sina)
	tencent := newClient(provider.NewTencent(cfg.Providers.Tencent.BaseURL), cfg.Providers.Tencent)
	board := newClient(provider.NewEastmoneyBoard(cfg.Providers.Board.BaseURL), cfg.Providers.Board)

	// ---- orchestrator and jobs ----
	orch := jobs.New(store, pub, classes, log, prom)
	if len(backends) > 0 {
		orch.WithNotifier(notification.NewFanout(log, backends...))
	}
	health.LastJob = orch.LastJob

	daily := &jobs.DailyRefresh{
		Orch:    orch,
		Client:  eastmoney,
		Symbols: allSymbols,
		Window:  cfg.Jobs.DailyWindow,
		Fanout:  cfg.Jobs.Fanout,
	}
	intraday := &jobs.IntradayRefresh{
		Orch:    orch,
		Minute:  sina,
		Sector:  eastmoney,
		Quotes:  tencent,
		Equity:  trackedEq,
		Sectors: trackedSectors,
		TFs:     intradayTFs(cfg),
		Window:  cfg.Jobs.IntradayWindow,
	}
	rebuild := &jobs.BoardRebuild{
		Orch:    orch,
		Client:  board,
		Boards:  cfg.Boards,
		Retries: cfg.Jobs.BoardRetries,
		Backoff: cfg.Jobs.BoardBackoff,
		Force:   true,
	}

	if *once != "" {
		runOnce(ctx, log, *once, daily, intraday, rebuild)
		return
	}

	// an interrupted rebuild leaves boards without data; fill those
	// before the first scheduled run
	if len(cfg.Boards) > 0 {
		resume := *rebuild
		resume.Force = false
		if err := resume.Run(ctx); err != nil {
			log.Warn("startup board resume failed", "err", err)
		}
	}

	// ---- scheduler ----
	tolerance := cfg.Jobs.CheckpointTolerance
	rebuildDay := time.Weekday(cfg.Jobs.BoardRebuildDay)

	sched := scheduler.New(cfg.Jobs.TickInterval, log)
	sched.Register(daily, scheduler.GateFunc(func(now time.Time) (string, bool) {
		now = canonical.Localize(now)
		if !calendar.IsTradingDay(now) || !calendar.AfterClose(now) {
			return "", false
		}
		return canonical.ISODate(now), true
	}))
	sched.Register(intraday, scheduler.GateFunc(func(now time.Time) (string, bool) {
		now = canonical.Localize(now)
		if !calendar.IsTradingDay(now) {
			return "", false
		}
		return calendar.AtCheckpoint(now, tolerance)
	}))
	if len(cfg.Boards) > 0 {
		sched.Register(rebuild, scheduler.GateFunc(func(now time.Time) (string, bool) {
			now = canonical.Localize(now)
			if now.Weekday() != rebuildDay {
				return "", false
			}
			return canonical.ISODate(now), true
		}))
	}

	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	sched.Run(ctx)
	log.Info("stopped")
}

// runOnce executes one named job immediately, bypassing the gates.
func runOnce(ctx context.Context, log *slog.Logger, name string, js ...scheduler.Job) {
	for _, j := range js {
		if j.Name() == name {
			if err := j.Run(ctx); err != nil {
				log.Error("job failed", "job", name, "err", err)
				os.Exit(1)
			}
			return
		}
	}
	log.Error("unknown job", "job", name)
	os.Exit(1)
}

// classMap canonicalizes the configured symbol lists into one
// code-to-class lookup. A code listed under two classes is a config
// error.
func classMap(cfg *config.Config) (map[string]model.InstrumentClass, error) {
	out := make(map[string]model.InstrumentClass)
	add := func(raw string, class model.InstrumentClass) error {
		code, err := canonical.NormalizeTicker(raw)
		if err != nil {
			return fmt.Errorf("symbol %q: %w", raw, err)
		}
		if prev, ok := out[code]; ok && prev != class {
			return fmt.Errorf("symbol %q listed as both %s and %s", raw, prev, class)
		}
		out[code] = class
		return nil
	}
	for _, s := range cfg.Symbols.Equities {
		if err := add(s, model.ClassEquity); err != nil {
			return nil, err
		}
	}
	for _, s := range cfg.Symbols.Indexes {
		if err := add(s, model.ClassIndex); err != nil {
			return nil, err
		}
	}
	for _, s := range cfg.Symbols.Sectors {
		if err := add(s, model.ClassSector); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// splitTracked resolves the intraday subset into the minute-kline
// equity/index list and the sector list.
func splitTracked(cfg *config.Config, classes map[string]model.InstrumentClass) (eq, sectors []string, err error) {
	for _, raw := range cfg.Symbols.Tracked {
		code, err := canonical.NormalizeTicker(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("tracked symbol %q: %w", raw, err)
		}
		class, ok := classes[code]
		if !ok {
			return nil, nil, fmt.Errorf("tracked symbol %q not in any class list", raw)
		}
		if class == model.ClassSector {
			sectors = append(sectors, code)
		} else {
			eq = append(eq, code)
		}
	}
	return eq, sectors, nil
}

func intradayTFs(cfg *config.Config) []model.Timeframe {
	tfs := make([]model.Timeframe, 0, len(cfg.Jobs.IntradayTimeframes))
	for _, s := range cfg.Jobs.IntradayTimeframes {
		tfs = append(tfs, model.Timeframe(s))
	}
	return tfs
}

func sortedCodes(classes map[string]model.InstrumentClass) []string {
	codes := make([]string, 0, len(classes))
	for code := range classes {
		codes = append(codes, code)
	}
	// stable shard assignment run to run
	sort.Strings(codes)
	return codes
}
