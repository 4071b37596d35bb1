// Command marketfeed is the ingestion core's CLI entry point: init,
// collect-historical, stream-realtime, health-check, and monitor-errors,
// per spec.md §6. Structured the way the teacher's root main.go wires
// godotenv, config.Load, and logger.Configure before starting work.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketfeed/internal/breaker"
	"marketfeed/internal/cache"
	"marketfeed/internal/collector/historical"
	"marketfeed/internal/collector/streaming"
	"marketfeed/internal/config"
	"marketfeed/internal/errtrack"
	"marketfeed/internal/exchange"
	"marketfeed/internal/health"
	"marketfeed/internal/logger"
	"marketfeed/internal/model"
	"marketfeed/internal/monitor"
	"marketfeed/internal/storage"
)

// Exit codes, per spec.md §6.
const (
	exitSuccess       = 0
	exitConfigError   = 1
	exitStorageError  = 2
	exitExchangeError = 3
	exitCancelled     = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitConfigError
	}

	verb := args[0]
	fs := flag.NewFlagSet(verb, flag.ContinueOnError)
	configPath := fs.String("config", "config/config.yaml", "path to configuration file")
	once := fs.Bool("once", false, "run a single check and exit")
	continuous := fs.Int("continuous", 0, "seconds between repeated health checks")
	exportPath := fs.String("export", "", "export the error report to this path and exit")
	if err := fs.Parse(args[1:]); err != nil {
		return exitConfigError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigError
	}

	log := logger.Get()
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		fmt.Fprintf(os.Stderr, "logger config error: %v\n", err)
		return exitConfigError
	}
	entry := log.WithComponent(verb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleShutdown(cancel)

	switch verb {
	case "init":
		return cmdInit(ctx, cfg, entry)
	case "collect-historical":
		return cmdCollectHistorical(ctx, cfg, entry)
	case "stream-realtime":
		return cmdStreamRealtime(ctx, cfg, entry)
	case "health-check":
		return cmdHealthCheck(ctx, cfg, entry, *once, *continuous)
	case "monitor-errors":
		return cmdMonitorErrors(ctx, cfg, entry, *once, *exportPath)
	default:
		usage()
		return exitConfigError
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: marketfeed <init|collect-historical|stream-realtime|health-check|monitor-errors> [flags]")
}

func handleShutdown(cancel context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	cancel()
}

// cmdInit opens the configured storage backend and runs Init, creating
// schema/tables/buckets as needed, then exits.
func cmdInit(ctx context.Context, cfg *config.Config, log *logger.Entry) int {
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to open storage backend")
		return exitStorageError
	}
	defer store.Close(ctx)

	if err := store.Init(ctx); err != nil {
		log.WithError(err).Error("failed to initialize storage")
		return exitStorageError
	}
	log.Info("storage initialized")
	return exitSuccess
}

func cmdCollectHistorical(ctx context.Context, cfg *config.Config, log *logger.Entry) int {
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to open storage backend")
		return exitStorageError
	}
	defer store.Close(ctx)
	if err := store.Init(ctx); err != nil {
		log.WithError(err).Error("failed to initialize storage")
		return exitStorageError
	}

	tracker := errtrack.New(cloudWatchSink(cfg))
	breakers := breaker.NewRegistry()
	client := exchange.New(cfg.Exchange, breakers, tracker)
	coll := historical.New(client, store, log)

	days := cfg.Collection.HistoricalDays
	if days <= 0 {
		days = 30
	}
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)

	// Fan out across every stream spec.md §4.7's collect_all_concurrent
	// names: OHLCV per timeframe, OI per period, funding, liquidations,
	// long/short ratio per period, and one order-book snapshot.
	var jobs []historical.Job
	for _, sym := range cfg.Collection.Symbols {
		for _, tf := range cfg.Collection.Timeframes {
			jobs = append(jobs, historical.Job{Resource: historical.ResourceOHLCV, Symbol: sym, Timeframe: tf, Start: start, End: end})
		}
		for _, period := range cfg.Collection.OIPeriods {
			jobs = append(jobs, historical.Job{Resource: historical.ResourceOpenInterest, Symbol: sym, Period: period, Start: start, End: end})
		}
		jobs = append(jobs, historical.Job{Resource: historical.ResourceFunding, Symbol: sym, Start: start, End: end})
		jobs = append(jobs, historical.Job{Resource: historical.ResourceLiquidations, Symbol: sym, Start: start, End: end})
		for _, period := range cfg.Collection.RatioPeriods {
			jobs = append(jobs, historical.Job{Resource: historical.ResourceRatio, Symbol: sym, Period: period, Start: start, End: end})
		}
		jobs = append(jobs, historical.Job{Resource: historical.ResourceOrderBook, Symbol: sym, Depth: cfg.Collection.OrderBookDepth, Start: start, End: end})
	}
	if len(jobs) == 0 {
		log.Warn("no symbols configured, nothing to collect")
		return exitSuccess
	}

	results, err := coll.CollectAllConcurrent(ctx, jobs, cfg.Collection.ConcurrencyLimit)
	if err != nil {
		if ctx.Err() != nil {
			log.Warn("collection cancelled")
			return exitCancelled
		}
		log.WithError(err).Error("historical collection failed")
		return exitExchangeError
	}

	total := 0
	for i, res := range results {
		total += res.RecordsWritten
		if res.Partial {
			log.WithFields(logger.Fields{"symbol": jobs[i].Symbol, "resource": jobs[i].Resource, "timeframe": jobs[i].Timeframe}).
				Warn("backfill window ended early: circuit open")
		}
	}
	log.WithFields(logger.Fields{"records_written": total, "jobs": len(jobs)}).Info("historical collection complete")
	return exitSuccess
}

func cmdStreamRealtime(ctx context.Context, cfg *config.Config, log *logger.Entry) int {
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to open storage backend")
		return exitStorageError
	}
	defer store.Close(ctx)
	if err := store.Init(ctx); err != nil {
		log.WithError(err).Error("failed to initialize storage")
		return exitStorageError
	}

	var c cache.Cache
	if cfg.Cache.Host != "" {
		c = cache.New(cfg.Cache)
	}

	tracker := errtrack.New(cloudWatchSink(cfg))
	breakers := breaker.NewRegistry()
	client := exchange.New(cfg.Exchange, breakers, tracker)

	if len(cfg.Collection.Symbols) == 0 || len(cfg.Collection.Timeframes) == 0 {
		log.Error("no symbols/timeframes configured for streaming")
		return exitConfigError
	}

	stream := client.NewStream(cfg.Collection.Symbols, cfg.Collection.Timeframes[0])
	coll := streaming.New(stream, store, c, log, cfg.Collection.WSBatchSize, cfg.Collection.WSBatchInterval)

	logger.StartReport(ctx, logger.Get(), 30*time.Second)

	err = coll.Run(ctx)
	if err != nil && ctx.Err() != nil {
		log.Info("streaming stopped: shutdown requested")
		return exitCancelled
	}
	if err != nil {
		log.WithError(err).Error("streaming collector exited with error")
		return exitExchangeError
	}
	return exitSuccess
}

func cmdHealthCheck(ctx context.Context, cfg *config.Config, log *logger.Entry, once bool, continuousSecs int) int {
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to open storage backend")
		return exitStorageError
	}
	defer store.Close(ctx)

	var c cache.Cache
	if cfg.Cache.Host != "" {
		c = cache.New(cfg.Cache)
	}

	tracker := errtrack.New(nil)
	breakers := breaker.NewRegistry()
	client := exchange.New(cfg.Exchange, breakers, tracker)

	checker := health.New(store, c, client, cfg.Collection)

	interval := time.Duration(continuousSecs) * time.Second
	if once || interval <= 0 {
		report := checker.Run(ctx)
		printHealthReport(report)
		if !report.Healthy {
			return exitExchangeError
		}
		return exitSuccess
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report := checker.Run(ctx)
		printHealthReport(report)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return exitCancelled
		}
	}
}

func printHealthReport(report health.Report) {
	fmt.Printf("health check @ %s\n", report.Timestamp.Format(time.RFC3339))
	for _, chk := range report.Checks {
		status := "PASS"
		if !chk.OK {
			status = "FAIL"
		}
		if chk.Detail != "" {
			fmt.Printf("  [%s] %-16s %s\n", status, chk.Name, chk.Detail)
		} else {
			fmt.Printf("  [%s] %-16s\n", status, chk.Name)
		}
	}
	overall := "HEALTHY"
	if !report.Healthy {
		overall = "DEGRADED"
	}
	fmt.Printf("overall: %s\n\n", overall)
}

func cmdMonitorErrors(ctx context.Context, cfg *config.Config, log *logger.Entry, once bool, exportPath string) int {
	// The error tracker and breaker registry are process-scoped, in-memory
	// state (spec.md §6 "intentionally lost on restart"); a standalone
	// monitor-errors invocation observes an empty tracker in this process
	// model since it doesn't share memory with a running collector. This
	// verb is retained for the CLI surface spec.md §6 requires and for
	// exercising Monitor.Render/Export against whatever this process
	// itself records while running.
	tracker := errtrack.New(nil)
	breakers := breaker.NewRegistry()
	m := monitor.New(tracker, breakers)

	if exportPath != "" {
		if err := m.Export(exportPath); err != nil {
			log.WithError(err).Error("failed to export error report")
			return exitStorageError
		}
		fmt.Printf("error report exported to %s\n", exportPath)
		return exitSuccess
	}

	if once {
		fmt.Print(m.Render())
		return exitSuccess
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		fmt.Print(m.Render())
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return exitCancelled
		}
	}
}

// cloudWatchSink wires the Error Tracker's alert sink to CloudWatch
// PutMetricData when cloud credentials are configured, per SPEC_FULL.md
// §2's domain-stack wiring for the cloudwatch client. When no region is set
// the sink only logs each fired alert.
func cloudWatchSink(cfg *config.Config) errtrack.AlertSink {
	if cfg.Cloud.Region == "" {
		alertLog := logger.Get().WithComponent("error_tracker")
		return func(kind model.Kind, rec errtrack.Record, rate float64) {
			alertLog.WithFields(logger.Fields{"kind": string(kind), "rate_per_min": rate}).Warn("error alert: " + rec.Message)
		}
	}
	logger.InitCloudWatch(cfg.Cloud.Region, "MarketFeed/Errors")
	return func(kind model.Kind, rec errtrack.Record, rate float64) {
		logger.PublishMetric(context.Background(), "ErrorRate", rate, map[string]string{"kind": string(kind)})
	}
}
