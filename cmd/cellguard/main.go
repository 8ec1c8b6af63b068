package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pingsantohq/cellguard/internal/config"
	"github.com/pingsantohq/cellguard/internal/diag"
	"github.com/pingsantohq/cellguard/internal/events"
	"github.com/pingsantohq/cellguard/internal/health"
	"github.com/pingsantohq/cellguard/internal/journal"
	"github.com/pingsantohq/cellguard/internal/logging"
	"github.com/pingsantohq/cellguard/internal/metrics"
	"github.com/pingsantohq/cellguard/internal/runtime"
	"github.com/pingsantohq/cellguard/internal/server"
	"github.com/pingsantohq/cellguard/internal/transmit"
)

const (
	shutdownTimeout  = 3 * time.Second
	journalStaleness = time.Minute
)

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = run(ctx, os.Args[2:])
	case "diag":
		err = diag.Run(ctx, os.Args[2:], diag.Dependencies{})
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func loadRunConfig(ctx context.Context, args []string) (config.Config, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", config.DefaultConfigPath, "Path to cellguard configuration file")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	if fs.NArg() > 0 {
		return config.Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, args []string) error {
	cfg, err := loadRunConfig(ctx, args)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("cellguard starting",
		zap.Ints("radios", cfg.Radios),
		zap.String("addr", cfg.Server.Addr))

	metricsStore := metrics.NewStore()
	healthChecker := health.NewChecker(metricsStore, cfg.Queue.MemItemsCap, journalStaleness)

	opts := []runtime.Option{
		runtime.WithLogger(logger),
		runtime.WithMetricsStore(metricsStore),
	}
	if logger.Core().Enabled(zap.DebugLevel) {
		opts = append(opts, runtime.WithRecorder(events.LogRecorder{Logger: logger.Named("events")}))
	}
	rt := runtime.New(cfg, opts...)

	sink, closeSinks, err := openJournal(ctx, cfg.Journal, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	transmitter := rt.NewTransmitter(sink,
		transmit.WithLogger(logger),
		transmit.WithFlushObserver(healthChecker.ObserveJournalFlush),
	)

	srv := server.New(server.Config{
		Addr:             cfg.Server.Addr,
		ReadTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      60 * time.Second,
		AdminBearerToken: cfg.Server.AdminToken,
	}, server.Dependencies{
		Logger:  logger,
		Control: rt,
		Metrics: metrics.NewHTTPHandler(metricsStore),
		Ready: func(now time.Time) (bool, []string) {
			healthChecker.ObserveMonitors(rt.MonitorCounts())
			return healthChecker.Ready(now)
		},
	})

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	grp, groupCtx := errgroup.WithContext(runCtx)

	// The runtime follows the group so a failed listener or flusher stops it too.
	wait := rt.Start(groupCtx)

	grp.Go(func() error {
		if err := transmitter.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	grp.Go(func() error {
		<-groupCtx.Done()
		wait()
		return nil
	})

	grp.Go(func() error {
		return serve(groupCtx, srv, logger)
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		return err
	}

	logger.Info("cellguard stopped")
	return nil
}

// openJournal builds the sink chain from config. The log sink is always
// present so events stay visible without a durable backend.
func openJournal(ctx context.Context, cfg config.JournalConfig, logger *zap.Logger) (journal.Sink, func(), error) {
	sinks := journal.MultiSink{journal.LogSink{Logger: logger.Named("journal")}}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.PostgresDSN != "" {
		pg, err := journal.NewPostgresSink(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres journal: %w", err)
		}
		closers = append(closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("ensure journal schema: %w", err)
		}
		sinks = append(sinks, pg)
		logger.Info("postgres journal enabled")
	}

	if cfg.RedisAddr != "" {
		rs, err := journal.NewRedisSink(ctx, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open redis journal: %w", err)
		}
		closers = append(closers, func() { _ = rs.Close() })
		sinks = append(sinks, rs)
		logger.Info("redis journal enabled", zap.String("addr", cfg.RedisAddr), zap.String("channel", cfg.RedisChannel))
	}

	return sinks, closeAll, nil
}

func serve(ctx context.Context, srv *server.Server, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "cellguard: cellular reliability monitor")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  cellguard run [--config /etc/cellguard/cellguard.yaml]")
	fmt.Fprintln(w, "  cellguard diag [--config path] [--resolver addr]... [--query name] [--timeout d] [--radio id] [--privileged] [--output file]")
}
