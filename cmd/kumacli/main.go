package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/upstatushq/kuma-client/internal/config"
	"github.com/upstatushq/kuma-client/internal/events"
	"github.com/upstatushq/kuma-client/internal/health"
	"github.com/upstatushq/kuma-client/internal/logging"
	"github.com/upstatushq/kuma-client/internal/metrics"
	"github.com/upstatushq/kuma-client/pkg/kuma"
	"github.com/upstatushq/kuma-client/pkg/types"
)

const (
	defaultMetricsAddr     = "127.0.0.1:9313"
	defaultRefreshInterval = 30 * time.Second
)

func main() {
	ctx := context.Background()

	// A .env next to the binary may carry KUMA_USERNAME and friends.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "add":
		err = runAdd(ctx, os.Args[2:])
	case "search":
		err = runSearch(ctx, os.Args[2:])
	case "status":
		err = runStatus(ctx, os.Args[2:])
	case "watch":
		err = runWatch(ctx, os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Uptime Kuma client CLI")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  kumacli add --name NAME [--type http] [--url URL] [--parent ID] [--interval SEC] [--config path]")
	fmt.Println("  kumacli search [--name NAME] [--parent ID] [--json] [--config path]")
	fmt.Println("  kumacli status [--config path]")
	fmt.Println("  kumacli watch [--interval 30s] [--metrics-addr 127.0.0.1:9313] [--config path]")
}

// setup loads configuration and assembles a client plus its observability
// stack, shared by every subcommand.
type setup struct {
	cfg    config.Config
	logger *log.Logger
	store  *metrics.Store
	client *kuma.Client
}

func newSetup(ctx context.Context, configPath string) (*setup, error) {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Server.Entrypoint == "" {
		return nil, fmt.Errorf("server entrypoint must be configured")
	}

	logger := logging.NewWithFile(logging.FileConfig{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	tlsConfig, err := cfg.Server.TLS.Build()
	if err != nil {
		return nil, fmt.Errorf("load TLS config: %w", err)
	}

	store := metrics.NewStore()
	client, err := kuma.New(kuma.Config{
		Entrypoint: cfg.Server.Entrypoint,
		Auth: types.Authentication{
			Username: cfg.Server.Username,
			Password: cfg.Server.Password,
		},
		TLS:             tlsConfig,
		SettleDelay:     config.Duration(cfg.Client.SettleDelayMS),
		LoginTimeout:    config.Duration(cfg.Client.LoginTimeoutMS),
		ListTimeout:     config.Duration(cfg.Client.ListTimeoutMS),
		AckPollInterval: config.Duration(cfg.Client.AckPollIntervalMS),
		AckMaxPolls:     cfg.Client.AckMaxPolls,
		EmitRate:        cfg.Client.EmitRate,
		EmitBurst:       cfg.Client.EmitBurst,
		ReconnectWait:   config.Duration(cfg.Client.ReconnectWaitMS),
	}, kuma.Dependencies{
		Logger:   logger,
		Recorder: events.LogRecorder{Logger: logger},
		Metrics:  store,
	})
	if err != nil {
		return nil, fmt.Errorf("init client: %w", err)
	}

	return &setup{cfg: cfg, logger: logger, store: store, client: client}, nil
}

func (s *setup) close() {
	if s.client.Connected() {
		if err := s.client.Disconnect(); err != nil {
			s.logger.Printf("disconnect: %v", err)
		}
	}
}

func runAdd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Path to configuration file")
	name := fs.String("name", "", "Monitor name (required)")
	monitorType := fs.String("type", string(types.MonitorHTTP), "Monitor type")
	url := fs.String("url", "", "URL to probe")
	parent := fs.Int64("parent", 0, "Parent group id (0 for none)")
	interval := fs.Int("interval", 0, "Probe interval in seconds")
	method := fs.String("method", "", "HTTP method for http monitors")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *name == "" {
		return fmt.Errorf("--name is required")
	}
	if !types.MonitorType(*monitorType).Valid() {
		return fmt.Errorf("unknown monitor type %q", *monitorType)
	}

	s, err := newSetup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer s.close()

	monitor := types.NewMonitor(*name, types.MonitorType(*monitorType))
	monitor.URL = *url
	if *parent > 0 {
		monitor.Parent = parent
	}
	if *interval > 0 {
		monitor.Interval = *interval
	}
	if *method != "" {
		m := types.Method(strings.ToUpper(*method))
		if !m.Valid() {
			return fmt.Errorf("unknown method %q", *method)
		}
		monitor.Method = m
	}

	created, err := s.client.AddMonitor(ctx, monitor)
	if err != nil {
		return err
	}
	fmt.Printf("created monitor %s (id=%d)\n", created.UID(), *created.ID)
	return nil
}

func runSearch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Path to configuration file")
	name := fs.String("name", "", "Exact monitor name to match")
	parent := fs.Int64("parent", 0, "Parent group id to match")
	asJSON := fs.Bool("json", false, "Emit results as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := newSetup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer s.close()

	var filter kuma.Filter
	if *name != "" {
		filter.Name = name
	}
	if *parent > 0 {
		filter.ParentID = parent
	}

	results := s.client.SearchMonitor(ctx, filter)
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	uids := make([]string, 0, len(results))
	for uid := range results {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	for _, uid := range uids {
		monitor := results[uid]
		id := "-"
		if monitor.ID != nil {
			id = fmt.Sprintf("%d", *monitor.ID)
		}
		fmt.Printf("%-30s id=%-6s type=%-12s interval=%ds %s\n", uid, id, monitor.Type, monitor.Interval, monitor.URL)
	}
	fmt.Printf("%d monitor(s)\n", len(results))
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := newSetup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer s.close()

	checker := health.NewChecker(s.store, 0)
	refreshErr := s.client.RefreshMonitorList(ctx)
	checker.ObserveRefresh(time.Now().UTC(), refreshErr)

	snap := s.store.Snapshot()
	fmt.Printf("server:    %s\n", s.cfg.Server.Entrypoint)
	fmt.Printf("connected: %t\n", snap.Connected)
	fmt.Printf("monitors:  %d\n", snap.CachedMonitors)
	if !snap.LastSnapshotAt.IsZero() {
		fmt.Printf("snapshot:  %s\n", snap.LastSnapshotAt.Format(time.RFC3339))
	}
	ready, reasons := checker.Ready(time.Now().UTC())
	fmt.Printf("ready:     %t\n", ready)
	for _, reason := range reasons {
		fmt.Printf("  - %s\n", reason)
	}
	return refreshErr
}

func runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Path to configuration file")
	interval := fs.Duration("interval", defaultRefreshInterval, "Monitor list refresh interval")
	metricsAddr := fs.String("metrics-addr", defaultMetricsAddr, "Metrics listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := newSetup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer s.close()

	s.logger.Printf("watch starting (server=%s, interval=%s)", s.cfg.Server.Entrypoint, *interval)

	checker := health.NewChecker(s.store, *interval*3)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	grp, groupCtx := errgroup.WithContext(runCtx)

	grp.Go(func() error {
		err := runRefreshLoop(groupCtx, s.client, s.logger, *interval, checker.ObserveRefresh)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	grp.Go(func() error {
		return serveMonitoring(groupCtx, *metricsAddr, s.store, checker, s.logger)
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		return err
	}

	s.logger.Printf("watch stopped")
	return nil
}

func runRefreshLoop(ctx context.Context, client *kuma.Client, logger *log.Logger, interval time.Duration, report func(time.Time, error)) error {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}

	refreshOnce := func() {
		err := client.RefreshMonitorList(ctx)
		timestamp := time.Now().UTC()
		if report != nil {
			report(timestamp, err)
		}
		if err != nil {
			logger.Printf("monitor list refresh failed: %v", err)
			return
		}
		logger.Printf("monitor list refreshed: %d monitors", len(client.Monitors()))
	}

	refreshOnce()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			refreshOnce()
		}
	}
}

func serveMonitoring(ctx context.Context, addr string, store *metrics.Store, checker *health.Checker, logger *log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.NewHTTPHandler(store))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if checker == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		ready, reasons := checker.Ready(time.Now().UTC())
		if !ready {
			http.Error(w, strings.Join(reasons, "; "), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("metrics listening on http://%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
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
