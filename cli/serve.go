package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/petal-labs/petalboard/bus"
	boardotel "github.com/petal-labs/petalboard/otel"
	"github.com/petal-labs/petalboard/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the board HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to petalboard.yaml config")
	cmd.Flags().String("listen", "", "Listen address (overrides config)")
	cmd.Flags().String("cors-origin", "", "Allowed CORS origin (overrides config)")
	cmd.Flags().String("store", "", "Store backend: memory | sqlite (overrides config)")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (overrides config)")
	cmd.Flags().String("orchestrator-endpoint", "", "Orchestrator message URL (overrides config)")
	cmd.Flags().String("orchestrator-token", "", "Orchestrator bearer token (overrides config)")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 60*time.Second, "HTTP write timeout")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	explicitConfigPath, _ := cmd.Flags().GetString("config")

	cfg, err := resolveServeConfig(cmd, explicitConfigPath)
	if err != nil {
		return err
	}

	logger := slog.Default()

	// --- Stores ---
	var (
		workflowStore server.WorkflowStore
		scheduleStore server.RunScheduleStore
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Backend)) {
	case "", "memory":
		workflowStore = server.NewMemoryStore()
		scheduleStore = server.NewMemoryScheduleStore()
	case "sqlite":
		sqliteStore, err := server.NewSQLiteStore(server.SQLiteStoreConfig{DSN: cfg.Store.Path})
		if err != nil {
			return fmt.Errorf("opening sqlite store: %w", err)
		}
		defer func() {
			_ = sqliteStore.Close()
		}()
		workflowStore = sqliteStore
		scheduleStore = sqliteStore
	default:
		return exitError(exitConfig, "unsupported store backend %q", cfg.Store.Backend)
	}

	// --- Update bus and replay store ---
	eb := bus.NewMemBus(bus.MemBusConfig{})
	updateStore := bus.NewMemUpdateStore()

	// --- Telemetry ---
	if cfg.Telemetry.Enabled {
		shutdown, err := setupTelemetry(cmd.Context(), cfg.Telemetry, eb)
		if err != nil {
			return exitError(exitConfig, "initializing telemetry: %v", err)
		}
		defer shutdown()
	}

	// --- Run service and scheduler ---
	submitter := server.NewHTTPSubmitter(server.HTTPSubmitterConfig{
		Endpoint:  cfg.Orchestrator.Endpoint,
		AuthToken: cfg.Orchestrator.AuthToken,
		Timeout:   cfg.Orchestrator.Timeout(),
	})

	runs := server.NewRunService(server.RunServiceConfig{
		Store:       workflowStore,
		Bus:         eb,
		UpdateStore: updateStore,
		Submitter:   submitter,
		Logger:      logger,
	})

	if cfg.SchedulerEnabled() {
		scheduler, err := server.NewRunScheduler(server.RunSchedulerConfig{
			Runs:         runs,
			Store:        scheduleStore,
			PollInterval: cfg.Scheduler.PollInterval(),
			BatchLimit:   cfg.Scheduler.BatchLimit,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("creating run scheduler: %w", err)
		}
		scheduler.Start()
		defer func() {
			_ = scheduler.Stop(context.Background())
		}()
	}

	// --- HTTP server ---
	apiServer := server.NewServer(server.ServerConfig{
		Store:         workflowStore,
		ScheduleStore: scheduleStore,
		Runs:          runs,
		Bus:           eb,
		UpdateStore:   updateStore,
		CORSOrigin:    cfg.CORSOrigin,
		MaxBody:       cfg.MaxBodyBytes,
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      apiServer.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Petalboard listening on %s\n", cfg.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		_ = eb.Close()
		return nil
	case err := <-errCh:
		_ = eb.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// resolveServeConfig discovers and loads the config file, then layers the
// explicitly set flags on top.
func resolveServeConfig(cmd *cobra.Command, explicitConfigPath string) (server.Config, error) {
	configPath, found, err := server.DiscoverConfigPath(explicitConfigPath)
	if err != nil {
		return server.Config{}, exitError(exitConfig, "%v", err)
	}
	if found {
		fmt.Fprintf(cmd.OutOrStdout(), "Using config %s\n", configPath)
	}

	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return server.Config{}, exitError(exitConfig, "%v", err)
	}

	if cmd.Flags().Changed("listen") {
		cfg.Listen, _ = cmd.Flags().GetString("listen")
	}
	if cmd.Flags().Changed("cors-origin") {
		cfg.CORSOrigin, _ = cmd.Flags().GetString("cors-origin")
	}
	if cmd.Flags().Changed("store") {
		cfg.Store.Backend, _ = cmd.Flags().GetString("store")
	}
	if cmd.Flags().Changed("sqlite-path") {
		cfg.Store.Path, _ = cmd.Flags().GetString("sqlite-path")
	}
	if cmd.Flags().Changed("orchestrator-endpoint") {
		cfg.Orchestrator.Endpoint, _ = cmd.Flags().GetString("orchestrator-endpoint")
	}
	if cmd.Flags().Changed("orchestrator-token") {
		cfg.Orchestrator.AuthToken, _ = cmd.Flags().GetString("orchestrator-token")
	}

	if err := cfg.Validate(); err != nil {
		return server.Config{}, exitError(exitConfig, "%v", err)
	}
	return cfg, nil
}

// setupTelemetry wires an OTLP trace exporter and attaches tracing and
// metrics handlers to the update bus. The returned function flushes and
// detaches everything.
func setupTelemetry(ctx context.Context, cfg server.TelemetryConfig, eb bus.UpdateBus) (func(), error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otelapi.SetTracerProvider(tp)

	tracing := boardotel.NewTracingHandler(tp.Tracer("petalboard"))
	metrics, err := boardotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("petalboard"))
	if err != nil {
		return nil, fmt.Errorf("creating metrics handler: %w", err)
	}

	observer := boardotel.NewBusObserver(eb, tracing, metrics)
	observer.Start()

	return func() {
		observer.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}, nil
}
