/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the points ledger server, and exposes the club
  sweep as a one-shot command for cron-less deployments.

COMMANDS:
  serve   Run the HTTP API and the scheduled club sweep
  sweep   Run the club sweep once and exit

STARTUP SEQUENCE (serve):
  1. Resolve configuration (flags > LEDGER_* env > config file > defaults)
  2. Initialize logger, metrics and SQLite store
  3. Wire the purchase, emission and club engines
  4. Configure HTTP router and start the sweep scheduler
  5. Start server with graceful shutdown

FLAGS:
  --config     Optional YAML/JSON config file
  --db         SQLite database path (":memory:" for in-memory)
  --log-level  debug, info, warn, error
  --timezone   Reference zone for civil dates
  --port       HTTP server port (serve)
  --scope      Team to sweep, all teams when empty (sweep)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler (waits for a running sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server serve --db=./data/ledger.db --port=3000
  LEDGER_QUOTA_LATAM_LIMIT=30 ./server serve
  ./server sweep --scope=team-a

SEE ALSO:
  - app.go: Dependency wiring
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/points-ledger/api"
	"github.com/warp/points-ledger/club"
	"github.com/warp/points-ledger/config"
	"github.com/warp/points-ledger/loyalty"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configFile string

	root := &cobra.Command{
		Use:           "server",
		Short:         "Loyalty points ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (YAML or JSON)")
	root.PersistentFlags().String("db", "./data/ledger.db", "SQLite database path")
	root.PersistentFlags().String("log-level", "info", "log level")
	root.PersistentFlags().String("timezone", loyalty.DefaultZone, "reference time zone")

	load := func(cmd *cobra.Command) (config.Config, error) {
		if err := config.BindFlags(v, cmd.Flags()); err != nil {
			return config.Config{}, err
		}
		return config.Load(v, configFile)
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled club sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	serve.Flags().String("port", "8080", "HTTP server port")

	var scope string
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Run the club sweep once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			return runSweep(cmd.Context(), cfg, loyalty.TeamID(scope))
		},
	}
	sweep.Flags().StringVar(&scope, "scope", "", "team to sweep (all teams when empty)")

	root.AddCommand(serve, sweep)
	return root
}

func runServe(ctx context.Context, cfg config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	router := api.NewRouter(a.handler, logger, a.metrics.Handler())

	var scheduler *api.ClubSweepScheduler
	if cfg.SweepEnabled {
		scheduler, err = api.NewClubSweepScheduler(a.sweeper, api.SchedulerConfig{
			Schedule:    cfg.SweepSchedule,
			Concurrency: cfg.SweepConcurrency,
			Calendar:    a.calendar,
			Logger:      logger.Named("scheduler"),
		})
		if err != nil {
			return err
		}
		scheduler.Start()
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("db", cfg.DBPath),
			zap.String("timezone", cfg.Timezone))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func runSweep(ctx context.Context, cfg config.Config, scope loyalty.TeamID) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now().UTC()
	var results []club.SweepResult
	if scope != "" {
		res, err := a.sweeper.Sweep(ctx, scope, now)
		if err != nil {
			return err
		}
		results = append(results, res)
	} else {
		results, err = a.sweeper.SweepAll(ctx, now, cfg.SweepConcurrency)
		if err != nil {
			return err
		}
	}

	for _, r := range results {
		fmt.Printf("%-24s today=%s scanned=%d changed=%d skipped=%d\n",
			r.Scope, r.Today, r.Scanned, r.Changed, r.Skipped)
	}
	return nil
}
