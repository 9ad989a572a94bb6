// Package main is the entry point for the calendar maintenance server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tminus/maintenance/internal/api"
	"github.com/tminus/maintenance/internal/app"
	"github.com/tminus/maintenance/internal/config"
	"github.com/tminus/maintenance/internal/jobs"
	"github.com/tminus/maintenance/internal/logging"
	"github.com/tminus/maintenance/internal/scheduler"
	"github.com/tminus/maintenance/internal/storage"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
var version = "dev"

var (
	configPath string
	logLevel   string
	healthAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "maintenance",
	Short:        "Scheduled maintenance for calendar federation",
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("MAINTENANCE_CONFIG"), "path to the TOML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	healthcheckCmd.Flags().StringVar(&healthAddr, "addr", ":8099", "address of the running server")

	rootCmd.AddCommand(serveCmd, runCmd, migrateCmd, healthcheckCmd, scheduleCmd)
}

// loadConfig reads the config and builds the logger it names.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the health endpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		logger.Info("starting maintenance server", "version", version)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer a.Close()

		runner := scheduler.NewRunner(a.Dispatcher, logger)
		if err := runner.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}

		server := &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      api.NewRouter(logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		serverErr := make(chan error, 1)
		go func() {
			logger.Info("server listening", "addr", cfg.Server.Addr)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
			close(serverErr)
		}()

		select {
		case <-ctx.Done():
		case err := <-serverErr:
			if err != nil {
				runner.Stop()
				return fmt.Errorf("serving http: %w", err)
			}
		}

		logger.Info("shutting down")
		runner.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}

		logger.Info("server stopped")
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <trigger>",
	Short: "Dispatch one trigger immediately and print the job summaries",
	Example: `  maintenance run "0 * * * *"
  maintenance run "*/15 * * * *" --log-level debug`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := app.New(cmd.Context(), cfg, logger)
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer a.Close()

		trigger := args[0]
		if !a.Dispatcher.Known(trigger) {
			return fmt.Errorf("unknown trigger %q (see the schedule command)", trigger)
		}

		printSummaries(cmd, a.Dispatcher.Dispatch(cmd.Context(), trigger))
		return nil
	},
}

func printSummaries(cmd *cobra.Command, summaries []jobs.Summary) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tCANDIDATES\tOUTCOMES")
	for _, s := range summaries {
		keys := make([]string, 0, len(s.Counts))
		for k := range s.Counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		outcomes := make([]string, 0, len(keys))
		for _, k := range keys {
			outcomes = append(outcomes, fmt.Sprintf("%s=%d", k, s.Counts[k]))
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", s.Job, s.Candidates, strings.Join(outcomes, " "))
	}
	w.Flush()
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply registry schema migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		db, err := app.OpenDB(cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		schemaVersion, dirty, err := storage.SchemaVersion(db)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registry schema at version %d (dirty=%t)\n", schemaVersion, dirty)
		return nil
	},
}

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probe a running server's health endpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get("http://localhost" + healthAddr + "/health")
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health check failed: status %d", resp.StatusCode)
		}
		return nil
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print the trigger table and each trigger's next run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// The table is only read here, so the jobs need no dependencies.
		entries := scheduler.Table(&jobs.Jobs{})
		next, err := scheduler.NextRuns(entries, time.Now().UTC())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TRIGGER\tJOBS\tNEXT RUN (UTC)")
		for _, e := range entries {
			names := make([]string, 0, len(e.Handlers))
			for _, h := range e.Handlers {
				names = append(names, h.Name)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", e.Trigger, strings.Join(names, ","), next[e.Trigger].Format(time.RFC3339))
		}
		return w.Flush()
	},
}
