/*
main.go - Application entry point

PURPOSE:
  Starts the budget ledger server. Handles configuration, dependency
  injection, and graceful shutdown.

COMMANDS:
  serve     Run the HTTP API and the drift scanner
  migrate   Apply schema migrations and exit
  version   Print the build version

CONFIGURATION (see config/config.go):
  --config     ledger.yaml path (default: ./ledger.yaml, $HOME/.config/ledger)
  --driver     sqlite | postgres | memory
  --db         SQLite path (":memory:" for an in-memory database)
  --dsn        Postgres connection string
  --port       HTTP port
  LEDGER_*     Environment overrides, e.g. LEDGER_DATABASE_DSN

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the drift scanner
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store

EXAMPLES:
  ./server serve --db=./data/ledger.db
  ./server serve --driver=postgres --dsn=postgres://ledger@localhost/ledger
  ./server migrate --driver=postgres --dsn=...
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

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/civictrack/budget-ledger/api"
	"github.com/civictrack/budget-ledger/config"
	"github.com/civictrack/budget-ledger/ledger"
	"github.com/civictrack/budget-ledger/ledger/store"
	"github.com/civictrack/budget-ledger/logging"
	"github.com/civictrack/budget-ledger/notify"
	"github.com/civictrack/budget-ledger/store/postgres"
	"github.com/civictrack/budget-ledger/store/sqlite"
)

const serviceName = "budget-ledger"

var (
	cfgFile string
	version = "dev"

	cfg *config.Config
	log zerolog.Logger

	rootCmd = &cobra.Command{
		Use:               "server",
		Short:             "Municipal grievance budget ledger",
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}
)

func init() {
	config.SetDefaults(viper.GetViper())

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./ledger.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, console)")
	flags.String("driver", "sqlite", "database driver (sqlite, postgres, memory)")
	flags.String("db", "ledger.db", "SQLite database path")
	flags.String("dsn", "", "Postgres connection string")

	_ = viper.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", flags.Lookup("log-format"))
	_ = viper.BindPFlag("database.driver", flags.Lookup("driver"))
	_ = viper.BindPFlag("database.path", flags.Lookup("db"))
	_ = viper.BindPFlag("database.dsn", flags.Lookup("dsn"))

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(cmd *cobra.Command, _ []string) error {
	v := viper.GetViper()
	home, _ := os.UserHomeDir()
	if err := config.ReadFile(v, cfgFile, home); err != nil {
		return err
	}
	config.Bind(v)

	loaded, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = loaded

	log, err = logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: serviceName,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	return nil
}

// openStore returns the configured store and its close function.
func openStore(ctx context.Context) (ledger.Store, func(), error) {
	switch cfg.Database.Driver {
	case "sqlite":
		s, err := sqlite.New(cfg.Database.Path, log)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.Database.DSN, log)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "memory":
		return store.NewMemory(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	cmd.Flags().Int("port", 8080, "HTTP server port")
	_ = viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	return cmd
}

func serve(ctx context.Context) error {
	st, closeStore, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer closeStore()

	svc := ledger.NewService(st, notify.NewLog(log), log)
	handler := api.NewHandler(svc, log)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Log:            log,
	})

	scanner := api.NewDriftScanner(svc, cfg.Drift.Interval, log)
	scanner.Start()
	defer scanner.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Int("port", cfg.Server.Port).
			Str("driver", cfg.Database.Driver).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Database.Driver == "memory" {
				return errors.New("the memory driver has no schema to migrate")
			}
			// Both SQL stores migrate on open.
			_, closeStore, err := openStore(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			closeStore()
			log.Info().Str("driver", cfg.Database.Driver).Msg("database schema is up to date")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, version)
		},
	}
}
