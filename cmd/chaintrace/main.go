package main

import (
	"context"
	"fmt"
	"os"

	"github.com/chaintrace/chaintrace/internal/changeledger"
	"github.com/chaintrace/chaintrace/internal/codec"
	"github.com/chaintrace/chaintrace/internal/config"
	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	cfg     *config.Config
	logger  = zap.NewNop()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chaintrace",
	Short: "Tamper-evident configuration history for network devices",
	Long: `chaintrace records every configuration change of a network device as a
block in a per-device hash chain and verifies that the recorded history has
not been altered.

Configuration is read from chaintrace.yaml in ./configs or the working
directory, overridden by environment variables (STORE_BACKEND,
DATABASE_URL, ...) and flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(viper.New(), cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		logger, err = config.NewLogger(cfg.Log)
		if err != nil {
			return err
		}
		if cfg.ConfigFile == "" {
			logger.Debug("no config file found, using defaults and environment")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./configs/chaintrace.yaml or ./chaintrace.yaml)")
	rootCmd.PersistentFlags().String("backend", "", "store backend: memory, postgres, bolt or badger")
	rootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection URL")
	rootCmd.PersistentFlags().String("bolt-path", "", "bbolt database file")
	rootCmd.PersistentFlags().String("badger-dir", "", "badger data directory")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")

	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(tipCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

// openLedger opens the configured store and wraps it in a Ledger. The
// returned func releases the store and any connection pool behind it.
func openLedger(ctx context.Context) (*changeledger.Ledger, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	store, closePool, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	l := changeledger.New(store, logger)
	l.SetMaxAppendRetries(cfg.MaxAppendRetries)

	closeFn := func() error {
		var errs error
		if err := store.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close %s store: %w", store.Name(), err))
		}
		if closePool != nil {
			closePool()
		}
		return errs
	}
	return l, closeFn, nil
}

func openStore(ctx context.Context) (changeledger.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory store, chains are lost on exit")
		return changeledger.NewMemoryStore(), nil, nil

	case config.BackendPostgres:
		db, err := connectPostgres(ctx)
		if err != nil {
			return nil, nil, err
		}
		return changeledger.NewPostgresStore(db, logger), db.Close, nil

	case config.BackendBolt:
		s, err := changeledger.OpenBoltStore(cfg.BoltPath, codec.New(), logger)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil

	case config.BackendBadger:
		s, err := changeledger.OpenBadgerStore(changeledger.DefaultBadgerOptions(cfg.BadgerDir), codec.New(), logger)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

func connectPostgres(ctx context.Context) (*pgxpool.Pool, error) {
	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Debug("connected to postgres")
	return db, nil
}

// withLedger opens the ledger, runs fn and closes the ledger, reporting the
// first error.
func withLedger(ctx context.Context, fn func(*changeledger.Ledger) error) (err error) {
	l, closeFn, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFn(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(l)
}
