package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/chaintrace/chaintrace/internal/audit"
	"github.com/chaintrace/chaintrace/internal/changeledger"
	"github.com/chaintrace/chaintrace/internal/config"
	"github.com/chaintrace/chaintrace/internal/migrate"
	"github.com/chaintrace/chaintrace/internal/webhooks"
	"github.com/chaintrace/chaintrace/migrations"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendOperator      string
	appendConfigFile    string
	appendChangeType    string
	appendDiffFile      string
	appendSummary       string
	appendAnalysis      string
	appendSecurityRisks string
	appendFormat        string
)

var appendCmd = &cobra.Command{
	Use:   "append <device-id>",
	Short: "Record a new configuration for a device",
	Long: `Append adds a block holding the device's full configuration to the end of
its chain. The configuration is read from --config-file, or from stdin when
the flag is "-" or omitted:

  show running-config | chaintrace append RTR01-NYC --operator alice`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceID := args[0]

		cfgText, err := readInput(cmd.InOrStdin(), appendConfigFile)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		var diff string
		if appendDiffFile != "" {
			if diff, err = readInput(cmd.InOrStdin(), appendDiffFile); err != nil {
				return fmt.Errorf("read diff: %w", err)
			}
		}

		p := changeledger.Payload{
			Operator:      appendOperator,
			Config:        cfgText,
			ChangeType:    appendChangeType,
			Diff:          diff,
			Summary:       appendSummary,
			Analysis:      appendAnalysis,
			SecurityRisks: appendSecurityRisks,
		}

		ctx := cmd.Context()
		return withLedger(ctx, func(l *changeledger.Ledger) error {
			b, err := l.Append(ctx, deviceID, p)
			if err != nil {
				return err
			}
			return printBlock(cmd.OutOrStdout(), appendFormat, b)
		})
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendOperator, "operator", "", "person or system making the change (required)")
	appendCmd.Flags().StringVar(&appendConfigFile, "config-file", "-", "file holding the full device configuration, - for stdin")
	appendCmd.Flags().StringVar(&appendChangeType, "change-type", "", "change classification, e.g. routing or acl")
	appendCmd.Flags().StringVar(&appendDiffFile, "diff-file", "", "file holding the diff against the previous configuration")
	appendCmd.Flags().StringVar(&appendSummary, "summary", "", "one-line description of the change")
	appendCmd.Flags().StringVar(&appendAnalysis, "analysis", "", "free-form analysis of the change")
	appendCmd.Flags().StringVar(&appendSecurityRisks, "security-risks", "", "security risks introduced by the change")
	appendCmd.Flags().StringVar(&appendFormat, "format", formatText, "output format: text, json or yaml")
	_ = appendCmd.MarkFlagRequired("operator")
}

func readInput(stdin io.Reader, path string) (string, error) {
	if path == "" || path == "-" {
		b, err := io.ReadAll(stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	return string(b), err
}

// ── history ──────────────────────────────────────────────────────────────────

var historyFormat string

var historyCmd = &cobra.Command{
	Use:   "history <device-id>",
	Short: "List every block of a device's chain, genesis first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withLedger(ctx, func(l *changeledger.Ledger) error {
			blocks, err := l.History(ctx, args[0])
			if err != nil {
				return err
			}
			return printBlocks(cmd.OutOrStdout(), historyFormat, blocks)
		})
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyFormat, "format", formatText, "output format: text, json or yaml")
}

// ── tip ──────────────────────────────────────────────────────────────────────

var tipFormat string

var tipCmd = &cobra.Command{
	Use:   "tip <device-id>",
	Short: "Show the most recent block of a device's chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withLedger(ctx, func(l *changeledger.Ledger) error {
			b, err := l.Tip(ctx, args[0])
			if errors.Is(err, changeledger.ErrNoChain) {
				return fmt.Errorf("device %s has no recorded configurations", args[0])
			}
			if err != nil {
				return err
			}
			return printBlock(cmd.OutOrStdout(), tipFormat, b)
		})
	},
}

func init() {
	tipCmd.Flags().StringVar(&tipFormat, "format", formatText, "output format: text, json or yaml")
}

// ── show ─────────────────────────────────────────────────────────────────────

var (
	showFormat     string
	showConfigOnly bool
)

var showCmd = &cobra.Command{
	Use:   "show <device-id> <index>",
	Short: "Show one block of a device's chain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid index %q: %w", args[1], err)
		}

		ctx := cmd.Context()
		return withLedger(ctx, func(l *changeledger.Ledger) error {
			b, err := l.Get(ctx, args[0], idx)
			if err != nil {
				return err
			}
			if showConfigOnly {
				_, err := io.WriteString(cmd.OutOrStdout(), b.Config)
				return err
			}
			return printBlock(cmd.OutOrStdout(), showFormat, b)
		})
	},
}

func init() {
	showCmd.Flags().StringVar(&showFormat, "format", formatText, "output format: text, json or yaml")
	showCmd.Flags().BoolVar(&showConfigOnly, "config-only", false, "print only the stored configuration text")
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyAll    bool
	verifyFormat string
)

var verifyCmd = &cobra.Command{
	Use:   "verify [device-id]",
	Short: "Check that a device's chain has not been tampered with",
	Long: `Verify recomputes every block hash of a device's chain and checks the links
between blocks. With --all every device is verified. The command exits
non-zero when any chain fails verification.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if verifyAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withLedger(ctx, func(l *changeledger.Ledger) error {
			if verifyAll {
				reports, err := l.VerifyAll(ctx)
				if perr := printReports(cmd.OutOrStdout(), verifyFormat, reports); perr != nil {
					return perr
				}
				return err
			}

			r, err := l.Report(ctx, args[0])
			if err != nil {
				return err
			}
			if err := printReports(cmd.OutOrStdout(), verifyFormat, []changeledger.Report{r}); err != nil {
				return err
			}
			if r.Violation != nil {
				return r.Violation
			}
			return nil
		})
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyAll, "all", false, "verify every device")
	verifyCmd.Flags().StringVar(&verifyFormat, "format", formatText, "output format: text, json or yaml")
}

// ── audit ────────────────────────────────────────────────────────────────────

var auditOnce bool

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Continuously re-verify every chain and export Prometheus metrics",
	Long: `Audit verifies every device chain every audit.interval, paced at
audit.devices_per_second, and serves Prometheus metrics on
audit.metrics_addr until interrupted. With --once a single pass is run and
the command exits non-zero if any chain is invalid.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return withLedger(ctx, func(l *changeledger.Ledger) error {
			a := audit.New(l, audit.Config{
				Interval:         cfg.Audit.Interval,
				DevicesPerSecond: cfg.Audit.DevicesPerSecond,
			}, logger)

			if len(cfg.Webhooks.URLs) > 0 {
				d := webhooks.NewDispatcher(webhooks.Config{
					URLs:   cfg.Webhooks.URLs,
					Secret: cfg.Webhooks.Secret,
				}, logger)
				a.SetViolationFunc(d.NotifyViolation)
				defer d.Wait()
			}

			if auditOnce {
				sum := a.AuditAll(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "devices: %d  valid: %d  invalid: %d  errors: %d\n",
					sum.Devices, sum.Valid, sum.Invalid, sum.Errors)
				if sum.Invalid > 0 || sum.Errors > 0 {
					return fmt.Errorf("%d invalid chain(s), %d unreadable", sum.Invalid, sum.Errors)
				}
				return nil
			}

			return runAuditDaemon(ctx, a, cfg.Audit)
		})
	},
}

func init() {
	auditCmd.Flags().BoolVar(&auditOnce, "once", false, "run a single audit pass and exit")
}

func runAuditDaemon(ctx context.Context, a *audit.Auditor, ac config.AuditConfig) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              ac.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("metrics server starting", zap.String("addr", ac.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	auditDone := make(chan struct{})
	go func() {
		a.Start(ctx)
		close(auditDone)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down auditor")
	case err := <-srvErr:
		if err != nil {
			runErr = fmt.Errorf("metrics server: %w", err)
		}
	}
	cancel()
	<-auditDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	logger.Info("auditor stopped")
	return runErr
}

// ── rollback ─────────────────────────────────────────────────────────────────

var (
	rollbackOperator string
	rollbackFormat   string
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <device-id> <version>",
	Short: "Restore an earlier configuration as a new block",
	Long: `Rollback appends a block whose configuration is copied from the given
version. Earlier blocks are never changed; the chain records the rollback as
a change of its own:

  chaintrace rollback RTR01-NYC 2 --operator alice`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		toVersion, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}

		ctx := cmd.Context()
		return withLedger(ctx, func(l *changeledger.Ledger) error {
			b, err := l.Rollback(ctx, args[0], toVersion, rollbackOperator)
			if err != nil {
				return err
			}
			return printBlock(cmd.OutOrStdout(), rollbackFormat, b)
		})
	},
}

func init() {
	rollbackCmd.Flags().StringVar(&rollbackOperator, "operator", "", "person or system performing the rollback (required)")
	rollbackCmd.Flags().StringVar(&rollbackFormat, "format", formatText, "output format: text, json or yaml")
	_ = rollbackCmd.MarkFlagRequired("operator")
}

// ── migrate ──────────────────────────────────────────────────────────────────

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the PostgreSQL schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := connectPostgres(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		applied, err := migrate.Run(ctx, db, migrations.FS, logger)
		if err != nil {
			return err
		}
		if applied == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to migrate, already up to date")
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
		}
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	// Overrides the root hook: printing the version needs no configuration.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "chaintrace %s\n", version)
	},
}
