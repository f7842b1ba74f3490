package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/interop/internal/config"
	"github.com/ehr/interop/internal/domain/audit"
	"github.com/ehr/interop/internal/domain/system"
	"github.com/ehr/interop/internal/platform/db"
	"github.com/ehr/interop/internal/platform/faults"
	"github.com/ehr/interop/migrations"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "interop-server",
		Short:        "Healthcare interoperability exchange engine",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(reprocessCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(systemsCmd())
	return root
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return zerolog.New(out).Level(cfg.Level()).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// withApp runs fn against a wired engine. Commands other than serve log to
// stderr so their output stays parseable.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg).Output(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()})
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake and operator API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.Close()

	if err := a.syncSystems(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to sync external systems")
		return err
	}

	e := a.server()
	go func() {
		logger.Info().Str("port", cfg.Port).Str("config", a.describe()).Msg("starting interop server")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	migrator := func(cmd *cobra.Command, run func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		ctx := context.Background()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()

		var files fs.FS = migrations.FS
		if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
			files = os.DirFS(dir)
		}
		return run(ctx, db.NewMigrator(pool, files))
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the built-in set")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrations(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the built-in set")

	cmd.AddCommand(upCmd, statusCmd)
	return cmd
}

func printMigrations(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func reprocessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reprocess <message-id>",
		Short: "Run a failed inbound message through the state machine again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid message id %q", args[0])
			}
			var correlation uuid.UUID
			if v, _ := cmd.Flags().GetString("correlation-id"); v != "" {
				if correlation, err = uuid.Parse(v); err != nil {
					return fmt.Errorf("invalid correlation id %q", v)
				}
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, out, err := a.router.Reprocess(ctx, id, correlation)
				if err != nil {
					return fmt.Errorf("reprocess %s: %s: %s", id, faults.CategoryOf(err), faults.Detail(err))
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
				if out != nil && out.Err != nil {
					return fmt.Errorf("attempt %d failed: %s", res.Attempt.Number, faults.Detail(out.Err))
				}
				return nil
			})
		},
	}
	cmd.Flags().String("correlation-id", "", "Correlation id for the new attempt (generated when empty)")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the exchange transaction log",
	}

	search := &cobra.Command{
		Use:   "search",
		Short: "List transactions matching the filters, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				q, err := auditQuery(cmd)
				if err != nil {
					return err
				}
				if name, _ := cmd.Flags().GetString("system"); name != "" {
					s, err := a.systems.Get(ctx, name)
					if err != nil {
						return fmt.Errorf("unknown system %q", name)
					}
					q.SystemID = &s.ID
				}
				rows, total, err := a.stores.audit.Search(ctx, q)
				if err != nil {
					return err
				}
				printTransactions(cmd.OutOrStdout(), rows, total)
				return nil
			})
		},
	}
	f := search.Flags()
	f.String("system", "", "Counterparty name")
	f.String("direction", "", "inbound or outbound")
	f.String("outcome", "", "success or a failure category")
	f.String("correlation-id", "", "Correlation id")
	f.String("message-id", "", "Inbound message id")
	f.String("since", "", "Earliest recorded_at (RFC 3339)")
	f.String("until", "", "Latest recorded_at (RFC 3339)")
	f.Int("limit", 100, "Maximum rows")
	f.Int("offset", 0, "Rows to skip")

	cmd.AddCommand(search)
	return cmd
}

// auditQuery builds the query from the search flags, except --system which
// needs the directory.
func auditQuery(cmd *cobra.Command) (audit.Query, error) {
	f := cmd.Flags()
	var q audit.Query

	switch d, _ := f.GetString("direction"); audit.Direction(d) {
	case "", audit.Inbound, audit.Outbound:
		q.Direction = audit.Direction(d)
	default:
		return q, fmt.Errorf("--direction must be inbound or outbound")
	}
	if v, _ := f.GetString("outcome"); v != "" {
		if v != string(audit.OutcomeSuccess) && !faults.Category(v).Valid() {
			return q, fmt.Errorf("--outcome %q is not success or a failure category", v)
		}
		q.Outcome = audit.Outcome(v)
	}
	for flag, dst := range map[string]**uuid.UUID{"correlation-id": &q.CorrelationID, "message-id": &q.MessageID} {
		if v, _ := f.GetString(flag); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				return q, fmt.Errorf("--%s: invalid id %q", flag, v)
			}
			*dst = &id
		}
	}
	for flag, dst := range map[string]**time.Time{"since": &q.Since, "until": &q.Until} {
		if v, _ := f.GetString(flag); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return q, fmt.Errorf("--%s: %w", flag, err)
			}
			*dst = &t
		}
	}
	q.Limit, _ = f.GetInt("limit")
	q.Offset, _ = f.GetInt("offset")
	if q.Limit < 0 || q.Offset < 0 {
		return q, fmt.Errorf("--limit and --offset must not be negative")
	}
	return q, nil
}

func printTransactions(w io.Writer, rows []*audit.Transaction, total int) {
	fmt.Fprintf(w, "%-25s %-9s %-16s %-8s %-3s %-14s %-26s %s\n",
		"RECORDED AT", "DIRECTION", "SYSTEM", "OP", "#", "CONSENT", "OUTCOME", "CORRELATION")
	for _, t := range rows {
		fmt.Fprintf(w, "%-25s %-9s %-16s %-8s %-3d %-14s %-26s %s\n",
			t.RecordedAt.UTC().Format(time.RFC3339), t.Direction, t.SystemName, t.Operation,
			t.Attempt, t.Consent, t.Outcome, t.CorrelationID)
	}
	fmt.Fprintf(w, "%d of %d transaction(s)\n", len(rows), total)
}

func systemsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "systems",
		Short: "Manage external system definitions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Apply the systems file to the stored definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.syncSystems(ctx); err != nil {
					return err
				}
				list, err := a.systems.List(ctx)
				if err != nil {
					return err
				}
				printSystems(cmd.OutOrStdout(), list)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List external systems",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				list, err := a.systems.List(ctx)
				if err != nil {
					return err
				}
				printSystems(cmd.OutOrStdout(), list)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "probe <name>",
		Short: "Check connectivity of an external system",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				s, err := a.systems.Probe(ctx, args[0])
				if err != nil {
					return err
				}
				printSystems(cmd.OutOrStdout(), []*system.System{s})
				return nil
			})
		},
	})
	return cmd
}

func printSystems(w io.Writer, list []*system.System) {
	fmt.Fprintf(w, "%-20s %-14s %-8s %-8s %-13s %s\n", "NAME", "KIND", "ACTIVE", "INTERNAL", "CONNECTIVITY", "BASE URL")
	for _, s := range list {
		fmt.Fprintf(w, "%-20s %-14s %-8t %-8t %-13s %s\n", s.Name, s.Kind, s.Active, s.Internal, s.Connectivity, s.BaseURL)
	}
}
