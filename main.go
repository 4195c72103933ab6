package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-sql-driver/mysql"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "shadowswap [config.toml]",
	Short:         "Online schema changes for MySQL tables by copy and swap",
	Args:          cobra.MaximumNArgs(1),
	RunE:          runMigration,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var cleanupOpts struct {
	dsn      string
	table    string
	until    string
	run      bool
	logLevel string
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "List or drop tables and triggers left behind by earlier runs",
	Args:  cobra.NoArgs,
	RunE:  runCleanup,
}

var historyOpts struct {
	journal string
	limit   int
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded migration runs",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), versionString())
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to migration TOML config file")

	cleanupCmd.Flags().StringVar(&cleanupOpts.dsn, "dsn", "", "MySQL DSN of the database to clean (required)")
	cleanupCmd.Flags().StringVar(&cleanupOpts.table, "table", "", "only set aside the shadow table and drop the triggers of this table")
	cleanupCmd.Flags().StringVar(&cleanupOpts.until, "until", "", "only remove archives created at or before this RFC3339 time")
	cleanupCmd.Flags().BoolVar(&cleanupOpts.run, "run", false, "execute the statements instead of printing them")
	cleanupCmd.Flags().StringVar(&cleanupOpts.logLevel, "log-level", "info", "log level")
	_ = cleanupCmd.MarkFlagRequired("dsn")

	historyCmd.Flags().StringVar(&historyOpts.journal, "journal", "", "path to the run journal (required)")
	historyCmd.Flags().IntVar(&historyOpts.limit, "limit", 20, "number of runs to show")
	_ = historyCmd.MarkFlagRequired("journal")

	rootCmd.AddCommand(cleanupCmd, historyCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMigration(cmd *cobra.Command, args []string) error {
	// Resolve config path: positional arg takes precedence over --config flag
	cfgPath := configPath
	if len(args) > 0 {
		cfgPath = args[0]
	}
	if cfgPath == "" {
		return errors.New("config file required: shadowswap <config.toml> or shadowswap --config <config.toml>")
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	start := time.Now()

	migrator := NewMigrator(cfg.Table, logger)
	if err := cfg.applyChanges(migrator); err != nil {
		return err
	}

	db, conn, err := openSession(ctx, cfg.MySQL.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	defer conn.Close()

	opts, err := cfg.runOptions(newConnection(conn), logger)
	if err != nil {
		return err
	}
	if c, ok := opts.Throttler.(io.Closer); ok {
		defer c.Close()
	}

	var journal *Journal
	var runID string
	if cfg.Journal != "" {
		if journal, err = OpenJournal(ctx, cfg.resolvePath(cfg.Journal)); err != nil {
			return err
		}
		defer journal.Close()
		if runID, err = journal.Start(ctx, cfg.Table); err != nil {
			return err
		}
	}

	logger.Info().
		Str("table", cfg.Table).
		Int("changes", len(migrator.Statements())).
		Str("throttler", cfg.Throttler.Type).
		Int("stride", opts.Throttler.Stride()).
		Msg("shadowswap " + versionString())

	m, runErr := NewInvoker(conn, migrator, logger).Run(ctx, opts)
	if journal != nil {
		if err := journal.Finish(context.WithoutCancel(ctx), runID, m, runErr); err != nil {
			logger.Error().Err(err).Msg("journal update failed")
		}
	}
	if runErr != nil {
		return runErr
	}

	logger.Info().
		Str("archive", m.ArchiveName()).
		Dur("elapsed", time.Since(start).Round(time.Millisecond)).
		Msg("migration completed")
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(os.Stderr, cleanupOpts.logLevel, "console")
	if err != nil {
		return err
	}
	opts := CleanupOptions{Table: cleanupOpts.table, Run: cleanupOpts.run}
	if cleanupOpts.until != "" {
		until, err := time.Parse(time.RFC3339, cleanupOpts.until)
		if err != nil {
			return errors.Wrap(err, "--until")
		}
		opts.Until = &until
	}

	ctx := cmd.Context()
	db, conn, err := openSession(ctx, cleanupOpts.dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	defer conn.Close()

	return NewCleanup(newConnection(conn), cmd.OutOrStdout(), logger).Execute(ctx, opts)
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	journal, err := OpenJournal(ctx, historyOpts.journal)
	if err != nil {
		return err
	}
	defer journal.Close()

	entries, err := journal.Recent(ctx, historyOpts.limit)
	if err != nil {
		return err
	}
	return printHistory(cmd.OutOrStdout(), entries)
}

func printHistory(w io.Writer, entries []JournalEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tTABLE\tSTATUS\tDURATION\tARCHIVE\tERROR")
	for _, e := range entries {
		dur := "-"
		if !e.FinishedAt.IsZero() {
			dur = e.FinishedAt.Sub(e.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.StartedAt.Local().Format(time.DateTime), e.Table, e.Status, dur, e.ArchiveName, e.Error)
	}
	return tw.Flush()
}

// openSession connects and pins one server session. Session variables and
// table locks only hold on that session.
func openSession(ctx context.Context, dsn string) (*sql.DB, *sql.Conn, error) {
	mcfg, err := mysqlConfigForMigration(dsn)
	if err != nil {
		return nil, nil, err
	}
	connector, err := mysql.NewConnector(mcfg)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open mysql")
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, nil, errors.Wrap(err, "connect mysql")
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, nil, errors.Wrap(err, "ping mysql")
	}
	return db, conn, nil
}
