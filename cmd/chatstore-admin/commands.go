package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"chatstore/internal/core"
	"chatstore/internal/cryptostore"
	"chatstore/internal/schema/migrate"
	"chatstore/pkg/domain"
)

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// schemaOnly opens the database without migrating and without unlocking
// the crypto store.
func schemaOnly(cfg *core.Config) {
	cfg.EncryptionKey = ""
	cfg.MigrateOnOpen = false
}

type migrateReport struct {
	Applied []int `json:"applied"`
	Pending []int `json:"pending,omitempty"`
	Version int   `json:"version"`
}

// openMigrator connects without building any store so that schema commands
// work on databases the stores would refuse.
func openMigrator(cmd *cobra.Command, opts *rootOptions) (*migrate.Manager, func(), error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := core.OpenDatabase(commandContext(cmd), cfg)
	if err != nil {
		return nil, nil, err
	}
	m, err := migrate.New(db, migrate.WithLogger(opts.logger(cmd)))
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return m, func() { _ = db.Close() }, nil
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, closeDB, err := openMigrator(cmd, opts)
			if err != nil {
				return err
			}
			defer closeDB()
			ctx := commandContext(cmd)
			var report migrateReport
			if check {
				if report.Pending, err = m.Pending(ctx); err != nil {
					return err
				}
			} else if report.Applied, err = m.Migrate(ctx); err != nil {
				return err
			}
			if report.Version, err = m.Current(ctx); err != nil {
				return err
			}
			if err := opts.emit(cmd.OutOrStdout(), report, func(w io.Writer) {
				switch {
				case len(report.Pending) > 0:
					fmt.Fprintf(w, "schema at version %d, pending %v\n", report.Version, report.Pending)
				case len(report.Applied) > 0:
					fmt.Fprintf(w, "applied %v, schema at version %d\n", report.Applied, report.Version)
				default:
					fmt.Fprintf(w, "schema up to date at version %d\n", report.Version)
				}
			}); err != nil {
				return err
			}
			if check {
				return m.Check(ctx)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "report pending migrations and fail if any, without applying them")
	return cmd
}

type versionReport struct {
	Current int    `json:"current"`
	Latest  int    `json:"latest"`
	Pending []int  `json:"pending"`
	Dialect string `json:"dialect"`
}

func newVersionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the applied and latest schema versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, closeDB, err := openMigrator(cmd, opts)
			if err != nil {
				return err
			}
			defer closeDB()
			ctx := commandContext(cmd)
			current, err := m.Current(ctx)
			if err != nil {
				return err
			}
			pending, err := m.Pending(ctx)
			if err != nil {
				return err
			}
			report := versionReport{Current: current, Latest: m.Latest(), Pending: pending, Dialect: m.Dialect()}
			return opts.emit(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "%s schema: current %d, latest %d, pending %v\n", report.Dialect, report.Current, report.Latest, report.Pending)
			})
		},
	}
}

type cursorReport struct {
	Token string `json:"token"`
	Set   bool   `json:"set"`
}

func newCursorCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cursor",
		Short: "Print the last committed sync token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.open(cmd, schemaOnly)
			if err != nil {
				return err
			}
			defer s.Close()
			token, ok, err := s.State().GetCursor(commandContext(cmd))
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), cursorReport{Token: token, Set: ok}, func(w io.Writer) {
				if !ok {
					fmt.Fprintln(w, "no sync cursor stored")
					return
				}
				fmt.Fprintln(w, token)
			})
		},
	}
}

func newPruneCommand(opts *rootOptions) *cobra.Command {
	var before int64
	cmd := &cobra.Command{
		Use:   "prune <room-id>",
		Short: "Drop superseded state history and timeline rows below an ordering",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd, schemaOnly)
			if err != nil {
				return err
			}
			defer s.Close()
			removed, err := s.State().Prune(commandContext(cmd), args[0], before)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), map[string]any{"room_id": args[0], "removed": removed}, func(w io.Writer) {
				fmt.Fprintf(w, "removed %d rows from %s\n", removed, args[0])
			})
		},
	}
	cmd.Flags().Int64Var(&before, "before", 0, "prune rows with ordering strictly below this value")
	_ = cmd.MarkFlagRequired("before")
	return cmd
}

type transferOptions struct {
	path          string
	passphraseEnv string
	iterations    int
}

func (t *transferOptions) bind(cmd *cobra.Command, fileFlag, fileUsage string) {
	cmd.Flags().StringVarP(&t.path, fileFlag, "f", "", fileUsage)
	cmd.Flags().StringVar(&t.passphraseEnv, "passphrase-env", "CHATSTORE_EXPORT_PASSPHRASE", "environment variable holding the export passphrase")
	_ = cmd.MarkFlagRequired(fileFlag)
}

func (t *transferOptions) passphrase() ([]byte, error) {
	v := os.Getenv(t.passphraseEnv)
	if v == "" {
		return nil, domain.InvalidArgument("export passphrase variable %s is empty", t.passphraseEnv)
	}
	return []byte(v), nil
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	t := &transferOptions{}
	cmd := &cobra.Command{
		Use:   "export-crypto",
		Short: "Write a passphrase-sealed snapshot of the crypto store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pass, err := t.passphrase()
			if err != nil {
				return err
			}
			s, err := opts.open(cmd, func(c *core.Config) { c.MigrateOnOpen = false })
			if err != nil {
				return err
			}
			defer s.Close()
			crypto, err := s.Crypto()
			if err != nil {
				return err
			}
			export, err := crypto.Export(commandContext(cmd))
			if err != nil {
				return err
			}
			sealed, err := cryptostore.SealExport(export, pass, t.iterations)
			if err != nil {
				return err
			}
			if err := os.WriteFile(t.path, sealed, 0o600); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			summary := map[string]any{
				"snapshot_id":    export.SnapshotID,
				"sessions":       len(export.Sessions),
				"inbound":        len(export.InboundSessions),
				"outbound":       len(export.OutboundSessions),
				"devices":        len(export.Devices),
				"schema_version": export.SchemaVersion,
			}
			return opts.emit(cmd.OutOrStdout(), summary, func(w io.Writer) {
				fmt.Fprintf(w, "exported snapshot %s to %s\n", export.SnapshotID, t.path)
			})
		},
	}
	t.bind(cmd, "out", "destination file for the sealed export")
	cmd.Flags().IntVar(&t.iterations, "kdf-iterations", 0, "PBKDF2 iterations for the export key (0 selects the default)")
	return cmd
}

func newImportCommand(opts *rootOptions) *cobra.Command {
	t := &transferOptions{}
	cmd := &cobra.Command{
		Use:   "import-crypto",
		Short: "Merge a sealed crypto export into the store without clobbering newer sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pass, err := t.passphrase()
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(t.path)
			if err != nil {
				return fmt.Errorf("read export: %w", err)
			}
			export, err := cryptostore.OpenExport(raw, pass)
			if err != nil {
				return err
			}
			s, err := opts.open(cmd, func(c *core.Config) { c.MigrateOnOpen = false })
			if err != nil {
				return err
			}
			defer s.Close()
			crypto, err := s.Crypto()
			if err != nil {
				return err
			}
			summary, err := crypto.Import(commandContext(cmd), export)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), summary, func(w io.Writer) {
				fmt.Fprintf(w, "inserted %d, already present %d, replaced %d\n", summary.Inserted, summary.AlreadyPresent, summary.Replaced)
			})
		},
	}
	t.bind(cmd, "in", "sealed export produced by export-crypto")
	return cmd
}
