package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"chatstore/internal/core"
)

type rootOptions struct {
	configPath string
	format     string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "chatstore-admin",
		Short:         "Maintain a chat client store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if opts.format != "text" && opts.format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.format)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file (defaults to CHATSTORE_* environment)")
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log store diagnostics to stderr")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newVersionCommand(opts))
	cmd.AddCommand(newCursorCommand(opts))
	cmd.AddCommand(newPruneCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	cmd.AddCommand(newImportCommand(opts))
	return cmd
}

func (o *rootOptions) loadConfig() (core.Config, error) {
	if o.configPath != "" {
		return core.LoadConfig(o.configPath)
	}
	return core.ConfigFromEnv()
}

func (o *rootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// open loads the config, applies mutate and opens the store.
func (o *rootOptions) open(cmd *cobra.Command, mutate func(*core.Config)) (*core.Store, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return core.Open(commandContext(cmd), cfg, core.WithLogger(o.logger(cmd)))
}

// emit writes v as indented JSON or hands w to text for the text format.
func (o *rootOptions) emit(w io.Writer, v any, text func(io.Writer)) error {
	if o.format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
