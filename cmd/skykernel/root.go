package main

import (
	"fmt"
	"io"
	"slices"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format   string // "json" | "text"
	LogLevel string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the skykernel command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "skykernel",
		Short: "Skynet kernel",
		Long: `skykernel runs content-addressed JavaScript modules on behalf of
connected pages and routes messages between them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level, overrides LOG_LEVEL")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewRegistryCommand(opts))
	cmd.AddCommand(NewStoreCommand(opts))

	return cmd
}

// output writes v as JSON, or as "key: value" lines in text mode.
func output(w io.Writer, opts *RootOptions, v map[string]any, order ...string) error {
	if opts.Format == "json" {
		raw, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	if len(order) == 1 {
		_, err := fmt.Fprintln(w, v[order[0]])
		return err
	}
	for _, key := range order {
		if _, err := fmt.Fprintf(w, "%s: %v\n", key, v[key]); err != nil {
			return err
		}
	}
	return nil
}
