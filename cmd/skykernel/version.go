package main

import (
	"github.com/GriffinCanCode/skykernel/internal/domain/kernel"
	"github.com/spf13/cobra"
)

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the kernel distribution and version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return output(cmd.OutOrStdout(), rootOpts, map[string]any{
				"distribution": kernel.Distribution,
				"version":      kernel.Version,
			}, "distribution", "version")
		},
	}
}
