package main

import (
	"fmt"
	"os"

	"github.com/GriffinCanCode/skykernel/internal/domain/protocol"
	"github.com/GriffinCanCode/skykernel/internal/domain/seed"
	"github.com/GriffinCanCode/skykernel/internal/infrastructure/sealed"
	"github.com/spf13/cobra"
)

// NewSeedCommand creates the seed command group.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create user seeds and inspect derived material",
	}
	cmd.AddCommand(newSeedNewCommand(rootOpts))
	cmd.AddCommand(newSeedModuleCommand(rootOpts))
	return cmd
}

func newSeedNewCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		out  string
		seal bool
	)
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Generate a random user seed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := seed.Generate()
			if err != nil {
				return err
			}
			defer seed.Zero(s)

			if out != "" {
				passphrase := ""
				if seal {
					if passphrase = os.Getenv("SEED_PASSPHRASE"); passphrase == "" {
						return fmt.Errorf("--seal needs SEED_PASSPHRASE to be set")
					}
				}
				if err := sealed.WriteSeed(out, s, passphrase); err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), rootOpts, map[string]any{"file": out, "sealed": seal}, "file", "sealed")
			}
			if seal {
				return fmt.Errorf("--seal needs --out")
			}
			return output(cmd.OutOrStdout(), rootOpts, map[string]any{"seed": seed.Encode(s)}, "seed")
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the seed to this file (mode 0600) instead of stdout")
	cmd.Flags().BoolVar(&seal, "seal", false, "encrypt the file with the SEED_PASSPHRASE passphrase")
	return cmd
}

func newSeedModuleCommand(rootOpts *RootOptions) *cobra.Command {
	var seedFile string
	cmd := &cobra.Command{
		Use:   "module <identity>",
		Short: "Print the seed a module receives with presentSeed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity := args[0]
			if !protocol.ValidIdentity(identity) {
				return fmt.Errorf("invalid module identity %q", identity)
			}
			userSeed, err := readSeed(seedFile)
			if err != nil {
				return err
			}
			defer seed.Zero(userSeed)

			active, err := seed.ActiveSeed(userSeed)
			if err != nil {
				return err
			}
			defer seed.Zero(active)
			moduleSeed, err := seed.ModuleSeed(active, identity)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), rootOpts, map[string]any{
				"module": identity,
				"seed":   seed.Encode(moduleSeed),
			}, "module", "seed")
		},
	}
	cmd.Flags().StringVar(&seedFile, "seed-file", os.Getenv("SEED_FILE"), "file holding the user seed, plain hex or sealed")
	return cmd
}

func readSeed(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("no seed file given (--seed-file or SEED_FILE)")
	}
	return sealed.ReadSeed(path, os.Getenv("SEED_PASSPHRASE"))
}
