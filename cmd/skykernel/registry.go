package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/GriffinCanCode/skykernel/internal/domain/seed"
	"github.com/GriffinCanCode/skykernel/internal/infrastructure/config"
	"github.com/GriffinCanCode/skykernel/internal/infrastructure/server"
	"github.com/GriffinCanCode/skykernel/internal/providers/content"
	"github.com/spf13/cobra"
)

type registryOptions struct {
	portals []string
	tag     string
}

// NewRegistryCommand creates the registry command group.
func NewRegistryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &registryOptions{}
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Read and write signed registry entries on the portals",
	}
	cmd.PersistentFlags().StringSliceVar(&opts.portals, "portal", nil, "portal URL, repeatable (default: PORTALS)")
	cmd.PersistentFlags().StringVar(&opts.tag, "tag", "", "data key tag, hashed into the data key")
	cmd.MarkPersistentFlagRequired("tag")

	cmd.AddCommand(newRegistryReadCommand(rootOpts, opts))
	cmd.AddCommand(newRegistryWriteCommand(rootOpts, opts))
	return cmd
}

func (o *registryOptions) client() (*content.PortalClient, error) {
	cfg := config.LoadOrDefault()
	if len(o.portals) > 0 {
		cfg.Portal.URLs = o.portals
	}
	return content.NewPortalClient(server.PortalOptions(cfg, nil, nil))
}

func newRegistryReadCommand(rootOpts *RootOptions, opts *registryOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "read <public-key-hex>",
		Short: "Read and verify the entry under a public key and tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := hex.DecodeString(args[0])
			if err != nil || len(pub) != ed25519.PublicKeySize {
				return fmt.Errorf("public key must be %d hex-encoded bytes", ed25519.PublicKeySize)
			}
			client, err := opts.client()
			if err != nil {
				return err
			}

			entry, found, err := client.RegistryRead(cmd.Context(), pub, content.DataKey(opts.tag))
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no entry for tag %q", opts.tag)
			}
			return output(cmd.OutOrStdout(), rootOpts, map[string]any{
				"data":     string(entry.Data),
				"revision": entry.Revision,
			}, "revision", "data")
		},
	}
}

func newRegistryWriteCommand(rootOpts *RootOptions, opts *registryOptions) *cobra.Command {
	var (
		seedFile string
		revision uint64
	)
	cmd := &cobra.Command{
		Use:   "write <data>",
		Short: "Sign data with the root key from a seed and publish it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := []byte(args[0])
			if len(data) > content.MaxEntryData {
				return fmt.Errorf("%w: %d bytes", content.ErrEntryTooLarge, len(data))
			}
			userSeed, err := readSeed(seedFile)
			if err != nil {
				return err
			}
			defer seed.Zero(userSeed)
			key, err := seed.RootKeypair(userSeed)
			if err != nil {
				return err
			}

			client, err := opts.client()
			if err != nil {
				return err
			}
			datakey := content.DataKey(opts.tag)
			if err := client.RegistryWrite(cmd.Context(), key, datakey, data, revision); err != nil {
				return err
			}

			pub := key.Public().(ed25519.PublicKey)
			return output(cmd.OutOrStdout(), rootOpts, map[string]any{
				"public_key": hex.EncodeToString(pub),
				"revision":   revision,
				"resolver":   content.ResolverLink(pub, datakey),
			}, "public_key", "revision", "resolver")
		},
	}
	cmd.Flags().StringVar(&seedFile, "seed-file", os.Getenv("SEED_FILE"), "file holding the hex user seed")
	cmd.Flags().Uint64Var(&revision, "revision", 0, "entry revision, must exceed the stored one")
	return cmd
}
