package main

import (
	"fmt"
	"os"

	"github.com/GriffinCanCode/skykernel/internal/providers/content"
	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"
)

// NewStoreCommand creates the store command group.
func NewStoreCommand(rootOpts *RootOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Manage the local content store",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", os.Getenv("STORE_DIR"), "store directory")

	add := &cobra.Command{
		Use:   "add <file>",
		Short: "Add a file and print its address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			store, err := openStore(dir)
			if err != nil {
				return err
			}
			defer store.Close()

			address, err := store.Add(cmd.Context(), data)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), rootOpts, map[string]any{
				"address": address,
				"bytes":   len(data),
				"type":    mimetype.Detect(data).String(),
			}, "address")
		},
	}

	get := &cobra.Command{
		Use:   "get <address>",
		Short: "Write a stored object to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(dir)
			if err != nil {
				return err
			}
			defer store.Close()

			data, err := store.Download(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(add, get)
	return cmd
}

func openStore(dir string) (*content.Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("no store directory given (--dir or STORE_DIR)")
	}
	return content.OpenStore(dir, nil)
}
