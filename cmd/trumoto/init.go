package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chaz8081/trumoto/internal/config"
)

func newInitCommand(_ *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config file if none exists",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Printf("Wrote default config to %s\n", path)
			return nil
		},
	}
}
