package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leadhive/leadhive/pkg/auth"
	"github.com/leadhive/leadhive/pkg/config"
)

func newTokenCmd() *cobra.Command {
	var (
		flagRole  string
		flagSlots []string
	)

	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint an API token using AUTH_SECRET from the environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			authn := auth.New(cfg.AuthSecret, cfg.TokenTTL)
			if !authn.Enabled() {
				return fmt.Errorf("AUTH_SECRET is not set")
			}
			token, err := authn.Mint(args[0], flagRole, flagSlots)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&flagRole, "role", auth.RoleClient, "token role (admin or client)")
	cmd.Flags().StringSliceVar(&flagSlots, "slots", nil, "slot allow-list for client tokens")
	return cmd
}
