package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/leadhive/leadhive/pkg/browser"
	"github.com/leadhive/leadhive/pkg/config"
	"github.com/leadhive/leadhive/pkg/ledger"
	"github.com/leadhive/leadhive/pkg/log"
	"github.com/leadhive/leadhive/pkg/session"
	"github.com/leadhive/leadhive/pkg/statestore"
	"github.com/leadhive/leadhive/pkg/types"
	"github.com/leadhive/leadhive/pkg/worker"
)

func newWorkerCmd() *cobra.Command {
	var flagSlot string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a single slot worker (normally spawned by the supervisor)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagSlot == "" {
				return fmt.Errorf("--slot is required")
			}
			cfg := config.FromEnv()

			store, err := statestore.NewStore(cfg.SlotsDir,
				statestore.WithDefaults(cfg.DefaultSlotWorker, types.SlotMode(cfg.DefaultSlotMode)))
			if err != nil {
				return err
			}
			if !store.SlotExists(flagSlot) {
				return fmt.Errorf("slot %q does not exist", flagSlot)
			}

			sess, err := session.NewManager(store.SessionPath(flagSlot), log.WithSlotID(flagSlot))
			if err != nil {
				return err
			}
			defer sess.Close()

			journal := ledger.OpenJournal(store.SlotDir(flagSlot))

			// Workers run HTTP-only until a browser backend is wired;
			// the pipeline falls back automatically.
			var drv browser.Driver = browser.Unavailable{}
			defer drv.Close()

			w := worker.New(flagSlot, store, journal, drv, sess, nil)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			err = w.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&flagSlot, "slot", "", "slot id to run")
	return cmd
}
