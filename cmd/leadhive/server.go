package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/leadhive/leadhive/pkg/auth"
	"github.com/leadhive/leadhive/pkg/browser"
	"github.com/leadhive/leadhive/pkg/config"
	"github.com/leadhive/leadhive/pkg/events"
	"github.com/leadhive/leadhive/pkg/federation"
	"github.com/leadhive/leadhive/pkg/ledger"
	"github.com/leadhive/leadhive/pkg/log"
	"github.com/leadhive/leadhive/pkg/remotelogin"
	"github.com/leadhive/leadhive/pkg/server"
	"github.com/leadhive/leadhive/pkg/statestore"
	"github.com/leadhive/leadhive/pkg/supervisor"
	"github.com/leadhive/leadhive/pkg/types"
)

func newServerCmd() *cobra.Command {
	var (
		flagAddr  string
		flagNodes string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the node daemon: control plane, supervisor and lead ingest",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			logger := log.WithComponent("node")

			if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
				return err
			}
			pidPath := filepath.Join(cfg.DataDir, "leadhive.pid")
			if err := supervisor.AcquirePIDFile(pidPath); err != nil {
				return err
			}
			defer supervisor.ReleasePIDFile(pidPath)

			store, err := statestore.NewStore(cfg.SlotsDir,
				statestore.WithDefaults(cfg.DefaultSlotWorker, types.SlotMode(cfg.DefaultSlotMode)))
			if err != nil {
				return err
			}
			led, err := ledger.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer led.Close()

			broker := events.NewBroker()
			authn := auth.New(cfg.AuthSecret, cfg.TokenTTL)
			if !authn.Enabled() {
				logger.Warn().Msg("AUTH_SECRET is empty, API auth is disabled")
			}

			registry, err := federation.NewRegistry(flagNodes, cfg.NodeID, cfg.NodeName, authn)
			if err != nil {
				return err
			}

			procs, err := supervisor.NewExecController(store.WorkerLogPath)
			if err != nil {
				return err
			}
			sup := supervisor.New(store, procs, cfg, broker)
			ingest := ledger.NewIngestor(led, store)

			logins := remotelogin.NewManager(store, func(slotID string) (browser.Driver, error) {
				// No browser backend is attached on this node yet;
				// sessions come in through the upload endpoint.
				return nil, browser.ErrUnavailable
			}, cfg.RemoteLoginTimeout, cfg.RemoteLoginMaxSessions)
			defer logins.Shutdown()

			srv := server.New(flagAddr, store, led, authn, registry, broker, logins)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			go sup.Run(ctx)
			go ingest.Run(ctx, cfg.CheckInterval)

			logger.Info().
				Str("node_id", cfg.NodeID).
				Str("addr", flagAddr).
				Msg("Node starting")
			err = srv.Start(ctx)
			if err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagAddr, "addr", ":8080", "control plane listen address")
	cmd.Flags().StringVar(&flagNodes, "nodes", "nodes.yml", "node registry file for cluster federation")
	return cmd
}
