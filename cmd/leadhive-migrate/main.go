// leadhive-migrate imports legacy per-slot lead journals (JSONL) into
// the BoltDB ledger. It is a one-shot tool for moving an existing
// deployment's data onto a fresh node.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/leadhive/leadhive/pkg/config"
	"github.com/leadhive/leadhive/pkg/ledger"
	"github.com/leadhive/leadhive/pkg/log"
	"github.com/leadhive/leadhive/pkg/statestore"
)

func main() {
	var (
		flagDataDir  string
		flagSlotsDir string
		flagDryRun   bool
	)

	rootCmd := &cobra.Command{
		Use:   "leadhive-migrate",
		Short: "Import legacy lead journals into the BoltDB ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Init(log.Config{Level: log.InfoLevel})
			cfg := config.FromEnv()
			if flagDataDir != "" {
				cfg.DataDir = flagDataDir
			}
			if flagSlotsDir != "" {
				cfg.SlotsDir = flagSlotsDir
			}

			store, err := statestore.NewStore(cfg.SlotsDir)
			if err != nil {
				return err
			}
			slots, err := store.ListSlots()
			if err != nil {
				return err
			}
			if len(slots) == 0 {
				fmt.Println("no slots found, nothing to migrate")
				return nil
			}

			if flagDryRun {
				for _, slotID := range slots {
					journal := ledger.OpenJournal(store.SlotDir(slotID))
					leads, err := journal.LeadsForSlot(slotID, 1<<30)
					if err != nil {
						return err
					}
					fmt.Printf("%s: %d leads\n", slotID, len(leads))
				}
				return nil
			}

			led, err := ledger.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer led.Close()

			ingest := ledger.NewIngestor(led, store)
			total := 0
			for _, slotID := range slots {
				n, err := ingest.SweepSlot(slotID)
				if err != nil {
					return fmt.Errorf("slot %s: %w", slotID, err)
				}
				fmt.Printf("%s: imported %d records\n", slotID, n)
				total += n
			}
			fmt.Printf("done: %d records across %d slots\n", total, len(slots))
			return nil
		},
	}

	rootCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "ledger directory (defaults to LEADHIVE_DATA_DIR)")
	rootCmd.Flags().StringVar(&flagSlotsDir, "slots-dir", "", "slots directory (defaults to LEADHIVE_SLOTS_DIR)")
	rootCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "count records without writing")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
