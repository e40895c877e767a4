package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/leadhive/leadhive/pkg/log"
	"github.com/leadhive/leadhive/pkg/statestore"
	"github.com/leadhive/leadhive/pkg/types"
)

const offsetName = ".leads.offset"

// Ingestor folds worker lead journals into the BoltDB ledger. A byte
// offset per slot avoids re-reading the whole journal each sweep; a
// journal shorter than its recorded offset (truncated or replaced)
// resets to zero and relies on the ledger's idempotent appends.
type Ingestor struct {
	led    *Ledger
	store  *statestore.Store
	logger zerolog.Logger
}

// NewIngestor builds an Ingestor.
func NewIngestor(led *Ledger, store *statestore.Store) *Ingestor {
	return &Ingestor{led: led, store: store, logger: log.WithComponent("ingest")}
}

// Run sweeps journals on the given interval until ctx ends.
func (in *Ingestor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.SweepAll()
		}
	}
}

// SweepAll ingests every slot's journal once.
func (in *Ingestor) SweepAll() {
	slots, err := in.store.ListSlots()
	if err != nil {
		in.logger.Error().Err(err).Msg("Failed to list slots")
		return
	}
	for _, slotID := range slots {
		if n, err := in.SweepSlot(slotID); err != nil {
			in.logger.Warn().Err(err).Str("slot_id", slotID).Msg("Journal ingest failed")
		} else if n > 0 {
			in.logger.Debug().Int("records", n).Str("slot_id", slotID).Msg("Journal records ingested")
		}
	}
}

// SweepSlot ingests new journal records for one slot, returning the
// number of records folded in.
func (in *Ingestor) SweepSlot(slotID string) (int, error) {
	slotDir := in.store.SlotDir(slotID)
	journalPath := filepath.Join(slotDir, journalName)
	offsetPath := filepath.Join(slotDir, offsetName)

	f, err := os.Open(journalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	offset := readOffset(offsetPath)
	if offset > info.Size() {
		offset = 0
	}
	if offset == info.Size() {
		return 0, nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}

	var batch []*types.Lead
	consumed := offset
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// A partial trailing line stays in the journal for the
			// next sweep.
			break
		}
		consumed += int64(len(line))
		trimmed := strings.TrimSpace(string(line))
		if trimmed == "" {
			continue
		}
		var lead types.Lead
		if err := json.Unmarshal([]byte(trimmed), &lead); err != nil {
			in.logger.Warn().Err(err).Str("slot_id", slotID).Msg("Skipping malformed journal line")
			continue
		}
		batch = append(batch, &lead)
	}

	if len(batch) > 0 {
		if err := in.led.AppendLeads(slotID, batch); err != nil {
			return 0, fmt.Errorf("failed to append ingested leads: %w", err)
		}
	}
	if err := writeOffset(offsetPath, consumed); err != nil {
		return len(batch), err
	}
	return len(batch), nil
}

func readOffset(path string) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeOffset(path string, offset int64) error {
	return statestore.WriteFileAtomic(path, []byte(strconv.FormatInt(offset, 10)), 0644)
}
