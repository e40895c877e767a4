package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/leadhive/leadhive/pkg/types"
)

const journalName = "leads.jsonl"

// Journal is the worker-side lead store: an append-only JSONL file in
// the slot directory. Workers are separate processes and cannot share
// the control plane's BoltDB writer lock, so they journal and the node
// daemon folds journals into the ledger. Updates to a lead append a new
// record under the same key; readers merge with the same monotonic
// status rules as the ledger.
type Journal struct {
	slotDir string
}

// OpenJournal returns the journal for a slot directory.
func OpenJournal(slotDir string) *Journal {
	return &Journal{slotDir: slotDir}
}

func (j *Journal) path() string {
	return filepath.Join(j.slotDir, journalName)
}

// AppendLeads writes one JSON line per lead. Each line is a single
// O_APPEND write so concurrent readers never see a torn record.
func (j *Journal) AppendLeads(slotID string, leads []*types.Lead) error {
	if len(leads) == 0 {
		return nil
	}
	f, err := os.OpenFile(j.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lead journal: %w", err)
	}
	defer f.Close()

	now := time.Now().UTC()
	for _, lead := range leads {
		if lead == nil || lead.Key == "" {
			continue
		}
		lead.SlotID = slotID
		if lead.FetchedAt == nil {
			t := now
			lead.FetchedAt = &t
		}
		line, err := json.Marshal(lead)
		if err != nil {
			return fmt.Errorf("failed to encode lead %s: %w", lead.Key, err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to append lead journal: %w", err)
		}
	}
	return nil
}

// readMerged replays the journal, folding repeated keys with the
// ledger's merge rules. Returns leads in first-seen order.
func (j *Journal) readMerged() ([]*types.Lead, error) {
	f, err := os.Open(j.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	byKey := make(map[string]*types.Lead)
	var order []string

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var lead types.Lead
		if err := json.Unmarshal(line, &lead); err != nil {
			// A torn trailing line from a crash is skipped.
			continue
		}
		if lead.Key == "" {
			continue
		}
		if prev, ok := byKey[lead.Key]; ok {
			byKey[lead.Key] = mergeLead(prev, &lead)
		} else {
			byKey[lead.Key] = &lead
			order = append(order, lead.Key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read lead journal: %w", err)
	}

	out := make([]*types.Lead, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out, nil
}

// ExistingLeadKeys returns the most recent limit keys for dedup.
func (j *Journal) ExistingLeadKeys(slotID string, limit int) (map[string]bool, error) {
	if limit <= 0 {
		limit = 5000
	}
	leads, err := j.readMerged()
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool)
	for i := len(leads) - 1; i >= 0 && len(keys) < limit; i-- {
		keys[leads[i].Key] = true
	}
	return keys, nil
}

// MarkVerified appends verified records for leads matching the ids.
func (j *Journal) MarkVerified(slotID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			want[id] = true
		}
	}
	leads, err := j.readMerged()
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	var updates []*types.Lead
	for _, lead := range leads {
		if !want[lead.LeadID] && !want[lead.Key] {
			continue
		}
		if lead.Status == types.LeadVerified {
			continue
		}
		lead.Status = types.LeadVerified
		t := now
		lead.VerifiedAt = &t
		updates = append(updates, lead)
	}
	if len(updates) == 0 {
		return 0, nil
	}
	if err := j.AppendLeads(slotID, updates); err != nil {
		return 0, err
	}
	return len(updates), nil
}

// LeadsForSlot returns merged leads ordered by fetched_at descending.
func (j *Journal) LeadsForSlot(slotID string, limit int) ([]*types.Lead, error) {
	if limit <= 0 {
		limit = 200
	}
	leads, err := j.readMerged()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(leads, func(a, b int) bool {
		ta, tb := time.Time{}, time.Time{}
		if leads[a].FetchedAt != nil {
			ta = *leads[a].FetchedAt
		}
		if leads[b].FetchedAt != nil {
			tb = *leads[b].FetchedAt
		}
		return ta.After(tb)
	})
	if len(leads) > limit {
		leads = leads[:limit]
	}
	return leads, nil
}
