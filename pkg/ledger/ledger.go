// Package ledger persists leads in a BoltDB file, one bucket per slot
// plus a fetched_at index used for the bounded dedup window. Appends are
// idempotent by lead key and status transitions are monotonic: a lead
// that reached verified never reverts.
package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/leadhive/leadhive/pkg/types"
)

var (
	bucketLeads = []byte("leads")
	bucketIndex = []byte("fetched_index")
)

// statusRank orders lead statuses; a merge never moves a lead to a
// lower rank.
var statusRank = map[types.LeadStatus]int{
	types.LeadRejected: 0,
	types.LeadCaptured: 1,
	types.LeadClicked:  2,
	types.LeadVerified: 3,
}

// Ledger is a BoltDB-backed lead store.
type Ledger struct {
	db *bolt.DB
}

// Open opens (or creates) leads.db under dataDir, creating the
// directory if needed.
func Open(dataDir string) (*Ledger, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "leads.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketLeads, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func slotBucket(tx *bolt.Tx, root []byte, slotID string, create bool) (*bolt.Bucket, error) {
	parent := tx.Bucket(root)
	if create {
		return parent.CreateBucketIfNotExists([]byte(slotID))
	}
	b := parent.Bucket([]byte(slotID))
	return b, nil
}

// indexKey orders entries by fetched_at; the lead key suffix keeps
// entries unique.
func indexKey(fetchedAt time.Time, leadKey string) []byte {
	return []byte(fetchedAt.UTC().Format(time.RFC3339Nano) + "|" + leadKey)
}

// AppendLeads upserts leads by key. New keys are inserted with their
// fetched_at indexed; existing keys have mutable fields merged
// (status, timestamps, raw_data) while identity fields and the original
// fetched_at are kept.
func (l *Ledger) AppendLeads(slotID string, leads []*types.Lead) error {
	if len(leads) == 0 {
		return nil
	}
	now := time.Now().UTC()

	return l.db.Update(func(tx *bolt.Tx) error {
		b, err := slotBucket(tx, bucketLeads, slotID, true)
		if err != nil {
			return err
		}
		idx, err := slotBucket(tx, bucketIndex, slotID, true)
		if err != nil {
			return err
		}

		for _, lead := range leads {
			if lead == nil || lead.Key == "" {
				continue
			}
			lead.SlotID = slotID
			if lead.FetchedAt == nil {
				t := now
				lead.FetchedAt = &t
			}

			existing := b.Get([]byte(lead.Key))
			record := lead
			if existing != nil {
				var prev types.Lead
				if err := json.Unmarshal(existing, &prev); err == nil {
					record = mergeLead(&prev, lead)
				}
			} else {
				if err := idx.Put(indexKey(*lead.FetchedAt, lead.Key), []byte(lead.Key)); err != nil {
					return err
				}
			}

			data, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("failed to encode lead %s: %w", lead.Key, err)
			}
			if err := b.Put([]byte(record.Key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// mergeLead folds an update into a stored lead. Status only moves
// forward; the stored fetched_at wins.
func mergeLead(prev, update *types.Lead) *types.Lead {
	merged := *prev

	if statusRank[update.Status] > statusRank[prev.Status] {
		merged.Status = update.Status
	}
	if update.RejectReason != "" && merged.RejectReason == "" {
		merged.RejectReason = update.RejectReason
	}
	if update.ClickedAt != nil && merged.ClickedAt == nil {
		merged.ClickedAt = update.ClickedAt
	}
	if update.VerifiedAt != nil && merged.VerifiedAt == nil {
		merged.VerifiedAt = update.VerifiedAt
	}
	if update.Mobile != "" {
		merged.Mobile = update.Mobile
	}
	if update.Email != "" {
		merged.Email = update.Email
	}
	if len(update.RawData) > 0 {
		if merged.RawData == nil {
			merged.RawData = make(map[string]any, len(update.RawData))
		}
		for k, v := range update.RawData {
			merged.RawData[k] = v
		}
	}
	return &merged
}

// ExistingLeadKeys returns a bounded window of known keys ordered by
// fetched_at descending, for dedup.
func (l *Ledger) ExistingLeadKeys(slotID string, limit int) (map[string]bool, error) {
	if limit <= 0 {
		limit = 5000
	}
	keys := make(map[string]bool)
	err := l.db.View(func(tx *bolt.Tx) error {
		idx, _ := slotBucket(tx, bucketIndex, slotID, false)
		if idx == nil {
			return nil
		}
		c := idx.Cursor()
		for k, v := c.Last(); k != nil && len(keys) < limit; k, v = c.Prev() {
			keys[string(v)] = true
		}
		return nil
	})
	return keys, err
}

// MarkVerified bulk-transitions leads to verified by portal id or key,
// stamping verified_at. Already-verified leads are left untouched.
func (l *Ledger) MarkVerified(slotID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			want[id] = true
		}
	}
	now := time.Now().UTC()
	updated := 0

	err := l.db.Update(func(tx *bolt.Tx) error {
		b, _ := slotBucket(tx, bucketLeads, slotID, false)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var lead types.Lead
			if err := json.Unmarshal(v, &lead); err != nil {
				continue
			}
			if !want[lead.LeadID] && !want[lead.Key] {
				continue
			}
			if lead.Status == types.LeadVerified {
				continue
			}
			lead.Status = types.LeadVerified
			t := now
			lead.VerifiedAt = &t
			data, err := json.Marshal(&lead)
			if err != nil {
				return err
			}
			if err := b.Put(bytes.Clone(k), data); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	return updated, err
}

// LeadsForSlot returns leads ordered by fetched_at descending, up to
// limit.
func (l *Ledger) LeadsForSlot(slotID string, limit int) ([]*types.Lead, error) {
	if limit <= 0 {
		limit = 200
	}
	var leads []*types.Lead
	err := l.db.View(func(tx *bolt.Tx) error {
		b, _ := slotBucket(tx, bucketLeads, slotID, false)
		idx, _ := slotBucket(tx, bucketIndex, slotID, false)
		if b == nil || idx == nil {
			return nil
		}
		c := idx.Cursor()
		for k, v := c.Last(); k != nil && len(leads) < limit; k, v = c.Prev() {
			data := b.Get(v)
			if data == nil {
				continue
			}
			var lead types.Lead
			if err := json.Unmarshal(data, &lead); err != nil {
				continue
			}
			leads = append(leads, &lead)
		}
		return nil
	})
	return leads, err
}

// CountByStatus tallies a slot's leads per status.
func (l *Ledger) CountByStatus(slotID string) (map[types.LeadStatus]int, error) {
	counts := make(map[types.LeadStatus]int)
	err := l.db.View(func(tx *bolt.Tx) error {
		b, _ := slotBucket(tx, bucketLeads, slotID, false)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var lead types.Lead
			if err := json.Unmarshal(v, &lead); err != nil {
				return nil
			}
			counts[lead.Status]++
			return nil
		})
	})
	return counts, err
}

// DeleteSlot drops a slot's leads and index, used by hard slot delete.
func (l *Ledger) DeleteSlot(slotID string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		for _, root := range [][]byte{bucketLeads, bucketIndex} {
			parent := tx.Bucket(root)
			if parent.Bucket([]byte(slotID)) != nil {
				if err := parent.DeleteBucket([]byte(slotID)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
