package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadhive/leadhive/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

// TestValidateSlotID tests id validation rules
func TestValidateSlotID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"client1", false},
		{"client-1_x", false},
		{"a.b", false},
		{"", true},
		{"a::b", true},
		{"_hidden", true},
		{".dot", true},
		{"a/b", true},
		{`a\b`, true},
		{"Bad Slot!", true},
		{"a b", true},
		{"slot#1", true},
		{strings.Repeat("a", 65), true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateSlotID(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestCreateAndListSlots tests slot lifecycle and hidden filtering
func TestCreateAndListSlots(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateSlot("beta"))
	require.NoError(t, store.CreateSlot("alpha"))
	require.NoError(t, os.MkdirAll(filepath.Join(store.BaseDir(), "_internal"), 0755))

	ids, err := store.ListSlots()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, ids)

	assert.True(t, store.SlotExists("alpha"))
	require.NoError(t, store.DeleteSlot("alpha"))
	assert.False(t, store.SlotExists("alpha"))
	assert.ErrorIs(t, store.DeleteSlot("alpha"), ErrSlotNotFound)
}

// TestEnsureDefaults tests default seeding of fresh state documents
func TestEnsureDefaults(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSlot("s1"))

	state, err := store.ReadState("s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", state.SlotID)
	assert.Equal(t, types.SlotStopped, state.Status)
	assert.Equal(t, types.ModeObserver, state.Mode)
	assert.Equal(t, "indiamart_worker", state.Worker)
	assert.NotNil(t, state.UpdatedAt)
}

// TestStateRoundTrip tests read-modify-write through UpdateState
func TestStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSlot("s1"))

	_, err := store.UpdateState("s1", func(s *types.SlotState) {
		s.Status = types.SlotRunning
		s.PID = 4242
		s.Metrics.LeadsParsed = 7
	})
	require.NoError(t, err)

	state, err := store.ReadState("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SlotRunning, state.Status)
	assert.Equal(t, 4242, state.PID)
	assert.Equal(t, int64(7), state.Metrics.LeadsParsed)
}

// TestUnknownFieldPreservation tests that foreign keys survive a
// read-modify-write cycle
func TestUnknownFieldPreservation(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSlot("s1"))

	// Inject a field this build does not know about.
	path := filepath.Join(store.SlotDir("s1"), "slot_state.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["future_field"] = json.RawMessage(`{"nested": true}`)
	updated, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, updated, 0644))

	_, err = store.UpdateState("s1", func(s *types.SlotState) {
		s.Status = types.SlotRunning
	})
	require.NoError(t, err)

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	var after map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &after))
	assert.JSONEq(t, `{"nested": true}`, string(after["future_field"]))
	assert.JSONEq(t, `"RUNNING"`, string(after["status"]))
}

// TestConfigRoundTrip tests YAML config persistence
func TestConfigRoundTrip(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSlot("s1"))

	// Missing file yields a zero config.
	cfg, err := store.LoadConfig("s1")
	require.NoError(t, err)
	assert.Empty(t, cfg.SearchTerms)

	headless := true
	in := &types.SlotConfig{
		DisplayName:       "Client One",
		SearchTerms:       []string{"valves", "brass"},
		Country:           []string{"india", "usa"},
		MaxLeadAgeSeconds: 300,
		ZeroSecondOnly:    true,
		Headless:          &headless,
	}
	require.NoError(t, store.SaveConfig("s1", in))

	out, err := store.LoadConfig("s1")
	require.NoError(t, err)
	assert.Equal(t, in.DisplayName, out.DisplayName)
	assert.Equal(t, in.SearchTerms, out.SearchTerms)
	assert.Equal(t, 300, out.MaxLeadAgeSeconds)
	assert.True(t, out.ZeroSecondOnly)
	require.NotNil(t, out.Headless)
	assert.True(t, *out.Headless)
}

// TestCookieRoundTrip tests the session blob
func TestCookieRoundTrip(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSlot("s1"))

	cookies, err := store.ReadCookies("s1")
	require.NoError(t, err)
	assert.Nil(t, cookies)

	in := []types.Cookie{
		{Name: "ImeshVisitor", Value: "abc", Domain: ".indiamart.com"},
		{Name: "other", Value: "x"},
	}
	require.NoError(t, store.WriteCookies("s1", in))

	info, err := os.Stat(store.SessionPath("s1"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	out, err := store.ReadCookies("s1")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

// TestWriteFileAtomic tests that a write replaces content without
// leaving temp files behind
func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0644))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// TestWriteSnapshotTruncates tests the debug artifact size cap
func TestWriteSnapshotTruncates(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSlot("s1"))

	big := make([]byte, 300_000)
	require.NoError(t, store.WriteSnapshot("s1", "debug.html", big))

	info, err := os.Stat(filepath.Join(store.SlotDir("s1"), "debug.html"))
	require.NoError(t, err)
	assert.Equal(t, int64(200_000), info.Size())
}
