// Package statestore manages the per-slot directory layout: the state
// document, the live YAML config, the session cookie blob, debug
// snapshots and the worker log. The state document is the coordination
// medium between supervisor, worker and control plane; every write goes
// through an atomic temp-file rename so no reader ever observes a
// partial document.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/leadhive/leadhive/pkg/types"
)

const (
	stateFileName   = "slot_state.json"
	configFileName  = "slot_config.yml"
	sessionFileName = "session.json"
	workerLogName   = "worker.log"
)

var (
	// ErrSlotNotFound is returned when the slot directory does not exist
	ErrSlotNotFound = errors.New("slot not found")

	// ErrInvalidSlotID is returned for ids that fail validation
	ErrInvalidSlotID = errors.New("invalid slot id")
)

// Store provides access to slot directories under a base path.
type Store struct {
	baseDir string

	// defaults applied when a state document is first created
	defaultWorker string
	defaultMode   types.SlotMode
}

// Option configures a Store.
type Option func(*Store)

// WithDefaults overrides the worker kind and mode seeded into fresh
// state documents.
func WithDefaults(worker string, mode types.SlotMode) Option {
	return func(s *Store) {
		if worker != "" {
			s.defaultWorker = worker
		}
		if mode != "" {
			s.defaultMode = mode
		}
	}
}

// NewStore creates a Store rooted at baseDir, creating the directory if
// needed.
func NewStore(baseDir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create slots directory: %w", err)
	}
	s := &Store{
		baseDir:       baseDir,
		defaultWorker: "indiamart_worker",
		defaultMode:   types.ModeObserver,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// BaseDir returns the root slots directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// ValidateSlotID rejects ids that would escape the directory layout or
// collide with hidden/internal entries. Ids are limited to letters,
// digits, underscore, hyphen and dot.
func ValidateSlotID(id string) error {
	if id == "" || len(id) > 64 {
		return ErrInvalidSlotID
	}
	if strings.HasPrefix(id, "_") || strings.HasPrefix(id, ".") {
		return ErrInvalidSlotID
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.':
		default:
			return ErrInvalidSlotID
		}
	}
	return nil
}

// IsHiddenSlot reports whether a slot id is excluded from listings.
func IsHiddenSlot(id string) bool {
	return strings.HasPrefix(id, "_") || strings.HasPrefix(id, ".")
}

// SlotDir returns the directory for a slot without checking existence.
func (s *Store) SlotDir(slotID string) string {
	return filepath.Join(s.baseDir, slotID)
}

// SlotExists reports whether the slot directory is present.
func (s *Store) SlotExists(slotID string) bool {
	info, err := os.Stat(s.SlotDir(slotID))
	return err == nil && info.IsDir()
}

// CreateSlot materialises a slot directory with a default state
// document.
func (s *Store) CreateSlot(slotID string) error {
	if err := ValidateSlotID(slotID); err != nil {
		return err
	}
	if err := os.MkdirAll(s.SlotDir(slotID), 0755); err != nil {
		return fmt.Errorf("failed to create slot directory: %w", err)
	}
	_, err := s.EnsureDefaults(slotID)
	return err
}

// DeleteSlot removes the slot directory and everything under it. The
// caller is responsible for stopping any worker first.
func (s *Store) DeleteSlot(slotID string) error {
	if err := ValidateSlotID(slotID); err != nil {
		return err
	}
	if !s.SlotExists(slotID) {
		return ErrSlotNotFound
	}
	return os.RemoveAll(s.SlotDir(slotID))
}

// ListSlots enumerates slot ids, skipping hidden directories and those
// prefixed with "_" or ".".
func (s *Store) ListSlots() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read slots directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if IsHiddenSlot(name) {
			continue
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}

// ReadState returns the current state document. Reads never block on a
// writer because writes are atomic renames.
func (s *Store) ReadState(slotID string) (*types.SlotState, error) {
	data, err := os.ReadFile(filepath.Join(s.SlotDir(slotID), stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSlotNotFound
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	var state types.SlotState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	return &state, nil
}

// WriteState persists the state document atomically. A failed write
// leaves the previous document intact.
func (s *Store) WriteState(slotID string, state *types.SlotState) error {
	state.Touch(time.Now())
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	path := filepath.Join(s.SlotDir(slotID), stateFileName)
	if err := WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write state for %s: %w", slotID, err)
	}
	return nil
}

// UpdateState applies fn to the current document and writes the result
// back. The document is created with defaults when missing.
func (s *Store) UpdateState(slotID string, fn func(*types.SlotState)) (*types.SlotState, error) {
	state, err := s.EnsureDefaults(slotID)
	if err != nil {
		return nil, err
	}
	fn(state)
	if err := s.WriteState(slotID, state); err != nil {
		return nil, err
	}
	return state, nil
}

// EnsureDefaults reads the state document, seeding a fresh one (and
// filling absent fields) when needed. The document is only written back
// when something changed.
func (s *Store) EnsureDefaults(slotID string) (*types.SlotState, error) {
	if !s.SlotExists(slotID) {
		return nil, ErrSlotNotFound
	}
	state, err := s.ReadState(slotID)
	changed := false
	if err != nil {
		if !errors.Is(err, ErrSlotNotFound) {
			return nil, err
		}
		state = &types.SlotState{}
		changed = true
	}
	if state.SlotID == "" {
		state.SlotID = slotID
		changed = true
	}
	if state.Status == "" {
		state.Status = types.SlotStopped
		changed = true
	}
	if state.Mode == "" {
		state.Mode = s.defaultMode
		changed = true
	}
	if state.Worker == "" {
		state.Worker = s.defaultWorker
		changed = true
	}
	if changed {
		if err := s.WriteState(slotID, state); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// LoadConfig reads slot_config.yml. A missing or empty file yields a
// zero config, not an error; the worker runs on defaults.
func (s *Store) LoadConfig(slotID string) (*types.SlotConfig, error) {
	data, err := os.ReadFile(filepath.Join(s.SlotDir(slotID), configFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return &types.SlotConfig{}, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg types.SlotConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes slot_config.yml atomically.
func (s *Store) SaveConfig(slotID string, cfg *types.SlotConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	path := filepath.Join(s.SlotDir(slotID), configFileName)
	if err := WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config for %s: %w", slotID, err)
	}
	return nil
}

// SessionPath returns the cookie blob location for a slot.
func (s *Store) SessionPath(slotID string) string {
	return filepath.Join(s.SlotDir(slotID), sessionFileName)
}

// ReadCookies loads the session blob. Missing or empty blobs return an
// empty list.
func (s *Store) ReadCookies(slotID string) ([]types.Cookie, error) {
	data, err := os.ReadFile(s.SessionPath(slotID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session blob: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var cookies []types.Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("failed to parse session blob: %w", err)
	}
	return cookies, nil
}

// WriteCookies persists the session blob atomically so a worker
// hot-reloading by mtime never sees a torn file.
func (s *Store) WriteCookies(slotID string, cookies []types.Cookie) error {
	data, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session blob: %w", err)
	}
	if err := WriteFileAtomic(s.SessionPath(slotID), data, 0600); err != nil {
		return fmt.Errorf("failed to write session blob for %s: %w", slotID, err)
	}
	return nil
}

// WriteSnapshot stores a debug artifact (HTML or JSON) in the slot
// directory, truncated to keep disk usage bounded.
func (s *Store) WriteSnapshot(slotID, name string, data []byte) error {
	const maxSnapshot = 200_000
	if len(data) > maxSnapshot {
		data = data[:maxSnapshot]
	}
	path := filepath.Join(s.SlotDir(slotID), name)
	return WriteFileAtomic(path, data, 0644)
}

// WorkerLogPath returns the worker log location, rotating the current
// log aside once it exceeds 5 MiB.
func (s *Store) WorkerLogPath(slotID string) string {
	path := filepath.Join(s.SlotDir(slotID), workerLogName)
	if info, err := os.Stat(path); err == nil && info.Size() > 5*1024*1024 {
		os.Rename(path, path+".old")
	}
	return path
}
