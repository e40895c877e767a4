// Package remotelogin lets an operator complete a portal login for a
// slot from their own browser: the node streams screencast frames of a
// server-side browser over a websocket and replays the operator's mouse
// and keyboard input into it. When the login cookies appear the session
// blob is written and the login session ends.
package remotelogin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/leadhive/leadhive/pkg/browser"
	"github.com/leadhive/leadhive/pkg/log"
	"github.com/leadhive/leadhive/pkg/session"
	"github.com/leadhive/leadhive/pkg/statestore"
)

const loginURL = "https://seller.indiamart.com/"

// DriverFactory opens a browser for a slot's login session.
type DriverFactory func(slotID string) (browser.Driver, error)

// Session is one live remote-login attempt.
type Session struct {
	ID        string    `json:"session_id"`
	SlotID    string    `json:"slot_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	driver browser.Driver
	cancel context.CancelFunc
	ctx    context.Context

	mu       sync.Mutex
	captured bool
}

// Captured reports whether the session blob was written.
func (s *Session) Captured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captured
}

// Manager tracks login sessions and enforces the cap and TTL.
type Manager struct {
	store   *statestore.Store
	factory DriverFactory
	ttl     time.Duration
	max     int
	logger  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	stopCh chan struct{}
	once   sync.Once
}

// NewManager builds a Manager and starts the expiry reaper.
func NewManager(store *statestore.Store, factory DriverFactory, ttl time.Duration, max int) *Manager {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if max <= 0 {
		max = 4
	}
	m := &Manager{
		store:    store,
		factory:  factory,
		ttl:      ttl,
		max:      max,
		logger:   log.WithComponent("remotelogin"),
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Shutdown closes all sessions and stops the reaper.
func (m *Manager) Shutdown() {
	m.once.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(id)
	}
}

// Open starts a login session for slotID.
func (m *Manager) Open(slotID string) (*Session, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.max {
		m.mu.Unlock()
		return nil, fmt.Errorf("remote login session limit (%d) reached", m.max)
	}
	m.mu.Unlock()

	drv, err := m.factory(slotID)
	if err != nil {
		return nil, fmt.Errorf("failed to open browser for login: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		SlotID:    slotID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
		driver:    drv,
		cancel:    cancel,
		ctx:       ctx,
	}

	if _, err := drv.RenderPage(ctx, loginURL, browser.DefaultTimeout); err != nil {
		cancel()
		drv.Close()
		return nil, fmt.Errorf("failed to open portal login page: %w", err)
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	m.logger.Info().Str("session_id", sess.ID).Str("slot_id", slotID).Msg("Remote login session opened")
	return sess, nil
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// List returns active sessions.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Close tears a session down.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	sess.cancel()
	sess.driver.Close()
	m.logger.Info().Str("session_id", id).Bool("captured", sess.Captured()).Msg("Remote login session closed")
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			var expired []string
			for id, sess := range m.sessions {
				if now.After(sess.ExpiresAt) {
					expired = append(expired, id)
				}
			}
			m.mu.Unlock()
			for _, id := range expired {
				m.logger.Info().Str("session_id", id).Msg("Reaping expired login session")
				m.Close(id)
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The control plane fronts for trusted operators; the token check
	// happened before the upgrade.
	CheckOrigin: func(*http.Request) bool { return true },
}

// inputMessage is what the UI sends over the socket.
type inputMessage struct {
	Type string  `json:"type"` // mouse | keys | save | close
	X    float64 `json:"x,omitempty"`
	Y    float64 `json:"y,omitempty"`
	Text string  `json:"text,omitempty"`
}

// frameMessage wraps one screencast frame for the UI.
type frameMessage struct {
	Type   string `json:"type"` // frame | captured
	Data   string `json:"data,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// ServeWS runs the screencast/input pump until the socket or the
// session ends.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request, sess *Session) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(sess.ctx)
	defer cancel()

	frames, err := sess.driver.Screencast(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Screencast unavailable")
		return
	}

	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	go func() {
		for frame := range frames {
			msg := frameMessage{
				Type:   "frame",
				Data:   base64.StdEncoding.EncodeToString(frame.Data),
				Width:  frame.Width,
				Height: frame.Height,
			}
			if err := writeJSON(msg); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inputMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "mouse":
			sess.driver.SendMouseClick(ctx, msg.X, msg.Y)
		case "keys":
			sess.driver.SendKeys(ctx, msg.Text)
		case "save":
			if err := m.capture(sess); err != nil {
				m.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Session capture failed")
				continue
			}
			writeJSON(frameMessage{Type: "captured"})
		case "close":
			m.Close(sess.ID)
			return
		}
	}
}

// capture exports the browser's cookies and writes the slot session
// blob if login cookies are present.
func (m *Manager) capture(sess *Session) error {
	cookies, err := sess.driver.ExportCookies(sess.ctx)
	if err != nil {
		return err
	}
	filtered := session.FilterForExport(cookies)
	if len(filtered) == 0 {
		return fmt.Errorf("no portal cookies present yet")
	}
	if err := m.store.WriteCookies(sess.SlotID, filtered); err != nil {
		return err
	}
	sess.mu.Lock()
	sess.captured = true
	sess.mu.Unlock()
	m.logger.Info().Str("slot_id", sess.SlotID).Int("cookies", len(filtered)).Msg("Session blob captured")
	return nil
}
