// Package session turns a slot's exported cookie blob into an HTTP
// client, hot-reloads the blob when it changes on disk and detects
// logged-out responses.
package session

import (
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/leadhive/leadhive/pkg/types"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// sessionCookieNames are the cookies that actually carry the login; the
// export filter keeps these plus anything scoped to the portal domain.
var sessionCookieNames = map[string]bool{
	"ImeshVisitor": true,
	"im_iss":       true,
	"xnHist":       true,
	"sdCookie":     true,
	"PHPSESSID":    true,
}

// BuildJar loads cookies into a jar for the portal origin. Expired
// cookies are skipped.
func BuildJar(cookies []types.Cookie) (http.CookieJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	byOrigin := make(map[string][]*http.Cookie)
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		if c.Expires > 0 && time.Unix(int64(c.Expires), 0).Before(now) {
			continue
		}
		domain := strings.TrimPrefix(c.Domain, ".")
		if domain == "" {
			domain = "seller.indiamart.com"
		}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		origin := "https://" + domain + "/"
		byOrigin[origin] = append(byOrigin[origin], hc)
	}
	for origin, list := range byOrigin {
		u, err := url.Parse(origin)
		if err != nil {
			continue
		}
		jar.SetCookies(u, list)
	}
	return jar, nil
}

// FilterForExport keeps the session-bearing cookies out of a full
// browser export: named session cookies plus anything on an indiamart
// domain.
func FilterForExport(cookies []types.Cookie) []types.Cookie {
	var out []types.Cookie
	for _, c := range cookies {
		if sessionCookieNames[c.Name] || strings.Contains(c.Domain, "indiamart") {
			out = append(out, c)
		}
	}
	return out
}

// LoggedOut inspects a portal response for signs the session is gone:
// a redirect to the login host, a login form marker in the body, or an
// auth status code.
func LoggedOut(statusCode int, finalURL, body string) bool {
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return true
	}
	lower := strings.ToLower(finalURL)
	if strings.Contains(lower, "login") || strings.Contains(lower, "signin") ||
		strings.Contains(lower, "m.indiamart.com") && strings.Contains(lower, "auth") {
		return true
	}
	bodyLower := strings.ToLower(body)
	for _, marker := range []string{"enter your mobile number", "login to indiamart", "id=\"login", "otp_login"} {
		if strings.Contains(bodyLower, marker) {
			return true
		}
	}
	return false
}

// decodeCookies accepts both the bare-array export and the wrapped
// {"cookies": [...]} shape some browser extensions produce.
func decodeCookies(data []byte) ([]types.Cookie, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var cookies []types.Cookie
	if err := json.Unmarshal(data, &cookies); err == nil {
		return cookies, nil
	}
	var wrapped struct {
		Cookies []types.Cookie `json:"cookies"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Cookies, nil
}

// Manager serves an HTTP client backed by the slot's session blob and
// rebuilds it when the blob changes. Change detection is fsnotify when
// a watcher can be established, with an mtime poll as backstop since
// the blob is replaced by rename.
type Manager struct {
	path    string
	logger  zerolog.Logger
	mu      sync.RWMutex
	client  *http.Client
	cookies []types.Cookie
	mtime   time.Time

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	stopped sync.Once
}

// NewManager loads the blob at path and starts watching it. A missing
// blob yields a manager with no session; HasSession reports false.
func NewManager(path string, logger zerolog.Logger) (*Manager, error) {
	m := &Manager{
		path:   path,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	if err := m.reload(); err != nil {
		return nil, err
	}

	if w, err := fsnotify.NewWatcher(); err == nil {
		// Watch the directory: atomic renames replace the file node.
		if err := w.Add(dirOf(path)); err == nil {
			m.watcher = w
			go m.watchLoop()
		} else {
			w.Close()
		}
	}
	go m.pollLoop()
	return m, nil
}

func dirOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i > 0 {
		return path[:i]
	}
	return "."
}

// Close stops the watchers.
func (m *Manager) Close() {
	m.stopped.Do(func() {
		close(m.stopCh)
		if m.watcher != nil {
			m.watcher.Close()
		}
	})
}

// HasSession reports whether any cookies are loaded.
func (m *Manager) HasSession() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cookies) > 0
}

// Client returns the current session-bearing HTTP client, or a plain
// client when no session is loaded.
func (m *Manager) Client() *http.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client != nil {
		return m.client
	}
	return &http.Client{Timeout: 20 * time.Second}
}

// Cookies returns a copy of the loaded cookie set.
func (m *Manager) Cookies() []types.Cookie {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Cookie, len(m.cookies))
	copy(out, m.cookies)
	return out
}

// NewRequest builds a GET request with the browser-like headers the
// portal expects.
func NewRequest(method, url string) (*http.Request, error) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", "https://seller.indiamart.com/")
	return req, nil
}

func (m *Manager) reload() error {
	info, err := os.Stat(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.mu.Lock()
			m.cookies = nil
			m.client = nil
			m.mtime = time.Time{}
			m.mu.Unlock()
			return nil
		}
		return err
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	cookies, err := decodeCookies(data)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", m.path).Msg("Ignoring malformed session blob")
		return nil
	}
	jar, err := BuildJar(cookies)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.cookies = cookies
	m.client = &http.Client{Jar: jar, Timeout: 20 * time.Second}
	m.mtime = info.ModTime()
	m.mu.Unlock()
	m.logger.Debug().Int("cookies", len(cookies)).Msg("Session blob loaded")
	return nil
}

func (m *Manager) watchLoop() {
	base := m.path[strings.LastIndexByte(m.path, '/')+1:]
	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, base) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				if err := m.reload(); err != nil {
					m.logger.Warn().Err(err).Msg("Failed to reload session blob")
				}
			}
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (m *Manager) pollLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			info, err := os.Stat(m.path)
			if err != nil {
				continue
			}
			m.mu.RLock()
			stale := info.ModTime().After(m.mtime)
			m.mu.RUnlock()
			if stale {
				if err := m.reload(); err != nil {
					m.logger.Warn().Err(err).Msg("Failed to reload session blob")
				}
			}
		}
	}
}
