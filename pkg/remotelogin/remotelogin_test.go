package remotelogin

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadhive/leadhive/pkg/browser"
	"github.com/leadhive/leadhive/pkg/log"
	"github.com/leadhive/leadhive/pkg/statestore"
	"github.com/leadhive/leadhive/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func newTestManager(t *testing.T, factory DriverFactory, max int) (*Manager, *statestore.Store) {
	t.Helper()
	store, err := statestore.NewStore(t.TempDir())
	require.NoError(t, err)
	m := NewManager(store, factory, time.Minute, max)
	t.Cleanup(m.Shutdown)
	return m, store
}

// TestOpenAndClose tests the session lifecycle
func TestOpenAndClose(t *testing.T) {
	fake := browser.NewFake(nil)
	m, _ := newTestManager(t, func(string) (browser.Driver, error) { return fake, nil }, 4)

	sess, err := m.Open("s1")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "s1", sess.SlotID)
	assert.True(t, sess.ExpiresAt.After(sess.CreatedAt))
	// The login page was opened in the server-side browser.
	require.Len(t, fake.RenderedURLs, 1)
	assert.Equal(t, loginURL, fake.RenderedURLs[0])

	got, ok := m.Get(sess.ID)
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.Len(t, m.List(), 1)

	m.Close(sess.ID)
	_, ok = m.Get(sess.ID)
	assert.False(t, ok)
	assert.Empty(t, m.List())

	// Closing an unknown id is a no-op.
	m.Close("ghost")
}

// TestSessionLimit tests the concurrent-session cap
func TestSessionLimit(t *testing.T) {
	m, _ := newTestManager(t, func(string) (browser.Driver, error) {
		return browser.NewFake(nil), nil
	}, 2)

	_, err := m.Open("s1")
	require.NoError(t, err)
	_, err = m.Open("s2")
	require.NoError(t, err)

	_, err = m.Open("s3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

// TestOpenFactoryError tests that a failed driver surfaces and leaves
// no session behind
func TestOpenFactoryError(t *testing.T) {
	m, _ := newTestManager(t, func(string) (browser.Driver, error) {
		return nil, browser.ErrUnavailable
	}, 4)

	_, err := m.Open("s1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, browser.ErrUnavailable))
	assert.Empty(t, m.List())
}

// TestCapture tests cookie export, filtering and the captured flag
func TestCapture(t *testing.T) {
	fake := browser.NewFake(nil)
	m, store := newTestManager(t, func(string) (browser.Driver, error) { return fake, nil }, 4)
	require.NoError(t, store.CreateSlot("s1"))

	sess, err := m.Open("s1")
	require.NoError(t, err)

	// No portal cookies yet.
	require.Error(t, m.capture(sess))
	assert.False(t, sess.Captured())

	fake.ImportCookies(sess.ctx, []types.Cookie{
		{Name: "ImeshVisitor", Value: "v", Domain: ".indiamart.com"},
		{Name: "tracking", Value: "x", Domain: ".doubleclick.net"},
	})
	require.NoError(t, m.capture(sess))
	assert.True(t, sess.Captured())

	cookies, err := store.ReadCookies("s1")
	require.NoError(t, err)
	require.Len(t, cookies, 1, "non-portal cookies are filtered out")
	assert.Equal(t, "ImeshVisitor", cookies[0].Name)
}
