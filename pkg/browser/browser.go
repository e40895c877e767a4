// Package browser defines the capability surface a worker needs from a
// driven browser. The production driver speaks to an external browser
// over its debugging protocol; tests and browserless slots use the Fake.
package browser

import (
	"context"
	"errors"
	"time"

	"github.com/leadhive/leadhive/pkg/types"
)

// ErrUnavailable is returned when no browser backend is attached. The
// worker treats it as a signal to fall back to HTTP-only operation.
var ErrUnavailable = errors.New("browser backend unavailable")

// DefaultTimeout bounds a single browser operation.
const DefaultTimeout = 12 * time.Second

// Page is a rendered page snapshot.
type Page struct {
	URL   string
	HTML  string
	Final string // URL after redirects
}

// Frame is one screencast image.
type Frame struct {
	Data     []byte
	Width    int
	Height   int
	Captured time.Time
}

// Driver is the browser capability a worker consumes. Implementations
// must honor ctx cancellation on every call.
type Driver interface {
	// RenderPage navigates to url, waits for the page to settle and
	// returns the rendered document.
	RenderPage(ctx context.Context, url string, wait time.Duration) (*Page, error)

	// EvaluateScript runs a script in the current page and returns its
	// JSON-encoded result.
	EvaluateScript(ctx context.Context, script string) (string, error)

	// ClickBySelector clicks the first element matching selector in the
	// current page.
	ClickBySelector(ctx context.Context, selector string) error

	// ExportCookies returns the browser's current cookie set.
	ExportCookies(ctx context.Context) ([]types.Cookie, error)

	// ImportCookies installs cookies before navigation.
	ImportCookies(ctx context.Context, cookies []types.Cookie) error

	// Screencast streams frames until ctx is cancelled.
	Screencast(ctx context.Context) (<-chan Frame, error)

	// SendMouseClick dispatches a click at viewport coordinates.
	SendMouseClick(ctx context.Context, x, y float64) error

	// SendKeys types text into the focused element.
	SendKeys(ctx context.Context, text string) error

	Close() error
}

// Unavailable is a Driver that fails every call with ErrUnavailable.
// It backs OBSERVER-style slots that run with use_browser: false.
type Unavailable struct{}

func (Unavailable) RenderPage(context.Context, string, time.Duration) (*Page, error) {
	return nil, ErrUnavailable
}
func (Unavailable) EvaluateScript(context.Context, string) (string, error) { return "", ErrUnavailable }
func (Unavailable) ClickBySelector(context.Context, string) error          { return ErrUnavailable }
func (Unavailable) ExportCookies(context.Context) ([]types.Cookie, error)  { return nil, ErrUnavailable }
func (Unavailable) ImportCookies(context.Context, []types.Cookie) error    { return ErrUnavailable }
func (Unavailable) Screencast(context.Context) (<-chan Frame, error)       { return nil, ErrUnavailable }
func (Unavailable) SendMouseClick(context.Context, float64, float64) error { return ErrUnavailable }
func (Unavailable) SendKeys(context.Context, string) error                 { return ErrUnavailable }
func (Unavailable) Close() error                                           { return nil }
