package browser

import (
	"context"
	"sync"
	"time"

	"github.com/leadhive/leadhive/pkg/types"
)

// Fake is a scriptable in-memory Driver used by tests and dry runs.
// Pages are served from a URL-keyed map; clicks and scripts are
// recorded for assertions.
type Fake struct {
	mu sync.Mutex

	Pages      map[string]string // url -> html
	ScriptOut  map[string]string // script -> result
	Cookies    []types.Cookie
	FailClicks bool
	FailRender bool

	RenderedURLs []string
	ClickedSels  []string
	RanScripts   []string
	TypedText    []string
	MouseClicks  []struct{ X, Y float64 }
}

// NewFake returns a Fake serving the given pages.
func NewFake(pages map[string]string) *Fake {
	if pages == nil {
		pages = make(map[string]string)
	}
	return &Fake{Pages: pages, ScriptOut: make(map[string]string)}
}

func (f *Fake) RenderPage(ctx context.Context, url string, wait time.Duration) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RenderedURLs = append(f.RenderedURLs, url)
	if f.FailRender {
		return nil, ErrUnavailable
	}
	html, ok := f.Pages[url]
	if !ok {
		return &Page{URL: url, Final: url}, nil
	}
	return &Page{URL: url, HTML: html, Final: url}, nil
}

func (f *Fake) EvaluateScript(ctx context.Context, script string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RanScripts = append(f.RanScripts, script)
	if out, ok := f.ScriptOut[script]; ok {
		return out, nil
	}
	return "null", nil
}

func (f *Fake) ClickBySelector(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ClickedSels = append(f.ClickedSels, selector)
	if f.FailClicks {
		return ErrUnavailable
	}
	return nil
}

func (f *Fake) ExportCookies(ctx context.Context) ([]types.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Cookie, len(f.Cookies))
	copy(out, f.Cookies)
	return out, nil
}

func (f *Fake) ImportCookies(ctx context.Context, cookies []types.Cookie) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cookies = append([]types.Cookie(nil), cookies...)
	return nil
}

func (f *Fake) Screencast(ctx context.Context) (<-chan Frame, error) {
	ch := make(chan Frame)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				select {
				case ch <- Frame{Data: []byte("frame"), Width: 1280, Height: 720, Captured: t}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (f *Fake) SendMouseClick(ctx context.Context, x, y float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MouseClicks = append(f.MouseClicks, struct{ X, Y float64 }{x, y})
	return nil
}

func (f *Fake) SendKeys(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TypedText = append(f.TypedText, text)
	return nil
}

func (f *Fake) Close() error { return nil }
