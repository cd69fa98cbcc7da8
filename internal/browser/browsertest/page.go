// Package browsertest provides an in-memory browser.Handle for tests.
package browsertest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shehryarbajwa/browserpilot/internal/browser"
)

// Page is a scripted browser context. Sites maps URL to HTML; elements in the
// HTML should already carry data-bp-id attributes.
type Page struct {
	mu sync.Mutex

	id     string
	url    string
	closed bool

	Sites map[string]string
	Shot  []byte

	// NavigateErr, when set, is returned by every Navigate call.
	NavigateErr error
	// OnClick maps a selector to the URL the click leads to.
	OnClick map[string]string

	Actions []string
	Filled  map[string]string
	// State is what StorageState returns; NewPage seeds it from the launch state.
	State []byte
}

// NewPage returns a Page with the given id sitting on about:blank.
func NewPage(id string) *Page {
	return &Page{
		id:      id,
		url:     "about:blank",
		Sites:   map[string]string{},
		OnClick: map[string]string{},
		Filled:  map[string]string{},
		Shot:    []byte("png:" + id),
	}
}

func (p *Page) record(format string, args ...any) {
	p.Actions = append(p.Actions, fmt.Sprintf(format, args...))
}

func (p *Page) ID() string         { return p.id }
func (p *Page) ConnectURL() string { return "" }

func (p *Page) Navigate(url string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return browser.ErrClosed
	}
	p.record("navigate %s", url)
	if p.NavigateErr != nil {
		return p.NavigateErr
	}
	p.url = url
	return nil
}

func (p *Page) Click(selector string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return browser.ErrClosed
	}
	p.record("click %s", selector)
	if next, ok := p.OnClick[selector]; ok {
		p.url = next
	}
	return nil
}

func (p *Page) Fill(selector, value string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return browser.ErrClosed
	}
	p.record("fill %s", selector)
	p.Filled[selector] = value
	return nil
}

func (p *Page) Press(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("press %s", key)
	return nil
}

func (p *Page) Scroll(deltaY float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("scroll %.0f", deltaY)
	return nil
}

func (p *Page) Wait(time.Duration) {}

func (p *Page) MarkInteractive() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, browser.ErrClosed
	}
	return strings.Count(p.Sites[p.url], browser.MarkerAttr), nil
}

func (p *Page) HTML() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", browser.ErrClosed
	}
	if html, ok := p.Sites[p.url]; ok {
		return html, nil
	}
	return "<html><head><title></title></head><body></body></html>", nil
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Screenshot() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, browser.ErrClosed
	}
	return append([]byte(nil), p.Shot...), nil
}

func (p *Page) StorageState() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, browser.ErrClosed
	}
	return append([]byte(nil), p.State...), nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// SetURL moves the page without recording an action.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

var _ browser.Handle = (*Page)(nil)
