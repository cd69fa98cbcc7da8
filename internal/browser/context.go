package browser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

// markScript tags visible interactive elements in document order.
const markScript = `() => {
  const attr = "` + MarkerAttr + `";
  document.querySelectorAll("[" + attr + "]").forEach(el => el.removeAttribute(attr));
  const sel = "a[href], button, input, select, textarea, [role=button], [role=link], [role=searchbox], [contenteditable=true]";
  let n = 0;
  for (const el of document.querySelectorAll(sel)) {
    const r = el.getBoundingClientRect();
    const style = window.getComputedStyle(el);
    if (r.width === 0 || r.height === 0 || style.visibility === "hidden" || style.display === "none") continue;
    if (el.type === "hidden") continue;
    n++;
    el.setAttribute(attr, String(n));
  }
  return n;
}`

// Context is a live Playwright browser context with a single page.
type Context struct {
	id         string
	browser    playwright.Browser // set when this context owns its browser
	context    playwright.BrowserContext
	page       playwright.Page
	connectURL string
	release    func()
}

func (c *Context) ID() string         { return c.id }
func (c *Context) ConnectURL() string { return c.connectURL }

func (c *Context) Navigate(url string, timeout time.Duration) error {
	waitUntil := playwright.WaitUntilState("domcontentloaded")
	opts := playwright.PageGotoOptions{WaitUntil: &waitUntil}
	if timeout > 0 {
		opts.Timeout = playwright.Float(ms(timeout))
	}
	if _, err := c.page.Goto(url, opts); err != nil {
		return wrap("navigation failed", err)
	}
	return nil
}

func (c *Context) Click(selector string, timeout time.Duration) error {
	loc, err := c.locate(selector)
	if err != nil {
		return err
	}
	if err := loc.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(ms(timeout))}); err != nil {
		return wrap("click failed", err)
	}
	return nil
}

func (c *Context) Fill(selector, value string, timeout time.Duration) error {
	loc, err := c.locate(selector)
	if err != nil {
		return err
	}
	if err := loc.Fill(value, playwright.LocatorFillOptions{Timeout: playwright.Float(ms(timeout))}); err != nil {
		// never include the value in the error
		return wrap("fill failed", err)
	}
	return nil
}

func (c *Context) Press(key string) error {
	if err := c.page.Keyboard().Press(key); err != nil {
		return wrap("key press failed", err)
	}
	return nil
}

func (c *Context) Scroll(deltaY float64) error {
	if err := c.page.Mouse().Wheel(0, deltaY); err != nil {
		return wrap("scroll failed", err)
	}
	return nil
}

func (c *Context) Wait(d time.Duration) {
	c.page.WaitForTimeout(ms(d))
}

func (c *Context) MarkInteractive() (int, error) {
	out, err := c.page.Evaluate(markScript)
	if err != nil {
		return 0, wrap("marking elements failed", err)
	}
	switch n := out.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, nil
	}
}

func (c *Context) HTML() (string, error) {
	html, err := c.page.Content()
	if err != nil {
		return "", wrap("reading content failed", err)
	}
	return html, nil
}

func (c *Context) URL() string {
	return c.page.URL()
}

func (c *Context) Screenshot() ([]byte, error) {
	data, err := c.page.Screenshot()
	if err != nil {
		return nil, wrap("screenshot failed", err)
	}
	return data, nil
}

// StorageState returns the context's cookies and local storage as JSON.
func (c *Context) StorageState() ([]byte, error) {
	state, err := c.context.StorageState()
	if err != nil {
		return nil, wrap("storage state failed", err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode storage state: %w", err)
	}
	return data, nil
}

// Close releases the page, the context and, for container-backed contexts,
// the browser and its container. Errors are collected, cleanup continues.
func (c *Context) Close() error {
	var errs []error
	if err := c.page.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.context.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.browser != nil {
		if err := c.browser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.release != nil {
		c.release()
	}
	return errors.Join(errs...)
}

func (c *Context) locate(selector string) (playwright.Locator, error) {
	loc := c.page.Locator(selector)
	count, err := loc.Count()
	if err != nil {
		return nil, wrap("selector query failed", err)
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, selector)
	}
	return loc.First(), nil
}

// wrap maps Playwright failures onto the package sentinels.
func wrap(op string, err error) error {
	switch {
	case errors.Is(err, playwright.ErrTimeout):
		return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
	case errors.Is(err, playwright.ErrTargetClosed), isClosedMessage(err.Error()):
		return fmt.Errorf("%s: %w: %v", op, ErrClosed, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func isClosedMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "target closed") ||
		strings.Contains(msg, "has been closed") ||
		strings.Contains(msg, "browser has disconnected") ||
		strings.Contains(msg, "connection closed")
}

func ms(d time.Duration) float64 {
	if d <= 0 {
		d = defaultTimeout
	}
	return float64(d.Milliseconds())
}
