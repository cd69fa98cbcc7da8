// Package browser owns live browser contexts: launching them (locally through
// Playwright or in per-session containers attached over CDP) and the small
// page surface the driver acts on.
package browser

import (
	"errors"
	"strconv"
	"time"
)

var (
	// ErrTimeout is returned when a page operation exceeds its deadline.
	ErrTimeout = errors.New("browser operation timed out")
	// ErrClosed is returned when the page, context or browser process is gone.
	ErrClosed = errors.New("browser target closed")
	// ErrNotFound is returned when a selector matches nothing.
	ErrNotFound = errors.New("element not found")
)

// Surface is the set of page operations the driver needs.
type Surface interface {
	Navigate(url string, timeout time.Duration) error
	Click(selector string, timeout time.Duration) error
	Fill(selector, value string, timeout time.Duration) error
	Press(key string) error
	Scroll(deltaY float64) error
	Wait(d time.Duration)
	// MarkInteractive tags visible interactive elements with data-bp-id
	// attributes and returns how many were tagged.
	MarkInteractive() (int, error)
	HTML() (string, error)
	URL() string
	Screenshot() ([]byte, error)
}

// Handle is one session's live browser context.
type Handle interface {
	Surface
	ID() string
	// ConnectURL is the CDP websocket of the backing browser, empty for
	// locally launched contexts.
	ConnectURL() string
	// StorageState snapshots cookies and local storage so a replacement
	// context can pick up where this one left off.
	StorageState() ([]byte, error)
	Close() error
}

// MarkerAttr is the attribute MarkInteractive writes.
const MarkerAttr = "data-bp-id"

// Selector returns the CSS selector for a marked element.
func Selector(id int) string {
	return "[" + MarkerAttr + "=\"" + strconv.Itoa(id) + "\"]"
}
