package session

import (
	"context"
	"sync"
	"time"

	"github.com/shehryarbajwa/browserpilot/internal/browser"
	"github.com/shehryarbajwa/browserpilot/internal/vault"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

const restoreTimeout = 30 * time.Second

// Lease is exclusive use of one session until Release.
type Lease struct {
	manager *Manager
	entry   *entry
	record  models.Session
	once    sync.Once
}

// ID is the session id.
func (l *Lease) ID() string {
	return l.record.ID
}

// Session is the record as it was when the lease was taken.
func (l *Lease) Session() models.Session {
	return l.record
}

// Handle returns the session's live browser context. Sessions that lost
// their context (restart, engine failure) get a new one, sent back to the
// last known URL unless that URL was stored with credentials masked out.
func (l *Lease) Handle(ctx context.Context) (browser.Handle, error) {
	if l.entry.handle != nil {
		return l.entry.handle, nil
	}

	if err := l.manager.launch(ctx, &l.record, l.entry); err != nil {
		return nil, err
	}
	if err := l.manager.db.setBrowser(ctx, l.record.ID, l.record.BrowserID); err != nil {
		l.manager.logger.Warn("failed to record browser id", "session_id", l.record.ID, "error", err)
	}

	h := l.entry.handle
	switch {
	case l.record.CurrentURL == "":
	case vault.HasPlaceholder(l.record.CurrentURL):
		l.manager.logger.Info("stored page carries masked credentials, not reopening it",
			"session_id", l.record.ID, "url", l.record.CurrentURL)
	default:
		if err := h.Navigate(l.record.CurrentURL, restoreTimeout); err != nil {
			l.manager.logger.Warn("failed to restore session page",
				"session_id", l.record.ID, "url", l.record.CurrentURL, "error", err)
		}
	}
	l.manager.logger.Info("browser context restored", "session_id", l.record.ID, "browser_id", l.record.BrowserID)
	return h, nil
}

// Discard closes the live context so the next task starts a fresh one. Used
// after the engine reported the context unusable.
func (l *Lease) Discard() {
	l.manager.closeHandle(l.entry)
}

// Release gives the session back. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() { l.entry.lock.Release(1) })
}
