// Package session keeps browser sessions alive between tasks: durable
// records in SQLite, one live browser context per active session, a FIFO
// lock per session and an idle reaper.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/browserpilot/internal/browser"
	"github.com/shehryarbajwa/browserpilot/internal/metrics"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

var (
	// ErrSessionExpired is returned for ids that are unknown, evicted or idle past the TTL.
	ErrSessionExpired = errors.New("session expired or not found")
	// ErrSessionBusy is returned when a session is running another task and
	// the caller did not (or could no longer) wait for it.
	ErrSessionBusy = errors.New("session is busy")
	// ErrCapacity is returned when the live browser context limit is reached.
	ErrCapacity = errors.New("browser capacity reached")
	// ErrLaunch wraps failures to start a browser context.
	ErrLaunch = errors.New("failed to launch browser")
)

// Eviction reasons reported to metrics.
const (
	ReasonIdle     = "idle"
	ReasonExplicit = "explicit"
)

// Launcher starts a browser context for a session.
type Launcher interface {
	Launch(ctx context.Context, sessionID string, state []byte) (browser.Handle, error)
}

// Options configures a Manager.
type Options struct {
	DBPath             string
	TTL                time.Duration
	ReapInterval       time.Duration
	QueueTimeout       time.Duration
	FailFast           bool
	MaxSessions        int
	PersistScreenshots bool

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Update is what a finished task writes back to its session.
type Update struct {
	URL            string
	Screenshot     []byte
	ConversationID string

	storageState []byte
}

// entry is the in-memory side of a session. handle is only touched by the
// holder of lock; connectURL may be read by anyone.
type entry struct {
	lock       *semaphore.Weighted
	handle     browser.Handle
	connectURL atomic.Value // string
}

// Manager handles all session operations
type Manager struct {
	opts     Options
	db       *db
	launcher Launcher
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	entries sync.Map // map[sessionID]*entry
	slots   *semaphore.Weighted

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewManager opens the session database and starts the idle reaper.
func NewManager(ctx context.Context, launcher Launcher, opts Options) (*Manager, error) {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Minute
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = 2 * time.Minute
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	store, err := openDB(ctx, opts.DBPath)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		opts:     opts,
		db:       store,
		launcher: launcher,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
		slots:    semaphore.NewWeighted(int64(opts.MaxSessions)),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.reapLoop()
	return m, nil
}

// Create starts a new session with a fresh browser context. The returned
// lease already holds the session lock.
func (m *Manager) Create(ctx context.Context) (*Lease, error) {
	now := m.now()
	rec := &models.Session{
		ID:         uuid.New().String(),
		CreatedAt:  now,
		LastUsedAt: now,
	}

	e := &entry{lock: semaphore.NewWeighted(1)}
	e.lock.TryAcquire(1)

	if err := m.launch(ctx, rec, e); err != nil {
		e.lock.Release(1)
		return nil, err
	}
	if err := m.db.insert(ctx, rec); err != nil {
		m.closeHandle(e)
		e.lock.Release(1)
		return nil, err
	}
	m.entries.Store(rec.ID, e)

	m.logger.Info("session created", "session_id", rec.ID, "browser_id", rec.BrowserID)
	return &Lease{manager: m, entry: e, record: *rec}, nil
}

// Acquire takes the lock of an existing session, waiting in FIFO order up to
// the queue timeout unless the manager is fail-fast.
func (m *Manager) Acquire(ctx context.Context, id string) (*Lease, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}

	e := m.entry(id)
	if err := m.lock(ctx, e); err != nil {
		return nil, err
	}

	// The session may have been evicted while we were queued.
	if cur, ok := m.entries.Load(id); !ok || cur != e {
		e.lock.Release(1)
		return nil, ErrSessionExpired
	}
	rec, err := m.db.get(ctx, id)
	if err != nil {
		e.lock.Release(1)
		if errors.Is(err, errNoRecord) {
			return nil, ErrSessionExpired
		}
		return nil, err
	}
	return &Lease{manager: m, entry: e, record: *rec}, nil
}

func (m *Manager) lock(ctx context.Context, e *entry) error {
	if m.opts.FailFast {
		if !e.lock.TryAcquire(1) {
			return ErrSessionBusy
		}
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.opts.QueueTimeout)
	defer cancel()
	if err := e.lock.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: waited %s", ErrSessionBusy, m.opts.QueueTimeout)
	}
	return nil
}

// Get returns the stored record of a live session.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, ErrSessionExpired
	}
	rec, err := m.db.get(ctx, id)
	if errors.Is(err, errNoRecord) {
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}
	if m.expired(rec) && !m.busy(id) {
		return nil, ErrSessionExpired
	}
	return rec, nil
}

// ConnectURL returns the CDP endpoint of the session's live browser, empty
// when the browser runs in-process or no context is open.
func (m *Manager) ConnectURL(ctx context.Context, id string) (string, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return "", err
	}
	v, ok := m.entries.Load(id)
	if !ok {
		return "", nil
	}
	url, _ := v.(*entry).connectURL.Load().(string)
	return url, nil
}

// Snapshot returns the screenshot left by the session's last task, or nil
// when no task has produced one. It never touches the browser.
func (m *Manager) Snapshot(ctx context.Context, id string) ([]byte, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.HasScreenshot() {
		return nil, nil
	}
	return rec.LastScreenshot, nil
}

// Touch records a task's result, snapshots the browser's storage state and
// refreshes the idle clock. Callers must hold the session lease.
func (m *Manager) Touch(ctx context.Context, id string, u Update) error {
	if !m.opts.PersistScreenshots {
		u.Screenshot = nil
	}
	if v, ok := m.entries.Load(id); ok {
		if h := v.(*entry).handle; h != nil {
			state, err := h.StorageState()
			if err != nil {
				m.logger.Warn("failed to snapshot storage state", "session_id", id, "error", err)
			} else {
				u.storageState = state
			}
		}
	}
	if err := m.db.update(ctx, id, u, m.now()); err != nil {
		if errors.Is(err, errNoRecord) {
			return ErrSessionExpired
		}
		return err
	}
	return nil
}

// AppendHistory adds an already redacted entry to the session's history.
func (m *Manager) AppendHistory(ctx context.Context, id string, e models.HistoryEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}
	return m.db.appendHistory(ctx, id, e)
}

// History returns up to limit of the session's most recent entries, oldest first.
func (m *Manager) History(ctx context.Context, id string, limit int) ([]models.HistoryEntry, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return m.db.history(ctx, id, limit)
}

// Evict terminates a session: it waits for any running task, closes the
// browser context and deletes the record and its history.
func (m *Manager) Evict(ctx context.Context, id string) error {
	if _, err := m.db.get(ctx, id); err != nil {
		if errors.Is(err, errNoRecord) {
			return ErrSessionExpired
		}
		return err
	}

	e := m.entry(id)
	waitCtx, cancel := context.WithTimeout(ctx, m.opts.QueueTimeout)
	defer cancel()
	if err := e.lock.Acquire(waitCtx, 1); err != nil {
		return ErrSessionBusy
	}
	defer e.lock.Release(1)

	if cur, ok := m.entries.Load(id); !ok || cur != e {
		return ErrSessionExpired
	}
	return m.evictLocked(ctx, id, e, ReasonExplicit)
}

func (m *Manager) evictLocked(ctx context.Context, id string, e *entry, reason string) error {
	m.closeHandle(e)
	m.entries.Delete(id)
	if err := m.db.delete(ctx, id); err != nil {
		return err
	}
	m.metrics.SessionEvicted(reason)
	m.logger.Info("session evicted", "session_id", id, "reason", reason)
	return nil
}

// Close stops the reaper and closes every live browser context. Records stay
// on disk so sessions survive a restart.
func (m *Manager) Close() error {
	m.once.Do(func() { close(m.stop) })
	<-m.done

	m.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		if e.lock.TryAcquire(1) {
			m.closeHandle(e)
			e.lock.Release(1)
		}
		return true
	})
	return m.db.close()
}

// entry returns the in-memory entry for id, creating it if needed.
func (m *Manager) entry(id string) *entry {
	v, _ := m.entries.LoadOrStore(id, &entry{lock: semaphore.NewWeighted(1)})
	return v.(*entry)
}

func (m *Manager) expired(rec *models.Session) bool {
	return m.now().Sub(rec.LastUsedAt) > m.opts.TTL
}

// busy reports whether a task currently holds the session.
func (m *Manager) busy(id string) bool {
	v, ok := m.entries.Load(id)
	if !ok {
		return false
	}
	e := v.(*entry)
	if e.lock.TryAcquire(1) {
		e.lock.Release(1)
		return false
	}
	return true
}

// launch starts a context for rec. Callers hold e.lock.
func (m *Manager) launch(ctx context.Context, rec *models.Session, e *entry) error {
	if !m.slots.TryAcquire(1) {
		return ErrCapacity
	}
	h, err := m.launcher.Launch(ctx, rec.ID, rec.StorageState)
	if err != nil {
		m.slots.Release(1)
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	e.handle = h
	e.connectURL.Store(h.ConnectURL())
	rec.BrowserID = h.ID()
	m.metrics.SessionOpened()
	return nil
}

// closeHandle closes the live context, if any. Callers hold e.lock.
func (m *Manager) closeHandle(e *entry) {
	if e.handle == nil {
		return
	}
	if err := e.handle.Close(); err != nil {
		m.logger.Warn("failed to close browser context", "browser_id", e.handle.ID(), "error", err)
	}
	e.handle = nil
	e.connectURL.Store("")
	m.slots.Release(1)
	m.metrics.SessionClosed()
}

func (m *Manager) reapLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reap(context.Background())
		}
	}
}

// reap evicts sessions idle past the TTL. Sessions running a task are skipped.
func (m *Manager) reap(ctx context.Context) int {
	ids, err := m.db.idleSince(ctx, m.now().Add(-m.opts.TTL))
	if err != nil {
		m.logger.Error("reaper query failed", "error", err)
		return 0
	}

	evicted := 0
	for _, id := range ids {
		e := m.entry(id)
		if !e.lock.TryAcquire(1) {
			continue
		}
		if cur, ok := m.entries.Load(id); !ok || cur != e {
			e.lock.Release(1)
			continue
		}
		if err := m.evictLocked(ctx, id, e, ReasonIdle); err != nil {
			m.logger.Error("failed to evict idle session", "session_id", id, "error", err)
		} else {
			evicted++
		}
		e.lock.Release(1)
	}
	return evicted
}
