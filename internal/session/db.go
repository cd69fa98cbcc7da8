package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

var errNoRecord = errors.New("no such session record")

// db persists session records and their task history.
type db struct {
	conn *sql.DB
}

func openDB(ctx context.Context, path string) (*db, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer; serializing through a single connection avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &db{conn: conn}
	if err := d.initSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

func (d *db) close() error {
	return d.conn.Close()
}

func (d *db) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id      TEXT PRIMARY KEY,
		browser_id      TEXT NOT NULL DEFAULT '',
		current_url     TEXT NOT NULL DEFAULT '',
		last_screenshot BLOB,
		storage_state   BLOB,
		conversation_id TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL,
		last_used_at    INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_last_used ON sessions(last_used_at);

	CREATE TABLE IF NOT EXISTS history (
		entry_id    INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL,
		task        TEXT NOT NULL,
		instruction TEXT NOT NULL,
		message     TEXT NOT NULL,
		url         TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		created_at  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_session ON history(session_id, entry_id);
	`
	_, err := d.conn.ExecContext(ctx, schema)
	return err
}

func (d *db) insert(ctx context.Context, s *models.Session) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO sessions (session_id, browser_id, current_url, conversation_id, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.BrowserID, s.CurrentURL, s.ConversationID, s.CreatedAt.UnixMilli(), s.LastUsedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (d *db) get(ctx context.Context, id string) (*models.Session, error) {
	var (
		s                 models.Session
		created, lastUsed int64
	)
	err := d.conn.QueryRowContext(ctx, `
		SELECT session_id, browser_id, current_url, last_screenshot, storage_state, conversation_id, created_at, last_used_at
		FROM sessions WHERE session_id = ?`, id,
	).Scan(&s.ID, &s.BrowserID, &s.CurrentURL, &s.LastScreenshot, &s.StorageState, &s.ConversationID, &created, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	s.CreatedAt = time.UnixMilli(created)
	s.LastUsedAt = time.UnixMilli(lastUsed)
	return &s, nil
}

func (d *db) setBrowser(ctx context.Context, id, browserID string) error {
	_, err := d.conn.ExecContext(ctx, `UPDATE sessions SET browser_id = ? WHERE session_id = ?`, browserID, id)
	if err != nil {
		return fmt.Errorf("failed to update browser id: %w", err)
	}
	return nil
}

func (d *db) update(ctx context.Context, id string, u Update, at time.Time) error {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE sessions SET
			current_url     = CASE WHEN ? = '' THEN current_url ELSE ? END,
			last_screenshot = CASE WHEN ? IS NULL THEN last_screenshot ELSE ? END,
			storage_state   = CASE WHEN ? IS NULL THEN storage_state ELSE ? END,
			conversation_id = CASE WHEN ? = '' THEN conversation_id ELSE ? END,
			last_used_at    = ?
		WHERE session_id = ?`,
		u.URL, u.URL,
		nullBlob(u.Screenshot), nullBlob(u.Screenshot),
		nullBlob(u.storageState), nullBlob(u.storageState),
		u.ConversationID, u.ConversationID,
		at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errNoRecord
	}
	return nil
}

func (d *db) delete(ctx context.Context, id string) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return tx.Commit()
}

// idleSince lists sessions not used since cutoff.
func (d *db) idleSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT session_id FROM sessions WHERE last_used_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query idle sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (d *db) appendHistory(ctx context.Context, id string, e models.HistoryEntry) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO history (session_id, task, instruction, message, url, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, e.Task, e.Instruction, e.Message, e.URL, string(e.Status), e.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// history returns the newest limit entries in chronological order.
func (d *db) history(ctx context.Context, id string, limit int) ([]models.HistoryEntry, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT task, instruction, message, url, status, created_at FROM (
			SELECT * FROM history WHERE session_id = ? ORDER BY entry_id DESC LIMIT ?
		) ORDER BY entry_id ASC`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := []models.HistoryEntry{}
	for rows.Next() {
		var (
			e      models.HistoryEntry
			status string
			at     int64
		)
		if err := rows.Scan(&e.Task, &e.Instruction, &e.Message, &e.URL, &status, &at); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.Status = models.HistoryStatus(status)
		e.Timestamp = time.UnixMilli(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullBlob(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}
