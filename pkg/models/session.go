package models

import "time"

// Session binds a client-visible id to a live browser context and its last observed state.
type Session struct {
	ID             string    `json:"session_id"`
	BrowserID      string    `json:"-"`
	CurrentURL     string    `json:"current_url,omitempty"`
	LastScreenshot []byte    `json:"-"`
	StorageState   []byte    `json:"-"`
	ConversationID string    `json:"ragflow_session_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastUsedAt     time.Time `json:"last_used_at"`
}

// HasScreenshot reports whether a task has produced a screenshot for this session.
func (s *Session) HasScreenshot() bool {
	return len(s.LastScreenshot) > 0
}

// HistoryStatus is the outcome recorded for one executed task.
type HistoryStatus string

const (
	HistorySuccess HistoryStatus = "success"
	HistoryFailed  HistoryStatus = "failed"
)

// HistoryEntry is one redacted task record kept alongside a session.
type HistoryEntry struct {
	Task        string        `json:"task"`
	Instruction string        `json:"instruction"`
	Message     string        `json:"message"`
	URL         string        `json:"url,omitempty"`
	Status      HistoryStatus `json:"status"`
	Timestamp   time.Time     `json:"timestamp"`
}
