package models

// SensitiveItem is one user-supplied credential. Values never leave the request.
type SensitiveItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// TaskRequest is the payload for POST /api/execute-task
type TaskRequest struct {
	Task              string          `json:"task"`
	IncludeScreenshot *bool           `json:"include_screenshot,omitempty"`
	Timeout           int             `json:"timeout,omitempty"`
	SensitiveData     []SensitiveItem `json:"sensitive_data,omitempty"`
	SessionID         string          `json:"session_id,omitempty"`
	RagflowSessionID  string          `json:"ragflow_session_id,omitempty"`
}

// WantsScreenshot applies the default of true when the client did not say.
func (r *TaskRequest) WantsScreenshot() bool {
	return r.IncludeScreenshot == nil || *r.IncludeScreenshot
}

// TaskStatus mirrors whether the browser stage completed the instruction.
type TaskStatus string

const (
	TaskSuccess TaskStatus = "success"
	TaskFailed  TaskStatus = "failed"
)

// TaskResult is the response body for an executed task. Screenshot is
// base64-encoded by encoding/json.
type TaskResult struct {
	Status           TaskStatus `json:"status"`
	Message          string     `json:"message"`
	Screenshot       []byte     `json:"screenshot,omitempty"`
	CurrentURL       string     `json:"current_url,omitempty"`
	SessionID        string     `json:"session_id"`
	RagflowSessionID string     `json:"ragflow_session_id"`
}
