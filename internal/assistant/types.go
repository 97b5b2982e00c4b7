// Package assistant is an HTTP client for an Assistants-style AI session API:
// threads hold the conversation, runs execute the assistant against a thread.
package assistant

import (
	"fmt"
	"strings"
)

// Run statuses reported by the API.
const (
	RunQueued         = "queued"
	RunInProgress     = "in_progress"
	RunCancelling     = "cancelling"
	RunRequiresAction = "requires_action"
	RunCompleted      = "completed"
	RunFailed         = "failed"
	RunCancelled      = "cancelled"
	RunExpired        = "expired"
	RunIncomplete     = "incomplete"
)

// Run is one analysis invocation within a session.
type Run struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	LastError *RunError `json:"last_error,omitempty"`
}

type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Terminal reports whether the run will not change status any more.
// requires_action counts as terminal because no tools are registered.
func (r Run) Terminal() bool {
	switch r.Status {
	case RunQueued, RunInProgress, RunCancelling:
		return false
	default:
		return true
	}
}

// Succeeded reports whether the run completed normally.
func (r Run) Succeeded() bool {
	return r.Status == RunCompleted
}

// Failure describes a terminal non-success run.
func (r Run) Failure() string {
	if r.LastError != nil && r.LastError.Message != "" {
		return fmt.Sprintf("run %s %s: %s: %s", r.ID, r.Status, r.LastError.Code, r.LastError.Message)
	}
	return fmt.Sprintf("run %s %s", r.ID, r.Status)
}

// Message is a flattened conversation message.
type Message struct {
	ID        string
	Role      string
	CreatedAt int64
	Text      string
}

type messageList struct {
	Data []struct {
		ID        string `json:"id"`
		Role      string `json:"role"`
		CreatedAt int64  `json:"created_at"`
		Content   []struct {
			Type string `json:"type"`
			Text *struct {
				Value string `json:"value"`
			} `json:"text,omitempty"`
		} `json:"content"`
	} `json:"data"`
}

func (l messageList) messages() []Message {
	out := make([]Message, 0, len(l.Data))
	for _, d := range l.Data {
		var parts []string
		for _, c := range d.Content {
			if c.Type == "text" && c.Text != nil {
				parts = append(parts, c.Text.Value)
			}
		}
		out = append(out, Message{
			ID:        d.ID,
			Role:      d.Role,
			CreatedAt: d.CreatedAt,
			Text:      strings.Join(parts, "\n"),
		})
	}
	return out
}

// APIError is a non-2xx response from the API.
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("assistant %s: status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Retryable reports whether the failure is on the service side.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
