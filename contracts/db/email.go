package db

import "time"

// Status 队列项状态
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusError      Status = "error"
	StatusCompleted  Status = "completed"
	StatusCleared    Status = "cleared"
)

// AllStatuses lists every status in state machine order.
var AllStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusProcessed,
	StatusError,
	StatusCompleted,
	StatusCleared,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Active reports whether items in this status are still shown to users.
func (s Status) Active() bool {
	return s != StatusCompleted && s != StatusCleared
}

// QueueItem 表示 email_queue 表中的一行
type QueueItem struct {
	EmailID               string         `json:"emailId"`
	EmailTimestamp        string         `json:"emailTimestamp,omitempty"`
	PublicID              string         `json:"publicId"`
	User                  string         `json:"user"`
	Sender                string         `json:"sender"`
	Subject               string         `json:"subject"`
	Body                  string         `json:"body"`
	ReceivedAt            *time.Time     `json:"receivedAt,omitempty"`
	Status                Status         `json:"status"`
	AssistantResponse     map[string]any `json:"assistantResponse,omitempty"`
	TimestampAddedToQueue time.Time      `json:"timestampAddedToQueue"`
	UpdatedAt             time.Time      `json:"updatedAt"`
}
