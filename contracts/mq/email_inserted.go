package mq

import "time"

// EventNameInsert is the only change-feed event the pipeline acts on.
const EventNameInsert = "INSERT"

// EmailInsertedPayload is published on email.inserted when a queue item is
// created. Upstream importers may publish it directly, so either key field
// may be missing.
type EmailInsertedPayload struct {
	EventName      string     `json:"event_name"`
	EmailID        string     `json:"email_id,omitempty"`
	EmailTimestamp string     `json:"email_timestamp,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	Subject        string     `json:"subject,omitempty"`
	Body           string     `json:"body"`
	ReceivedAt     *time.Time `json:"received_at,omitempty"`
	TraceID        string     `json:"trace_id,omitempty"`
}
