package push

import "mailqueue/contracts/db"

// Message types on the push channel.
const (
	TypeNewEmail  = "newEmail"
	TypeGetEmails = "getEmails"
	TypeEmails    = "emails"
	TypeError     = "error"
)

// NewEmailMessage is pushed for every inserted item.
type NewEmailMessage struct {
	Type  string       `json:"type"`
	Email db.QueueItem `json:"email"`
}

// EmailsMessage answers a getEmails request.
type EmailsMessage struct {
	Type   string         `json:"type"`
	Emails []db.QueueItem `json:"emails"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is anything a client sends. User overrides the connection's
// user for getEmails.
type ClientMessage struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}
