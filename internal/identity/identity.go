// Package identity resolves the canonical key of a queue item.
//
// Older records are keyed by emailTimestamp instead of emailId. Every writer
// goes through Resolve so the choice is made in exactly one place.
package identity

import "strings"

// Resolve returns the canonical identity: emailID when set, otherwise the
// legacy emailTimestamp key. It returns "" when neither is usable.
func Resolve(emailID, emailTimestamp string) string {
	if id := strings.TrimSpace(emailID); id != "" {
		return id
	}
	return strings.TrimSpace(emailTimestamp)
}

// PublicID picks the client-facing id for a new item: an explicit public id,
// then the legacy timestamp key, then the canonical identity.
func PublicID(explicit, emailTimestamp, canonical string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if ts := strings.TrimSpace(emailTimestamp); ts != "" {
		return ts
	}
	return canonical
}
