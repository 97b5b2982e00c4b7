package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"mailqueue/contracts/db"
	"mailqueue/internal/assistant"
	"mailqueue/internal/repository"
	"mailqueue/pkg/circuitbreaker"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to db.Status
		want     bool
	}{
		{db.StatusPending, db.StatusProcessing, true},
		{db.StatusProcessed, db.StatusProcessing, false},
		{db.StatusError, db.StatusProcessed, true},
		{db.StatusProcessed, db.StatusProcessed, true},
		{db.StatusProcessed, db.StatusError, false},
		{db.StatusCompleted, db.StatusError, false},
		{db.StatusProcessed, db.StatusCompleted, true},
		{db.StatusCompleted, db.StatusCompleted, true},
		{db.StatusCleared, db.StatusCompleted, false},
		{db.StatusCleared, db.StatusCleared, true},
		{db.StatusPending, db.StatusCleared, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestAllowedFromReturnsCopy(t *testing.T) {
	list := AllowedFrom(db.StatusCleared)
	list[0] = "bogus"
	if !CanTransition(db.StatusPending, db.StatusCleared) {
		t.Fatal("AllowedFrom leaked the shared slice")
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("decode: %w", ErrMalformedEvent), KindMalformedEvent},
		{fmt.Errorf("%w: get run: %w", ErrRunTimeout, context.DeadlineExceeded), KindTimeout},
		{fmt.Errorf("%w: bad", ErrParse), KindParse},
		{&assistant.APIError{StatusCode: 500}, KindUpstreamAI},
		{circuitbreaker.ErrCircuitBreakerOpen, KindUpstreamAI},
		{ErrNoAssistantMessage, KindUpstreamAI},
		{repository.ErrNotFound, KindNotFound},
		{&repository.TransitionError{EmailID: "E1", From: db.StatusCleared, To: db.StatusCompleted}, KindTransitionRejected},
		{repository.ErrDuplicate, KindDuplicate},
		{fmt.Errorf("%w: user", ErrInvalid), KindInvalid},
		{context.Canceled, KindCanceled},
		{errors.New("connection reset"), KindPersistence},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
