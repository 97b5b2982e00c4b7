package service

import (
	"context"
	"errors"

	"mailqueue/internal/assistant"
	"mailqueue/internal/repository"
	"mailqueue/pkg/circuitbreaker"
)

var (
	ErrMalformedEvent     = errors.New("malformed insert event")
	ErrUpstreamAI         = errors.New("upstream ai failure")
	ErrNoAssistantMessage = errors.New("run finished without an assistant message")
	ErrParse              = errors.New("assistant answer could not be parsed")
	ErrRunTimeout         = errors.New("run did not finish in time")
	ErrInvalid            = errors.New("invalid request")
	// ErrStatusWrite wraps store failures that left the item's status unchanged.
	ErrStatusWrite        = errors.New("status write failed")
)

// Error kinds used as log field values and outcome metric labels.
const (
	KindMalformedEvent     = "malformed_event"
	KindUpstreamAI         = "upstream_ai"
	KindParse              = "parse_error"
	KindTimeout            = "timeout"
	KindPersistence        = "persistence"
	KindNotFound           = "not_found"
	KindTransitionRejected = "transition_rejected"
	KindDuplicate          = "duplicate"
	KindInvalid            = "invalid"
	KindCanceled           = "canceled"
)

// ErrorKind 对错误进行分类
func ErrorKind(err error) string {
	var transitionErr *repository.TransitionError
	var apiErr *assistant.APIError

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedEvent):
		return KindMalformedEvent
	case errors.Is(err, ErrRunTimeout):
		return KindTimeout
	case errors.Is(err, ErrParse):
		return KindParse
	case errors.Is(err, ErrUpstreamAI),
		errors.Is(err, ErrNoAssistantMessage),
		errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen),
		errors.As(err, &apiErr):
		return KindUpstreamAI
	case errors.Is(err, ErrInvalid):
		return KindInvalid
	case errors.Is(err, repository.ErrNotFound):
		return KindNotFound
	case errors.As(err, &transitionErr):
		return KindTransitionRejected
	case errors.Is(err, repository.ErrDuplicate):
		return KindDuplicate
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindPersistence
	}
}
