package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailqueue/internal/assistant"
	"mailqueue/internal/normalize"
	"mailqueue/pkg/logger"
	"mailqueue/pkg/metrics"
)

// AnalyzeInstruction is sent with every run.
const AnalyzeInstruction = "Please analyze this email and respond in JSON format."

// SessionClient is the subset of the AI session API the orchestrator uses.
type SessionClient interface {
	CreateSession(ctx context.Context) (string, error)
	AddUserMessage(ctx context.Context, sessionID, content string) error
	StartRun(ctx context.Context, sessionID, instructions string) (assistant.Run, error)
	GetRun(ctx context.Context, sessionID, runID string) (assistant.Run, error)
	ListMessages(ctx context.Context, sessionID string) ([]assistant.Message, error)
}

// PollConfig bounds the run status loop.
type PollConfig struct {
	Interval time.Duration
	MaxWait  time.Duration
	// MaxPolls caps GetRun calls; 0 means no cap.
	MaxPolls int
}

type Orchestrator struct {
	client SessionClient
	poll   PollConfig
	logger *zap.Logger
}

func NewOrchestrator(client SessionClient, poll PollConfig, logger *zap.Logger) *Orchestrator {
	if poll.Interval <= 0 {
		poll.Interval = time.Second
	}
	if poll.MaxWait <= 0 {
		poll.MaxWait = 5 * time.Minute
	}
	return &Orchestrator{client: client, poll: poll, logger: logger}
}

// Analyze runs one email body through a fresh session and returns the parsed
// (not yet normalized) answer.
func (o *Orchestrator) Analyze(ctx context.Context, emailID, body string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, o.poll.MaxWait)
	defer cancel()

	log := logger.WithTrace(ctx, o.logger).With(zap.String("email_id", emailID))

	sessionID, err := o.client.CreateSession(ctx)
	if err != nil {
		return nil, classifyCallErr(ctx, "create session", err)
	}
	if err := o.client.AddUserMessage(ctx, sessionID, body); err != nil {
		return nil, classifyCallErr(ctx, "add message", err)
	}
	run, err := o.client.StartRun(ctx, sessionID, AnalyzeInstruction)
	if err != nil {
		return nil, classifyCallErr(ctx, "start run", err)
	}
	log = log.With(zap.String("session_id", sessionID), zap.String("run_id", run.ID))
	log.Debug("run started", zap.String("status", run.Status))

	run, err = o.waitForRun(ctx, sessionID, run)
	if err != nil {
		return nil, err
	}
	if !run.Succeeded() {
		return nil, fmt.Errorf("%w: %s", ErrUpstreamAI, run.Failure())
	}

	messages, err := o.client.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, classifyCallErr(ctx, "list messages", err)
	}
	msg, ok := latestAssistantMessage(messages)
	if !ok {
		return nil, fmt.Errorf("%w: %w (run %s)", ErrUpstreamAI, ErrNoAssistantMessage, run.ID)
	}

	answer, err := normalize.ParseAnswer(msg.Text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	log.Debug("run answered", zap.String("message_id", msg.ID))
	return answer, nil
}

// waitForRun polls until the run is terminal, the deadline passes, or the
// poll cap is reached.
func (o *Orchestrator) waitForRun(ctx context.Context, sessionID string, run assistant.Run) (assistant.Run, error) {
	polls := 0
	defer func() { metrics.ObservePollAttempts(polls) }()

	timer := time.NewTimer(o.poll.Interval)
	defer timer.Stop()

	for !run.Terminal() {
		if o.poll.MaxPolls > 0 && polls >= o.poll.MaxPolls {
			return run, fmt.Errorf("%w: run %s still %s after %d polls", ErrRunTimeout, run.ID, run.Status, polls)
		}

		select {
		case <-ctx.Done():
			return run, contextErr(ctx, run)
		case <-timer.C:
		}

		polls++
		next, err := o.client.GetRun(ctx, sessionID, run.ID)
		if err != nil {
			return run, classifyCallErr(ctx, "get run", err)
		}
		run = next
		timer.Reset(o.poll.Interval)
	}
	return run, nil
}

func contextErr(ctx context.Context, run assistant.Run) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: run %s still %s", ErrRunTimeout, run.ID, run.Status)
	}
	return ctx.Err()
}

// classifyCallErr maps a failed API call: deadline to ErrRunTimeout, parent
// cancellation passed through as is, everything else to ErrUpstreamAI.
func classifyCallErr(ctx context.Context, step string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", ErrRunTimeout, step, err)
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %s: %w", ErrUpstreamAI, step, err)
	}
}

// latestAssistantMessage picks the assistant message with the greatest
// CreatedAt; ties keep the earlier entry.
func latestAssistantMessage(messages []assistant.Message) (assistant.Message, bool) {
	var (
		best  assistant.Message
		found bool
	)
	for _, m := range messages {
		if m.Role != "assistant" {
			continue
		}
		if !found || m.CreatedAt > best.CreatedAt {
			best = m
			found = true
		}
	}
	return best, found
}
