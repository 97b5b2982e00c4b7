package testsupport

import (
	"context"
	"fmt"
	"sync"

	"mailqueue/internal/assistant"
)

// FakeSessionClient is a scripted AI session API.
//
// StartRun reports StartStatus (default queued). Each GetRun returns the next
// entry of Statuses; the last entry repeats. Once a run completes,
// ListMessages returns Messages, or one assistant message built by Answer
// from the session's user message when Messages is nil.
type FakeSessionClient struct {
	StartStatus string
	Statuses    []string
	RunError    *assistant.RunError
	Messages    []assistant.Message
	Answer      func(body string) string
	// Errors fails the named operation: create_session, add_message,
	// start_run, get_run, list_messages.
	Errors map[string]error

	mu       sync.Mutex
	sessions int
	bodies   map[string]string
	polls    map[string]int
	calls    map[string]int
}

func (f *FakeSessionClient) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
	return f.Errors[op]
}

// Calls returns how many times op was invoked.
func (f *FakeSessionClient) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FakeSessionClient) CreateSession(ctx context.Context) (string, error) {
	if err := f.record("create_session"); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	return fmt.Sprintf("thread_%d", f.sessions), nil
}

func (f *FakeSessionClient) AddUserMessage(_ context.Context, sessionID, content string) error {
	if err := f.record("add_message"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bodies == nil {
		f.bodies = make(map[string]string)
	}
	f.bodies[sessionID] = content
	return nil
}

func (f *FakeSessionClient) StartRun(_ context.Context, sessionID, _ string) (assistant.Run, error) {
	if err := f.record("start_run"); err != nil {
		return assistant.Run{}, err
	}
	status := f.StartStatus
	if status == "" {
		status = assistant.RunQueued
	}
	return f.run(sessionID, status), nil
}

func (f *FakeSessionClient) GetRun(ctx context.Context, sessionID, _ string) (assistant.Run, error) {
	if err := f.record("get_run"); err != nil {
		return assistant.Run{}, err
	}
	if err := ctx.Err(); err != nil {
		return assistant.Run{}, err
	}
	f.mu.Lock()
	if f.polls == nil {
		f.polls = make(map[string]int)
	}
	n := f.polls[sessionID]
	f.polls[sessionID]++
	f.mu.Unlock()

	status := assistant.RunCompleted
	if len(f.Statuses) > 0 {
		if n >= len(f.Statuses) {
			n = len(f.Statuses) - 1
		}
		status = f.Statuses[n]
	}
	return f.run(sessionID, status), nil
}

func (f *FakeSessionClient) ListMessages(_ context.Context, sessionID string) ([]assistant.Message, error) {
	if err := f.record("list_messages"); err != nil {
		return nil, err
	}
	if f.Messages != nil || f.Answer == nil {
		return append([]assistant.Message(nil), f.Messages...), nil
	}
	f.mu.Lock()
	body := f.bodies[sessionID]
	f.mu.Unlock()
	return []assistant.Message{
		{ID: "msg_user", Role: "user", CreatedAt: 1, Text: body},
		{ID: "msg_answer", Role: "assistant", CreatedAt: 2, Text: f.Answer(body)},
	}, nil
}

func (f *FakeSessionClient) run(sessionID, status string) assistant.Run {
	r := assistant.Run{ID: "run_" + sessionID, Status: status}
	if status != assistant.RunCompleted {
		r.LastError = f.RunError
	}
	return r
}
