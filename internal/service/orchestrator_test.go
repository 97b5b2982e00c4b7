package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"mailqueue/internal/assistant"
	"mailqueue/internal/testsupport"
)

func fastPoll() PollConfig {
	return PollConfig{Interval: time.Millisecond, MaxWait: 2 * time.Second}
}

func refundAnswer(string) string {
	return "```json\n{\"category\":{\"S\":\"refund\"},\"priority\":{\"N\":\"2\"}}\n```"
}

func TestOrchestrator_Analyze(t *testing.T) {
	client := &testsupport.FakeSessionClient{
		Statuses: []string{assistant.RunInProgress, assistant.RunCompleted},
		Answer:   refundAnswer,
	}
	o := NewOrchestrator(client, fastPoll(), zap.NewNop())

	answer, err := o.Analyze(context.Background(), "E1", "Refund request")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	category, ok := answer["category"].(map[string]any)
	if !ok || category["S"] != "refund" {
		t.Fatalf("answer = %#v", answer)
	}
	if got := client.Calls("get_run"); got != 2 {
		t.Fatalf("get_run calls = %d, want 2", got)
	}
	if got := client.Calls("create_session"); got != 1 {
		t.Fatalf("create_session calls = %d, want 1", got)
	}
}

func TestOrchestrator_Failures(t *testing.T) {
	tests := []struct {
		name   string
		client *testsupport.FakeSessionClient
		poll   PollConfig
		want   error
		kind   string
	}{
		{
			name: "run failed",
			client: &testsupport.FakeSessionClient{
				Statuses: []string{assistant.RunFailed},
				RunError: &assistant.RunError{Code: "server_error", Message: "boom"},
			},
			want: ErrUpstreamAI,
			kind: KindUpstreamAI,
		},
		{
			name: "requires action",
			client: &testsupport.FakeSessionClient{
				StartStatus: assistant.RunRequiresAction,
			},
			want: ErrUpstreamAI,
			kind: KindUpstreamAI,
		},
		{
			name: "no assistant message",
			client: &testsupport.FakeSessionClient{
				Messages: []assistant.Message{{ID: "m1", Role: "user", CreatedAt: 1, Text: "hi"}},
			},
			want: ErrNoAssistantMessage,
			kind: KindUpstreamAI,
		},
		{
			name: "answer not json",
			client: &testsupport.FakeSessionClient{
				Answer: func(string) string { return "I think this is a refund." },
			},
			want: ErrParse,
			kind: KindParse,
		},
		{
			name: "api error",
			client: &testsupport.FakeSessionClient{
				Errors: map[string]error{"create_session": &assistant.APIError{Operation: "create_session", StatusCode: 503}},
			},
			want: ErrUpstreamAI,
			kind: KindUpstreamAI,
		},
		{
			name: "deadline",
			client: &testsupport.FakeSessionClient{
				Statuses: []string{assistant.RunInProgress},
			},
			poll: PollConfig{Interval: time.Millisecond, MaxWait: 30 * time.Millisecond},
			want: ErrRunTimeout,
			kind: KindTimeout,
		},
		{
			name: "poll cap",
			client: &testsupport.FakeSessionClient{
				Statuses: []string{assistant.RunQueued, assistant.RunInProgress},
			},
			poll: PollConfig{Interval: time.Millisecond, MaxWait: time.Minute, MaxPolls: 3},
			want: ErrRunTimeout,
			kind: KindTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			poll := tt.poll
			if poll.Interval == 0 {
				poll = fastPoll()
			}
			o := NewOrchestrator(tt.client, poll, zap.NewNop())

			_, err := o.Analyze(context.Background(), "E1", "body")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if got := ErrorKind(err); got != tt.kind {
				t.Fatalf("ErrorKind = %q, want %q", got, tt.kind)
			}
		})
	}
}

func TestOrchestrator_PollCapCountsGetRun(t *testing.T) {
	client := &testsupport.FakeSessionClient{Statuses: []string{assistant.RunInProgress}}
	o := NewOrchestrator(client, PollConfig{Interval: time.Millisecond, MaxWait: time.Minute, MaxPolls: 3}, zap.NewNop())

	if _, err := o.Analyze(context.Background(), "E1", "body"); !errors.Is(err, ErrRunTimeout) {
		t.Fatalf("err = %v", err)
	}
	if got := client.Calls("get_run"); got != 3 {
		t.Fatalf("get_run calls = %d, want 3", got)
	}
}

func TestOrchestrator_ParentCancel(t *testing.T) {
	client := &testsupport.FakeSessionClient{Statuses: []string{assistant.RunInProgress}}
	o := NewOrchestrator(client, PollConfig{Interval: time.Millisecond, MaxWait: time.Minute}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := o.Analyze(ctx, "E1", "body")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrRunTimeout) {
		t.Fatalf("cancellation reported as timeout: %v", err)
	}
}

func TestLatestAssistantMessage(t *testing.T) {
	msgs := []assistant.Message{
		{ID: "a", Role: "assistant", CreatedAt: 5},
		{ID: "u", Role: "user", CreatedAt: 9},
		{ID: "b", Role: "assistant", CreatedAt: 7},
		{ID: "c", Role: "assistant", CreatedAt: 7},
	}
	got, ok := latestAssistantMessage(msgs)
	if !ok || got.ID != "b" {
		t.Fatalf("got %q, %v; want b", got.ID, ok)
	}

	if _, ok := latestAssistantMessage(msgs[1:2]); ok {
		t.Fatal("user-only list should have no assistant message")
	}
}
