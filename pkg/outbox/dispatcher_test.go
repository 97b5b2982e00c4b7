package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"

	"mailqueue/pkg/trace"
)

type fakeStore struct {
	pending []*Event
	byID    map[int64]*Event
	sent    []int64
	failed  []int64
}

func (s *fakeStore) ClaimPendingEvents(_ context.Context, limit int) ([]*Event, error) {
	if limit < len(s.pending) {
		out := s.pending[:limit]
		s.pending = s.pending[limit:]
		return out, nil
	}
	out := s.pending
	s.pending = nil
	return out, nil
}

func (s *fakeStore) MarkAsSent(_ context.Context, id int64) error {
	s.sent = append(s.sent, id)
	return nil
}

func (s *fakeStore) MarkAsFailed(_ context.Context, id int64, _ int) error {
	s.failed = append(s.failed, id)
	return nil
}

func (s *fakeStore) GetEventByID(_ context.Context, id int64) (*Event, error) {
	if e, ok := s.byID[id]; ok {
		return e, nil
	}
	return nil, ErrEventNotFound
}

func (s *fakeStore) GetFailedEvents(_ context.Context, _ int) ([]*Event, error) {
	var out []*Event
	for _, e := range s.byID {
		if e.Status == StatusFailed {
			out = append(out, e)
		}
	}
	return out, nil
}

type published struct {
	routingKey string
	traceID    string
	payload    string
}

type fakePublisher struct {
	calls  []published
	failOn string
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, routingKey string, payload any) error {
	raw, _ := payload.(json.RawMessage)
	if p.failOn != "" && string(raw) == p.failOn {
		return errors.New("broker unavailable")
	}
	p.calls = append(p.calls, published{routingKey: routingKey, traceID: trace.FromContext(ctx), payload: string(raw)})
	return nil
}

func TestDispatcher_ProcessPendingEvents(t *testing.T) {
	store := &fakeStore{pending: []*Event{
		{ID: 1, RoutingKey: "email.inserted", Payload: json.RawMessage(`{"email_id":"E1","trace_id":"t-1"}`)},
		{ID: 2, RoutingKey: "email.inserted", Payload: json.RawMessage(`{"email_id":"E2"}`)},
	}}
	pub := &fakePublisher{failOn: `{"email_id":"E2"}`}

	d := NewDispatcher(store, pub, zap.NewNop())
	if sent := d.ProcessPendingEvents(context.Background()); sent != 1 {
		t.Fatalf("sent: got %d want 1", sent)
	}

	if len(pub.calls) != 1 || pub.calls[0].traceID != "t-1" {
		t.Fatalf("published: %+v", pub.calls)
	}
	if len(store.sent) != 1 || store.sent[0] != 1 {
		t.Fatalf("sent ids: %v", store.sent)
	}
	if len(store.failed) != 1 || store.failed[0] != 2 {
		t.Fatalf("failed ids: %v", store.failed)
	}
}

func TestDispatcher_BatchSize(t *testing.T) {
	store := &fakeStore{}
	for i := int64(1); i <= 5; i++ {
		store.pending = append(store.pending, &Event{ID: i, RoutingKey: "k", Payload: json.RawMessage(`{}`)})
	}
	pub := &fakePublisher{}

	d := NewDispatcher(store, pub, zap.NewNop()).WithBatchSize(2)
	if sent := d.ProcessPendingEvents(context.Background()); sent != 2 {
		t.Fatalf("first batch: got %d", sent)
	}
	if len(store.pending) != 3 {
		t.Fatalf("remaining: got %d", len(store.pending))
	}
}

func TestReplayService_ReplayFailedEvents(t *testing.T) {
	store := &fakeStore{byID: map[int64]*Event{
		7: {ID: 7, Status: StatusFailed, RoutingKey: "email.inserted", Payload: json.RawMessage(`{"email_id":"E7"}`)},
	}}
	pub := &fakePublisher{}

	n, err := NewReplayService(store, pub).ReplayFailedEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReplayFailedEvents: %v", err)
	}
	if n != 1 || len(store.sent) != 1 || store.sent[0] != 7 {
		t.Fatalf("replayed=%d sent=%v", n, store.sent)
	}
}

func TestReplayService_UnknownEvent(t *testing.T) {
	err := NewReplayService(&fakeStore{}, &fakePublisher{}).ReplayEvent(context.Background(), 99)
	if !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("got %v", err)
	}
}
