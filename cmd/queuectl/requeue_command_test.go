package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"mailqueue/contracts/db"
	mqc "mailqueue/contracts/mq"
	"mailqueue/pkg/mq"
)

type fakeLister struct {
	items     []db.QueueItem
	gotStatus db.Status
	gotAge    time.Duration
	gotLimit  int
}

func (f *fakeLister) ListStale(_ context.Context, status db.Status, olderThan time.Duration, limit int) ([]db.QueueItem, error) {
	f.gotStatus, f.gotAge, f.gotLimit = status, olderThan, limit
	return f.items, nil
}

type published struct {
	routingKey string
	payload    mqc.EmailInsertedPayload
}

type fakePublisher struct {
	sent    []published
	failAt  int
	failErr error
}

func (p *fakePublisher) PublishWithContext(_ context.Context, routingKey string, payload any) error {
	if p.failErr != nil && len(p.sent) == p.failAt {
		return p.failErr
	}
	p.sent = append(p.sent, published{routingKey, payload.(mqc.EmailInsertedPayload)})
	return nil
}

func staleItems() []db.QueueItem {
	return []db.QueueItem{
		{EmailID: "E1", PublicID: "P1", User: "alice", Body: "Refund request", Status: db.StatusPending},
		{EmailID: "E2", EmailTimestamp: "1700000000", PublicID: "1700000000", User: "bob", Body: "Invoice", Status: db.StatusPending},
	}
}

func TestRequeue_PublishesInsertEvents(t *testing.T) {
	lister := &fakeLister{items: staleItems()}
	pub := &fakePublisher{}
	var out bytes.Buffer

	n, err := requeue(context.Background(), lister, pub, db.StatusPending, time.Hour, 10, &out)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 2 || len(pub.sent) != 2 {
		t.Fatalf("published %d / %d, want 2", n, len(pub.sent))
	}
	if lister.gotStatus != db.StatusPending || lister.gotAge != time.Hour || lister.gotLimit != 10 {
		t.Fatalf("ListStale args = %s %s %d", lister.gotStatus, lister.gotAge, lister.gotLimit)
	}

	first := pub.sent[0]
	if first.routingKey != mq.RoutingKeyEmailInserted {
		t.Fatalf("routing key = %s", first.routingKey)
	}
	if first.payload.EventName != mqc.EventNameInsert || first.payload.EmailID != "E1" || first.payload.Body != "Refund request" {
		t.Fatalf("payload = %+v", first.payload)
	}
	if pub.sent[1].payload.EmailTimestamp != "1700000000" {
		t.Fatalf("legacy key not carried: %+v", pub.sent[1].payload)
	}
	if !strings.Contains(out.String(), "E2\t1700000000\tpending") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRequeue_DryRun(t *testing.T) {
	var out bytes.Buffer
	n, err := requeue(context.Background(), &fakeLister{items: staleItems()}, nil, db.StatusPending, time.Minute, 5, &out)
	if err != nil || n != 0 {
		t.Fatalf("dry run = %d, %v", n, err)
	}
	if strings.Count(out.String(), "\n") != 2 {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRequeue_StopsOnPublishError(t *testing.T) {
	boom := errors.New("channel closed")
	pub := &fakePublisher{failAt: 1, failErr: boom}

	n, err := requeue(context.Background(), &fakeLister{items: staleItems()}, pub, db.StatusPending, time.Minute, 5, &bytes.Buffer{})
	if !errors.Is(err, boom) || n != 1 {
		t.Fatalf("requeue = %d, %v", n, err)
	}
}

func TestRootCommand_ValidatesArgsBeforeConnecting(t *testing.T) {
	tests := [][]string{
		{"requeue", "--status", "completed", "--config-dir", t.TempDir()},
		{"outbox", "replay"},
		{"outbox", "replay", "7", "--all"},
		{"show"},
	}
	for _, args := range tests {
		cmd := newRootCommand()
		cmd.SetArgs(args)
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		if err := cmd.Execute(); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}
