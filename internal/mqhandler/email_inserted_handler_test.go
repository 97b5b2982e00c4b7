package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"mailqueue/contracts/db"
	"mailqueue/internal/assistant"
	"mailqueue/internal/service"
	"mailqueue/internal/testsupport"
	"mailqueue/pkg/mq"
)

type call struct {
	emailID, body string
}

// gateProcessor records calls and blocks each one until release is closed.
type gateProcessor struct {
	mu      sync.Mutex
	calls   []call
	events  []string
	release chan struct{}
}

func newGateProcessor(blocked bool) *gateProcessor {
	p := &gateProcessor{release: make(chan struct{})}
	if !blocked {
		close(p.release)
	}
	return p
}

func (p *gateProcessor) Process(_ context.Context, emailID, body string) error {
	p.mu.Lock()
	p.calls = append(p.calls, call{emailID, body})
	p.events = append(p.events, "start "+body)
	p.mu.Unlock()

	<-p.release

	p.mu.Lock()
	p.events = append(p.events, "end "+body)
	p.mu.Unlock()
	return nil
}

func (p *gateProcessor) snapshot() ([]call, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]call(nil), p.calls...), append([]string(nil), p.events...)
}

// handle feeds one delivery to d and returns a channel that receives the
// settlement.
func handle(ctx context.Context, d *Dispatcher, raw json.RawMessage) <-chan error {
	settled := make(chan error, 1)
	d.HandleAsync(ctx, raw, func(err error) { settled <- err })
	return settled
}

func receive(t *testing.T, settled <-chan error) error {
	t.Helper()
	select {
	case err := <-settled:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never settled")
		return nil
	}
}

func payload(t *testing.T, v map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestDispatcher_DropsMalformedEvents(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	proc := newGateProcessor(false)
	d := NewDispatcher(proc, 4, zap.New(core))

	cases := map[string]json.RawMessage{
		"bad json":    json.RawMessage(`{"email_id":`),
		"no identity": payload(t, map[string]any{"event_name": "INSERT", "body": "hello"}),
		"no body":     payload(t, map[string]any{"event_name": "INSERT", "email_id": "E1", "body": "  "}),
	}
	for name, raw := range cases {
		err := receive(t, handle(context.Background(), d, raw))
		if !errors.Is(err, mq.ErrDrop) || !errors.Is(err, service.ErrMalformedEvent) {
			t.Errorf("%s: err = %v, want ErrDrop wrapping ErrMalformedEvent", name, err)
		}
	}

	if err := d.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls, _ := proc.snapshot(); len(calls) != 0 {
		t.Fatalf("processor called %d times for malformed events", len(calls))
	}
	if n := logs.FilterField(zap.String("error_kind", service.KindMalformedEvent)).Len(); n != len(cases) {
		t.Fatalf("logged %d diagnostics, want %d", n, len(cases))
	}
}

func TestDispatcher_IgnoresNonInsertEvents(t *testing.T) {
	proc := newGateProcessor(false)
	d := NewDispatcher(proc, 4, zap.NewNop())

	err := receive(t, handle(context.Background(), d, payload(t, map[string]any{
		"event_name": "MODIFY", "email_id": "E1", "body": "hello",
	})))
	if err != nil {
		t.Fatalf("settled with %v, want ack", err)
	}
	_ = d.Wait(context.Background())
	if calls, _ := proc.snapshot(); len(calls) != 0 {
		t.Fatalf("processor called for MODIFY event")
	}
}

func TestDispatcher_ResolvesLegacyIdentity(t *testing.T) {
	proc := newGateProcessor(false)
	d := NewDispatcher(proc, 4, zap.NewNop())

	if err := receive(t, handle(context.Background(), d, payload(t, map[string]any{
		"email_timestamp": "1700000000", "body": "hello",
	}))); err != nil {
		t.Fatalf("settled with %v", err)
	}
	calls, _ := proc.snapshot()
	if len(calls) != 1 || calls[0].emailID != "1700000000" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestDispatcher_SettlesAfterTaskEnds(t *testing.T) {
	proc := newGateProcessor(true)
	d := NewDispatcher(proc, 4, zap.NewNop())

	settled := handle(context.Background(), d, payload(t, map[string]any{"email_id": "E1", "body": "hello"}))
	testsupport.PollUntil(t, time.Second, func() bool {
		calls, _ := proc.snapshot()
		return len(calls) == 1
	})

	select {
	case err := <-settled:
		t.Fatalf("delivery settled (%v) while the task was running", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(proc.release)
	if err := receive(t, settled); err != nil {
		t.Fatalf("settled with %v, want ack", err)
	}
}

func TestDispatcher_SameItemRunsInOrder(t *testing.T) {
	proc := newGateProcessor(true)
	d := NewDispatcher(proc, 4, zap.NewNop())

	var settled []<-chan error
	for _, body := range []string{"first", "second"} {
		settled = append(settled, handle(context.Background(), d, payload(t, map[string]any{"email_id": "E1", "body": body})))
	}

	testsupport.PollUntil(t, time.Second, func() bool {
		calls, _ := proc.snapshot()
		return len(calls) == 1
	})
	time.Sleep(20 * time.Millisecond)
	if calls, _ := proc.snapshot(); len(calls) != 1 {
		t.Fatalf("second task started before first finished: %+v", calls)
	}

	close(proc.release)
	for _, ch := range settled {
		if err := receive(t, ch); err != nil {
			t.Fatalf("settled with %v", err)
		}
	}
	_, events := proc.snapshot()
	want := []string{"start first", "end first", "start second", "end second"}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestDispatcher_BoundsInFlight(t *testing.T) {
	proc := newGateProcessor(true)
	d := NewDispatcher(proc, 2, zap.NewNop())

	for _, id := range []string{"A", "B", "C"} {
		handle(context.Background(), d, payload(t, map[string]any{"email_id": id, "body": id}))
	}

	testsupport.PollUntil(t, time.Second, func() bool {
		calls, _ := proc.snapshot()
		return len(calls) == 2
	})
	time.Sleep(30 * time.Millisecond)
	if calls, _ := proc.snapshot(); len(calls) != 2 {
		t.Fatalf("%d tasks running, limit is 2", len(calls))
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.Wait(drainCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait with blocked tasks = %v", err)
	}

	close(proc.release)
	if err := d.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls, _ := proc.snapshot(); len(calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(calls))
	}
}

func TestDispatcher_BacklogForOneItemDoesNotBlockOthers(t *testing.T) {
	proc := newGateProcessor(true)
	d := NewDispatcher(proc, 2, zap.NewNop())

	for _, body := range []string{"first", "second", "third"} {
		handle(context.Background(), d, payload(t, map[string]any{"email_id": "E1", "body": body}))
	}
	handle(context.Background(), d, payload(t, map[string]any{"email_id": "E2", "body": "other"}))

	testsupport.PollUntil(t, time.Second, func() bool {
		calls, _ := proc.snapshot()
		for _, c := range calls {
			if c.emailID == "E2" {
				return true
			}
		}
		return false
	})

	close(proc.release)
	if err := d.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls, _ := proc.snapshot(); len(calls) != 4 {
		t.Fatalf("calls = %d, want 4", len(calls))
	}
}

func newPipeline(store *testsupport.MemStore, client *testsupport.FakeSessionClient, maxWait time.Duration) *service.Processor {
	logger := zap.NewNop()
	return service.NewProcessor(
		service.NewOrchestrator(client, service.PollConfig{Interval: time.Millisecond, MaxWait: maxWait}, logger),
		service.NewStatusWriter(store, time.Second, logger),
		false,
		logger,
	)
}

func TestDispatcher_EndToEnd(t *testing.T) {
	store := testsupport.NewMemStore()
	store.Seed(db.QueueItem{EmailID: "E1", PublicID: "E1", User: "alice", Body: "Refund request", Status: db.StatusPending})

	client := &testsupport.FakeSessionClient{
		Statuses: []string{assistant.RunInProgress, assistant.RunCompleted},
		Answer: func(body string) string {
			return `{"summary":{"stringValue":"` + body + `"},"urgent":{"BOOL":true}}`
		},
	}
	d := NewDispatcher(newPipeline(store, client, time.Second), 4, zap.NewNop())

	if err := receive(t, handle(context.Background(), d, payload(t, map[string]any{
		"event_name": "INSERT", "email_id": "E1", "body": "Refund request",
	}))); err != nil {
		t.Fatalf("settled with %v, want ack", err)
	}

	item, _ := store.Get("E1")
	if item.Status != db.StatusProcessed {
		t.Fatalf("status = %s, want processed", item.Status)
	}
	if item.AssistantResponse["summary"] != "Refund request" || item.AssistantResponse["urgent"] != true {
		t.Fatalf("response = %#v", item.AssistantResponse)
	}
}

func TestDispatcher_CanceledTaskIsRequeued(t *testing.T) {
	store := testsupport.NewMemStore()
	store.Seed(db.QueueItem{EmailID: "E1", PublicID: "E1", Body: "Refund request", Status: db.StatusPending})
	client := &testsupport.FakeSessionClient{Statuses: []string{assistant.RunInProgress}}
	d := NewDispatcher(newPipeline(store, client, time.Hour), 4, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	settled := handle(ctx, d, payload(t, map[string]any{"email_id": "E1", "body": "Refund request"}))

	testsupport.PollUntil(t, time.Second, func() bool { return client.Calls("get_run") > 0 })
	select {
	case err := <-settled:
		t.Fatalf("delivery settled (%v) while the run was still polling", err)
	default:
	}

	cancel()
	err := receive(t, settled)
	if !errors.Is(err, context.Canceled) || errors.Is(err, mq.ErrDrop) {
		t.Fatalf("settled with %v, want a requeue on cancellation", err)
	}

	item, _ := store.Get("E1")
	if item.Status != db.StatusPending || len(store.Writes()) != 0 {
		t.Fatalf("status = %s writes = %d, want untouched pending item", item.Status, len(store.Writes()))
	}
}

func TestDispatcher_FailedStatusWriteIsRequeued(t *testing.T) {
	store := testsupport.NewMemStore()
	store.Seed(db.QueueItem{EmailID: "E1", PublicID: "E1", Body: "Refund request", Status: db.StatusPending})
	store.UpdateErr = errors.New("connection reset")
	client := &testsupport.FakeSessionClient{
		Answer: func(string) string { return `{"summary":"ok"}` },
	}
	d := NewDispatcher(newPipeline(store, client, time.Second), 4, zap.NewNop())

	err := receive(t, handle(context.Background(), d, payload(t, map[string]any{"email_id": "E1", "body": "Refund request"})))
	if !errors.Is(err, service.ErrStatusWrite) {
		t.Fatalf("settled with %v, want ErrStatusWrite", err)
	}
}

func TestDispatcher_RecordedFailureIsAcked(t *testing.T) {
	store := testsupport.NewMemStore()
	store.Seed(db.QueueItem{EmailID: "E1", PublicID: "E1", Body: "Refund request", Status: db.StatusPending})
	client := &testsupport.FakeSessionClient{Statuses: []string{assistant.RunFailed}}
	d := NewDispatcher(newPipeline(store, client, time.Second), 4, zap.NewNop())

	if err := receive(t, handle(context.Background(), d, payload(t, map[string]any{"email_id": "E1", "body": "Refund request"}))); err != nil {
		t.Fatalf("settled with %v, want ack once the error is recorded", err)
	}
	if item, _ := store.Get("E1"); item.Status != db.StatusError {
		t.Fatalf("status = %s, want error", item.Status)
	}
}
