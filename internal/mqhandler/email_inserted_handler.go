package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	mqc "mailqueue/contracts/mq"
	"mailqueue/internal/identity"
	"mailqueue/internal/service"
	"mailqueue/pkg/logger"
	"mailqueue/pkg/metrics"
	"mailqueue/pkg/mq"
	"mailqueue/pkg/trace"
)

// Processor runs the pipeline for one item.
type Processor interface {
	Process(ctx context.Context, emailID, body string) error
}

// Dispatcher turns email.inserted deliveries into pipeline tasks. Tasks for
// different items run concurrently up to maxInFlight; tasks for the same item
// run one after another in delivery order. A delivery is settled only after
// its task ends.
type Dispatcher struct {
	processor Processor
	sem       chan struct{}
	logger    *zap.Logger

	mu    sync.Mutex
	lanes map[string]chan struct{}
	wg    sync.WaitGroup
}

func NewDispatcher(processor Processor, maxInFlight int, logger *zap.Logger) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = 16
	}
	return &Dispatcher{
		processor: processor,
		sem:       make(chan struct{}, maxInFlight),
		logger:    logger,
		lanes:     make(map[string]chan struct{}),
	}
}

// HandleAsync is an mq.AsyncMessageHandler. It schedules a task for the
// event and returns; settle runs once the task has finished, so the delivery
// stays unacked while the item is in progress. Malformed events settle with
// an mq.ErrDrop error so the consumer dead-letters them.
func (d *Dispatcher) HandleAsync(ctx context.Context, raw json.RawMessage, settle mq.Settle) {
	log := logger.WithTrace(ctx, d.logger)

	var p mqc.EmailInsertedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		settle(d.drop(log, "undecodable payload", err))
		return
	}

	if p.EventName != "" && p.EventName != mqc.EventNameInsert {
		log.Debug("ignoring change event", zap.String("event_name", p.EventName))
		settle(nil)
		return
	}

	emailID := identity.Resolve(p.EmailID, p.EmailTimestamp)
	if emailID == "" {
		settle(d.drop(log, "event has no identity", nil))
		return
	}
	if strings.TrimSpace(p.Body) == "" {
		settle(d.drop(log.With(zap.String("email_id", emailID)), "event has no body", nil))
		return
	}

	if trace.FromContext(ctx) == "" && p.TraceID != "" {
		ctx = trace.WithContext(ctx, p.TraceID)
	}

	// 入队顺序在消费循环内确定，保证同一封邮件按投递顺序执行
	wait, done := d.enterLane(emailID)
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()
		settle(d.run(ctx, emailID, p.Body, wait, done))
	}()

	log.Debug("task scheduled", zap.String("email_id", emailID))
}

// run waits for the item's lane and a free slot, then processes the item.
// Slots are only taken by tasks that can start, so a backlog for one item
// does not hold back others.
func (d *Dispatcher) run(ctx context.Context, emailID, body string, wait <-chan struct{}, done chan struct{}) error {
	defer d.leaveLane(emailID, done)

	if wait != nil {
		<-wait
	}

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	metrics.TasksInFlight.Inc()
	defer func() {
		metrics.TasksInFlight.Dec()
		<-d.sem
	}()

	return settlement(d.processor.Process(ctx, emailID, body))
}

// settlement decides what happens to the delivery once its task is over.
// Outcomes recorded on the item are acked. A canceled task or a failed
// status write leaves the item unfinished, so the event is requeued.
func settlement(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, service.ErrStatusWrite) {
		return err
	}
	return nil
}

// Wait blocks until every scheduled task has finished and settled, or ctx is
// done. It must not overlap with HandleAsync calls.
func (d *Dispatcher) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enterLane appends a task to the item's lane. wait is closed when the
// previous task for the same item finishes; it is nil for an idle lane.
func (d *Dispatcher) enterLane(emailID string) (wait <-chan struct{}, done chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	done = make(chan struct{})
	if prev, ok := d.lanes[emailID]; ok {
		wait = prev
	}
	d.lanes[emailID] = done
	return wait, done
}

func (d *Dispatcher) leaveLane(emailID string, done chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	close(done)
	if d.lanes[emailID] == done {
		delete(d.lanes, emailID)
	}
}

func (d *Dispatcher) drop(log *zap.Logger, reason string, cause error) error {
	fields := []zap.Field{zap.String("error_kind", service.KindMalformedEvent)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	log.Warn("dropping malformed event: "+reason, fields...)
	metrics.IncrementPipelineOutcome(service.KindMalformedEvent)

	err := fmt.Errorf("%w: %s", service.ErrMalformedEvent, reason)
	if cause != nil {
		err = fmt.Errorf("%w: %s: %w", service.ErrMalformedEvent, reason, cause)
	}
	return fmt.Errorf("%w: %w", mq.ErrDrop, err)
}
