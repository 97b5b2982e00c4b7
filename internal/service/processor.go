package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mailqueue/internal/normalize"
	"mailqueue/pkg/logger"
	"mailqueue/pkg/metrics"
)

// Analyzer produces the raw answer for one email body.
type Analyzer interface {
	Analyze(ctx context.Context, emailID, body string) (map[string]any, error)
}

// Processor runs the per-item pipeline: analyze, normalize, record.
type Processor struct {
	analyzer       Analyzer
	writer         *StatusWriter
	markProcessing bool
	logger         *zap.Logger
}

func NewProcessor(analyzer Analyzer, writer *StatusWriter, markProcessing bool, logger *zap.Logger) *Processor {
	return &Processor{
		analyzer:       analyzer,
		writer:         writer,
		markProcessing: markProcessing,
		logger:         logger,
	}
}

// Process handles one insert event. The item ends processed or error unless
// ctx is canceled, in which case nothing is written and the error is
// context.Canceled.
func (p *Processor) Process(ctx context.Context, emailID, body string) (err error) {
	log := logger.WithTrace(ctx, p.logger).With(zap.String("email_id", emailID))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrUpstreamAI, r)
			log.Error("pipeline panic", zap.Any("panic", r), zap.Stack("stack"))
			_ = p.writer.WriteFailure(ctx, emailID)
			metrics.IncrementPipelineOutcome("panic")
		}
	}()

	if p.markProcessing {
		// 失败不阻断流程，终态写入仍会执行
		_ = p.writer.MarkProcessing(ctx, emailID)
	}

	answer, err := p.analyzer.Analyze(ctx, emailID, body)
	if err != nil {
		return p.fail(ctx, log, emailID, err)
	}

	response := normalize.Normalize(answer)
	if err := p.writer.WriteSuccess(ctx, emailID, response); err != nil {
		metrics.IncrementPipelineOutcome(ErrorKind(err))
		return err
	}

	log.Info("email processed", zap.Int("fields", len(response)))
	metrics.IncrementPipelineOutcome("processed")
	return nil
}

func (p *Processor) fail(ctx context.Context, log *zap.Logger, emailID string, cause error) error {
	kind := ErrorKind(cause)

	if errors.Is(cause, context.Canceled) {
		log.Warn("processing abandoned", zap.String("error_kind", kind))
		metrics.IncrementPipelineOutcome(kind)
		return cause
	}

	log.Warn("processing failed", zap.String("error_kind", kind), zap.Error(cause))
	metrics.IncrementPipelineOutcome(kind)

	if err := p.writer.WriteFailure(ctx, emailID); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
