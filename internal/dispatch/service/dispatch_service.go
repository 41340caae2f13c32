package service

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"codesandbox/internal/sandbox"
	"codesandbox/internal/sandbox/language"
	"codesandbox/internal/sandbox/observer"
	"codesandbox/internal/sandbox/result"
	appErr "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/contextkey"
	"codesandbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultQueueTimeout   = 10 * time.Second
	defaultDeadlineMargin = 2 * time.Second
	defaultMaxCodeBytes   = 1 << 20
	defaultMaxInputBytes  = 1 << 20
)

// Pipeline is the part of the execution pipeline dispatch depends on.
type Pipeline interface {
	Run(ctx context.Context, sub sandbox.Submission) result.SubmissionResult
	Budget(languageID string) (time.Duration, bool)
	Languages() []language.Info
}

// Request is one run request as received from a client.
type Request struct {
	Language string
	Code     string
	Input    string
}

// Stats is a snapshot of dispatch capacity.
type Stats struct {
	PoolSize int   `json:"pool_size"`
	InFlight int64 `json:"in_flight"`
}

// Config holds service dependencies and settings.
type Config struct {
	Pipeline       Pipeline
	Metrics        observer.MetricsRecorder
	PoolSize       int
	QueueTimeout   time.Duration
	DeadlineMargin time.Duration
	MaxCodeBytes   int
	MaxInputBytes  int
}

// Service admits submissions into a bounded number of execution slots.
type Service struct {
	pipeline       Pipeline
	metrics        observer.MetricsRecorder
	sem            *semaphore.Weighted
	poolSize       int
	queueTimeout   time.Duration
	deadlineMargin time.Duration
	maxCodeBytes   int
	maxInputBytes  int
	inFlight       atomic.Int64
}

// NewService creates a dispatch service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	queueTimeout := cfg.QueueTimeout
	if queueTimeout <= 0 {
		queueTimeout = defaultQueueTimeout
	}
	margin := cfg.DeadlineMargin
	if margin <= 0 {
		margin = defaultDeadlineMargin
	}
	maxCode := cfg.MaxCodeBytes
	if maxCode <= 0 {
		maxCode = defaultMaxCodeBytes
	}
	maxInput := cfg.MaxInputBytes
	if maxInput <= 0 {
		maxInput = defaultMaxInputBytes
	}
	return &Service{
		pipeline:       cfg.Pipeline,
		metrics:        observer.OrNoop(cfg.Metrics),
		sem:            semaphore.NewWeighted(int64(poolSize)),
		poolSize:       poolSize,
		queueTimeout:   queueTimeout,
		deadlineMargin: margin,
		maxCodeBytes:   maxCode,
		maxInputBytes:  maxInput,
	}, nil
}

// Submit validates req, waits for a free slot and runs the submission under
// a deadline of its compile and run budget plus a margin. Rejections are
// returned as errors; anything that happened to the program is in the result.
func (s *Service) Submit(ctx context.Context, req Request) (result.SubmissionResult, error) {
	if err := s.validate(req); err != nil {
		return result.SubmissionResult{}, err
	}
	sub := sandbox.Submission{Language: req.Language, Source: req.Code, Stdin: req.Input}

	budget, ok := s.pipeline.Budget(req.Language)
	if !ok {
		// Unknown languages never take a slot.
		return s.pipeline.Run(ctx, sub), nil
	}

	submissionID := uuid.NewString()
	ctx = context.WithValue(ctx, contextkey.SubmissionID, submissionID)

	if err := s.acquireSlot(ctx); err != nil {
		return result.SubmissionResult{}, err
	}
	defer s.releaseSlot()

	runCtx, cancel := context.WithTimeout(ctx, budget+s.deadlineMargin)
	defer cancel()

	logger.Debug(ctx, "submission admitted", zap.String("language", req.Language), zap.Duration("deadline", budget+s.deadlineMargin))
	res := s.run(runCtx, sub)
	logger.Info(ctx, "submission finished",
		zap.String("language", req.Language),
		zap.Bool("failed", res.Failed),
		zap.Int("code", int(res.Code())),
	)
	return res, nil
}

// Languages lists what Submit accepts.
func (s *Service) Languages() []language.Info {
	return s.pipeline.Languages()
}

// Stats reports current slot usage.
func (s *Service) Stats() Stats {
	return Stats{PoolSize: s.poolSize, InFlight: s.inFlight.Load()}
}

func (s *Service) validate(req Request) error {
	if strings.TrimSpace(req.Language) == "" || req.Code == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("missing language or code")
	}
	if len(req.Code) > s.maxCodeBytes {
		return appErr.Newf(appErr.CodeTooLarge, "code exceeds %d bytes", s.maxCodeBytes)
	}
	if len(req.Input) > s.maxInputBytes {
		return appErr.Newf(appErr.InputTooLarge, "input exceeds %d bytes", s.maxInputBytes)
	}
	return nil
}

func (s *Service) acquireSlot(ctx context.Context) error {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, s.queueTimeout)
	defer cancel()

	err := s.sem.Acquire(waitCtx, 1)
	s.metrics.ObserveQueueWait(ctx, time.Since(start), err == nil)
	if err == nil {
		s.metrics.SetInFlight(int(s.inFlight.Add(1)))
		return nil
	}
	if ctx.Err() != nil {
		return appErr.Wrapf(ctx.Err(), appErr.ServiceUnavailable, "request cancelled while queued")
	}
	logger.Warn(ctx, "no free execution slot", zap.Duration("queue_timeout", s.queueTimeout))
	return appErr.New(appErr.SandboxBusy).WithMessage("sandbox is busy, try again later")
}

func (s *Service) releaseSlot() {
	s.metrics.SetInFlight(int(s.inFlight.Add(-1)))
	s.sem.Release(1)
}

// run shields the slot from anything the pipeline did not classify.
func (s *Service) run(ctx context.Context, sub sandbox.Submission) (res result.SubmissionResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "pipeline panicked", zap.Any("panic", r), zap.Stack("stack"))
			res = result.Failure(result.FailureInternal, "", "internal sandbox error")
		}
	}()
	return s.pipeline.Run(ctx, sub)
}
