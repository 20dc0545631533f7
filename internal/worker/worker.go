// Package worker runs assessments requested over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Assessor is the part of the assessment service the worker drives.
type Assessor interface {
	Assess(ctx context.Context, req *domain.AssessmentRequest) (*domain.CreditAssessment, error)
}

// Worker consumes kestrel.assessment.requested and answers on
// kestrel.assessment.result.
type Worker struct {
	bus      domain.EventBus
	assessor Assessor

	mu            sync.Mutex
	subscriptions []domain.Subscription
	slots         chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// WorkerCount bounds the assessments processed at once
	WorkerCount int
}

// RequestMessage is the payload of an assessment request.
type RequestMessage struct {
	RequestID string                   `json:"requestId"`
	TraceID   string                   `json:"traceId,omitempty"`
	Request   domain.AssessmentRequest `json:"request"`
}

// Result statuses.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

// ResultMessage is the payload published once a request has been handled.
type ResultMessage struct {
	RequestID         string           `json:"requestId"`
	TraceID           string           `json:"traceId,omitempty"`
	LoanApplicationID string           `json:"loanApplicationId"`
	Status            string           `json:"status"`
	AssessmentID      string           `json:"assessmentId,omitempty"`
	RiskGrade         domain.RiskGrade `json:"riskGrade,omitempty"`
	Decision          domain.Decision  `json:"decision,omitempty"`
	CreditScore       string           `json:"creditScore,omitempty"`
	ConfigVersion     string           `json:"configVersion,omitempty"`
	ErrorKind         domain.ErrorKind `json:"errorKind,omitempty"`
	Error             string           `json:"error,omitempty"`
	DurationMs        int64            `json:"durationMs"`
}

// NewWorker creates a worker.
func NewWorker(bus domain.EventBus, assessor Assessor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		assessor: assessor,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to assessment requests.
func (w *Worker) Start(cfg Config) error {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.subscriptions) > 0 {
		return errors.New("worker already started")
	}
	w.slots = make(chan struct{}, cfg.WorkerCount)

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicAssessmentRequested, w.dispatch)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("assessment worker started",
		"topic", domain.TopicAssessmentRequested,
		"worker_count", cfg.WorkerCount,
	)
	return nil
}

// dispatch hands the message to a free slot, blocking while all are busy.
func (w *Worker) dispatch(ctx context.Context, msg *domain.Message) error {
	select {
	case w.slots <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.slots }()
		if err := w.process(w.ctx, msg); err != nil {
			slog.Error("assessment request failed",
				"message_id", msg.ID,
				"error", err,
			)
		}
	}()
	return nil
}

// process runs one request. Assessment errors are reported on the result
// topic; only undecodable messages and publish failures are returned.
func (w *Worker) process(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req RequestMessage
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse assessment request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if req.RequestID == "" {
		req.RequestID = msg.ID
	}
	traceID := req.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing assessment request",
		"request_id", req.RequestID,
		"loan_application_id", req.Request.LoanApplicationID,
		"trace_id", traceID,
	)

	result := ResultMessage{
		RequestID:         req.RequestID,
		TraceID:           traceID,
		LoanApplicationID: req.Request.LoanApplicationID,
	}

	a, err := w.assessor.Assess(ctx, &req.Request)
	if err != nil {
		result.Status = ResultFailed
		result.ErrorKind = domain.KindOf(err)
		result.Error = err.Error()
	} else {
		result.Status = ResultCompleted
		result.AssessmentID = a.ID
		result.RiskGrade = a.RiskGrade
		result.Decision = a.Decision
		result.CreditScore = a.CreditScore.StringFixed(2)
		result.ConfigVersion = a.ConfigVersion
	}
	result.DurationMs = time.Since(start).Milliseconds()

	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := w.bus.Publish(ctx, domain.TopicAssessmentResult, payload); err != nil {
		slog.Error("failed to publish assessment result",
			"request_id", req.RequestID,
			"error", err,
		)
		return err
	}

	slog.Info("assessment request processed",
		"request_id", req.RequestID,
		"status", result.Status,
		"assessment_id", result.AssessmentID,
		"decision", result.Decision,
		"duration_ms", result.DurationMs,
	)
	return nil
}

// Stop unsubscribes and waits for in-flight requests.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()
	w.cancel()

	slog.Info("assessment worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	InFlight          int      `json:"inFlight"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		InFlight:          len(w.slots),
	}
}
