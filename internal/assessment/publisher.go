package assessment

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// publisher delivers events in the background. A failed publish is retried
// with linear backoff, then logged and counted. Callers never see the error.
type publisher struct {
	bus     domain.EventBus
	metrics *metrics.Metrics
	retries int
	backoff time.Duration
	wg      sync.WaitGroup
}

func (p *publisher) publish(ctx context.Context, topic, key string, event any) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to encode event", "topic", topic, "assessment_id", key, "error", err)
		p.metrics.IncrementPublishFailure(topic)
		return
	}

	// Delivery outlives the request that triggered it.
	ctx = context.WithoutCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		var err error
		for attempt := 0; attempt <= p.retries; attempt++ {
			if attempt > 0 {
				time.Sleep(time.Duration(attempt) * p.backoff)
			}
			if err = p.bus.Publish(ctx, topic, payload); err == nil {
				return
			}
			slog.Debug("event publish attempt failed",
				"topic", topic,
				"assessment_id", key,
				"attempt", attempt+1,
				"error", err,
			)
		}
		slog.Error("failed to publish event",
			"topic", topic,
			"assessment_id", key,
			"attempts", p.retries+1,
			"error", err,
		)
		p.metrics.IncrementPublishFailure(topic)
	}()
}

func (p *publisher) wait() {
	p.wg.Wait()
}
