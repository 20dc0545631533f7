// Package velocity counts recent credit inquiries per client.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultWindow is the lookback used when none is configured.
const DefaultWindow = 30 * 24 * time.Hour

// Service tracks how often a client has been assessed within a window. The
// count backs the recent_inquiries metric.
type Service struct {
	cache  domain.Cache
	window time.Duration
}

// NewService creates a new velocity service.
func NewService(cache domain.Cache, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{
		cache:  cache,
		window: window,
	}
}

// RecordInquiry registers an inquiry for clientID and returns how many earlier
// inquiries fall inside the current window.
func (s *Service) RecordInquiry(ctx context.Context, clientID string) (int64, error) {
	if clientID == "" {
		return 0, fmt.Errorf("clientID is required")
	}
	if s.cache == nil {
		return 0, fmt.Errorf("no counter store available")
	}

	count, err := s.cache.IncrementCounter(ctx, key(clientID), s.window)
	if err != nil {
		return 0, fmt.Errorf("failed to count inquiries: %w", err)
	}
	return count - 1, nil
}

// Window returns the configured lookback.
func (s *Service) Window() time.Duration {
	return s.window
}

func key(clientID string) string {
	return "inquiries:" + clientID
}
