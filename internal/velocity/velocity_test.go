package velocity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
)

func TestVelocityService(t *testing.T) {
	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	svc := NewService(lruCache, time.Hour)
	ctx := context.Background()

	t.Run("FirstInquiry", func(t *testing.T) {
		count, err := svc.RecordInquiry(ctx, "client-001")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected 0 earlier inquiries, got %d", count)
		}
	})

	t.Run("RepeatedInquiries", func(t *testing.T) {
		var last int64
		for i := 0; i < 4; i++ {
			count, err := svc.RecordInquiry(ctx, "client-002")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			last = count
		}
		if last != 3 {
			t.Errorf("expected 3 earlier inquiries, got %d", last)
		}
	})

	t.Run("ClientsAreIndependent", func(t *testing.T) {
		count, err := svc.RecordInquiry(ctx, "client-003")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected 0 for a new client, got %d", count)
		}
	})

	t.Run("EmptyClientID", func(t *testing.T) {
		if _, err := svc.RecordInquiry(ctx, ""); err == nil {
			t.Error("expected error for empty clientID")
		}
	})
}

func TestVelocityWindowExpiry(t *testing.T) {
	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	svc := NewService(lruCache, 20*time.Millisecond)
	ctx := context.Background()

	svc.RecordInquiry(ctx, "client-win")
	svc.RecordInquiry(ctx, "client-win")
	time.Sleep(40 * time.Millisecond)

	count, err := svc.RecordInquiry(ctx, "client-win")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("expected window to reset, got %d", count)
	}
}

func TestVelocityConcurrent(t *testing.T) {
	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	svc := NewService(lruCache, time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.RecordInquiry(ctx, "client-busy")
		}()
	}
	wg.Wait()

	count, _ := svc.RecordInquiry(ctx, "client-busy")
	if count != 50 {
		t.Errorf("expected 50 earlier inquiries, got %d", count)
	}
}

type failingCounter struct{ *cache.LRUCache }

func (failingCounter) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	return 0, errors.New("redis unavailable")
}

func TestVelocityCounterFailure(t *testing.T) {
	svc := NewService(failingCounter{cache.NewLRUCache(1)}, 0)
	if svc.Window() != DefaultWindow {
		t.Errorf("expected default window, got %s", svc.Window())
	}
	if _, err := svc.RecordInquiry(context.Background(), "client-x"); err == nil {
		t.Error("expected counter failure to surface")
	}
}
