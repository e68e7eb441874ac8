package retry

import (
	"context"
	"errors"
	"testing"
)

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Options{Attempts: 5}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoCapExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Options{Attempts: 4}, func(ctx context.Context) error {
		calls++
		return errors.New("always failing")
	})
	if !errors.Is(err, ErrCapExhausted) {
		t.Fatalf("expected ErrCapExhausted, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected exactly 4 calls, got %d", calls)
	}
}

func TestDoContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Options{Attempts: 10}, func(ctx context.Context) error {
		t.Fatal("op must not run with a cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestUntilProbeErrorsKeepPolling(t *testing.T) {
	calls := 0
	err := Until(context.Background(), Options{Attempts: 5}, func(ctx context.Context) (bool, error) {
		calls++
		if calls < 4 {
			return false, errors.New("transient")
		}
		return true, nil
	})
	if err != nil {
		t.Fatalf("Until returned error: %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
}

func TestUntilCapExhausted(t *testing.T) {
	err := Until(context.Background(), Options{Attempts: 3}, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, ErrCapExhausted) {
		t.Fatalf("expected ErrCapExhausted, got %v", err)
	}
}

func TestOptionsNormalized(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Options{Attempts: 0, Delay: -1}, func(ctx context.Context) error {
		calls++
		return errors.New("fail")
	})
	if !errors.Is(err, ErrCapExhausted) {
		t.Fatalf("expected ErrCapExhausted, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("attempts below 1 must normalize to 1, got %d calls", calls)
	}
}
