package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryCacheRecordAndSeen(t *testing.T) {
	cache := NewMemoryCache(time.Hour)
	defer func() { _ = cache.Close() }()
	ctx := context.Background()

	id := uuid.New()
	seen, err := cache.Seen(ctx, id)
	if err != nil {
		t.Fatalf("Seen() error = %v", err)
	}
	if seen {
		t.Fatal("fresh id should be unseen")
	}

	if err := cache.Record(ctx, id); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	seen, err = cache.Seen(ctx, id)
	if err != nil {
		t.Fatalf("Seen() error = %v", err)
	}
	if !seen {
		t.Fatal("recorded id should be seen")
	}
}

func TestMemoryCacheWindowExpiry(t *testing.T) {
	cache := NewMemoryCache(time.Hour)
	defer func() { _ = cache.Close() }()
	ctx := context.Background()

	current := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return current }

	id := uuid.New()
	if err := cache.Record(ctx, id); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	current = current.Add(30 * time.Minute)
	if seen, _ := cache.Seen(ctx, id); !seen {
		t.Error("id should still be seen inside the window")
	}

	current = current.Add(45 * time.Minute)
	if seen, _ := cache.Seen(ctx, id); seen {
		t.Error("id should expire after the window")
	}
}

func TestMemoryCacheRecordKeepsFirstSeen(t *testing.T) {
	cache := NewMemoryCache(time.Hour)
	defer func() { _ = cache.Close() }()
	ctx := context.Background()

	current := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return current }

	id := uuid.New()
	_ = cache.Record(ctx, id)

	// A second record half way through must not restart the window.
	current = current.Add(40 * time.Minute)
	_ = cache.Record(ctx, id)

	current = current.Add(30 * time.Minute)
	if seen, _ := cache.Seen(ctx, id); seen {
		t.Error("window must run from the first record")
	}
}

func TestMemoryCacheEviction(t *testing.T) {
	cache := NewMemoryCache(time.Hour)
	defer func() { _ = cache.Close() }()
	ctx := context.Background()

	current := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return current }

	for i := 0; i < 10; i++ {
		_ = cache.Record(ctx, uuid.New())
	}
	current = current.Add(2 * time.Hour)
	cache.evictExpired()

	if cache.Len() != 0 {
		t.Errorf("expected empty cache after eviction, got %d entries", cache.Len())
	}
}
