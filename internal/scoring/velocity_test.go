package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// velocityRepo counts how often the tracker falls through to the
// repository query.
type velocityRepo struct {
	domain.Repository
	count   int64
	queries int
}

func (r *velocityRepo) CountRequestsByApplicant(ctx context.Context, tenantID, applicantID string, since time.Time) (int64, error) {
	r.queries++
	return r.count, nil
}

func TestCountServesRepeatedReadsFromSnapshot(t *testing.T) {
	repo := &velocityRepo{count: 3}
	tracker := NewTracker(repo, cache.NewLRUCache(16))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		n, err := tracker.Count(ctx, "tenant-1", "app-001", 24*time.Hour)
		if err != nil {
			t.Fatalf("count failed: %v", err)
		}
		if n != 3 {
			t.Fatalf("expected 3, got %d", n)
		}
	}
	if repo.queries != 1 {
		t.Errorf("repeated reads should hit the snapshot, got %d queries", repo.queries)
	}
}

func TestRecordInvalidatesSnapshot(t *testing.T) {
	repo := &velocityRepo{count: 1}
	tracker := NewTracker(repo, cache.NewLRUCache(16))
	ctx := context.Background()

	if n, _ := tracker.Count(ctx, "tenant-1", "app-001", 24*time.Hour); n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}

	// A new decision trigger bumps the repository count; Record must
	// drop the stale snapshot so the next read sees it.
	repo.count = 2
	tracker.Record(ctx, "tenant-1", "app-001")

	n, err := tracker.Count(ctx, "tenant-1", "app-001", 24*time.Hour)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected fresh count 2 after invalidation, got %d", n)
	}
	if repo.queries != 2 {
		t.Errorf("expected 2 repository queries, got %d", repo.queries)
	}
}

func TestCountWindowsAreIndependent(t *testing.T) {
	repo := &velocityRepo{count: 5}
	tracker := NewTracker(repo, cache.NewLRUCache(16))
	ctx := context.Background()

	tracker.Count(ctx, "tenant-1", "app-001", 24*time.Hour)
	tracker.Count(ctx, "tenant-1", "app-001", 7*24*time.Hour)

	if repo.queries != 2 {
		t.Errorf("different windows must not share a snapshot, got %d queries", repo.queries)
	}
}

func TestCountWithoutCacheQueriesRepository(t *testing.T) {
	repo := &velocityRepo{count: 4}
	tracker := NewTracker(repo, nil)

	n, err := tracker.Count(context.Background(), "tenant-1", "app-001", 24*time.Hour)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4, got %d", n)
	}
}

func TestCountRejectsEmptyIdentifiers(t *testing.T) {
	tracker := NewTracker(&velocityRepo{}, nil)
	if _, err := tracker.Count(context.Background(), "", "app-001", 24*time.Hour); err == nil {
		t.Error("empty tenant must be rejected")
	}
	if _, err := tracker.Count(context.Background(), "tenant-1", "", 24*time.Hour); err == nil {
		t.Error("empty applicant must be rejected")
	}
}
