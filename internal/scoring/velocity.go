package scoring

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// CountFunc returns how many requests an applicant created inside a
// trailing window. Shared with the fraud evaluator.
type CountFunc func(ctx context.Context, tenantID, applicantID string, window time.Duration) (int64, error)

// countSnapshotTTL bounds how stale a cached window count may get. The
// cache is invalidated on every decision trigger, so the TTL only
// matters for requests created outside this process.
const countSnapshotTTL = 30 * time.Second

// Tracker measures request velocity per applicant. The repository is
// the source of truth; the cache holds a short-lived snapshot of each
// window count so repeated reads inside one decision skip the query.
type Tracker struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewTracker creates a velocity tracker.
func NewTracker(repo domain.Repository, cache domain.Cache) *Tracker {
	return &Tracker{repo: repo, cache: cache}
}

// Record invalidates the cached window counts for an applicant. Called
// on every decision trigger so the next Count sees the new request.
// Cache errors are ignored; a stale snapshot expires on its own.
func (t *Tracker) Record(ctx context.Context, tenantID, applicantID string) {
	if t.cache == nil {
		return
	}
	for _, window := range []time.Duration{24 * time.Hour, 7 * 24 * time.Hour} {
		t.cache.Delete(ctx, tenantID, velocityKey(applicantID, window))
	}
}

// Count returns the number of requests in the trailing window, served
// from the cached snapshot when one exists.
func (t *Tracker) Count(ctx context.Context, tenantID, applicantID string, window time.Duration) (int64, error) {
	if tenantID == "" || applicantID == "" {
		return 0, fmt.Errorf("tenantID and applicantID are required")
	}

	key := velocityKey(applicantID, window)
	if t.cache != nil {
		if raw, err := t.cache.Get(ctx, tenantID, key); err == nil && raw != nil {
			if n, perr := strconv.ParseInt(string(raw), 10, 64); perr == nil {
				return n, nil
			}
		}
	}

	since := time.Now().Add(-window)
	count, err := t.repo.CountRequestsByApplicant(ctx, tenantID, applicantID, since)
	if err != nil {
		return 0, err
	}

	if t.cache != nil {
		t.cache.Set(ctx, tenantID, key, []byte(strconv.FormatInt(count, 10)), countSnapshotTTL)
	}
	return count, nil
}

func velocityKey(applicantID string, window time.Duration) string {
	return fmt.Sprintf("velocity:%s:%ds", applicantID, int(window.Seconds()))
}
