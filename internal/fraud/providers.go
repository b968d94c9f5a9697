package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// GeoLocation is what the geolocation provider resolves for a client IP.
type GeoLocation struct {
	Country string
	// DistanceKm from the applicant's registered address. Negative when
	// the provider cannot compute it.
	DistanceKm float64
}

// GeoProvider resolves a client IP. Implementations call out to an
// external service; the evaluator bounds every call with a timeout and
// treats failures as neutral.
type GeoProvider interface {
	Locate(ctx context.Context, ip string) (*GeoLocation, error)
}

// BlacklistProvider answers whether a tax identifier is on a fraud
// blacklist.
type BlacklistProvider interface {
	IsBlacklisted(ctx context.Context, tenantID, taxID string) (bool, error)
}

// DeviceRegistry tracks device fingerprints per applicant. A fingerprint
// never seen before is untrusted until registered.
type DeviceRegistry interface {
	Known(ctx context.Context, tenantID, applicantID, fingerprint string) (bool, error)
	Register(ctx context.Context, tenantID, applicantID, fingerprint string) error
}

// CacheBlacklist reads the blacklist from the shared cache, where an
// external ingestion job maintains blacklist:<taxID> entries.
type CacheBlacklist struct {
	cache domain.Cache
}

// NewCacheBlacklist creates a cache-backed blacklist provider.
func NewCacheBlacklist(cache domain.Cache) *CacheBlacklist {
	return &CacheBlacklist{cache: cache}
}

func (b *CacheBlacklist) IsBlacklisted(ctx context.Context, tenantID, taxID string) (bool, error) {
	if taxID == "" {
		return false, nil
	}
	value, err := b.cache.Get(ctx, tenantID, "blacklist:"+taxID)
	if err != nil {
		return false, err
	}
	return value != nil, nil
}

// StaticBlacklist is a fixed in-memory blacklist, useful for small
// deployments and tests.
type StaticBlacklist struct {
	taxIDs map[string]struct{}
}

// NewStaticBlacklist creates a blacklist from a fixed set of tax IDs.
func NewStaticBlacklist(taxIDs []string) *StaticBlacklist {
	set := make(map[string]struct{}, len(taxIDs))
	for _, id := range taxIDs {
		set[id] = struct{}{}
	}
	return &StaticBlacklist{taxIDs: set}
}

func (b *StaticBlacklist) IsBlacklisted(_ context.Context, _ string, taxID string) (bool, error) {
	_, ok := b.taxIDs[taxID]
	return ok, nil
}

// CacheDeviceRegistry keeps seen fingerprints in the shared cache.
type CacheDeviceRegistry struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewCacheDeviceRegistry creates a cache-backed device registry.
func NewCacheDeviceRegistry(cache domain.Cache, ttl time.Duration) *CacheDeviceRegistry {
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}
	return &CacheDeviceRegistry{cache: cache, ttl: ttl}
}

func deviceKey(applicantID, fingerprint string) string {
	return fmt.Sprintf("device:%s:%s", applicantID, fingerprint)
}

func (r *CacheDeviceRegistry) Known(ctx context.Context, tenantID, applicantID, fingerprint string) (bool, error) {
	value, err := r.cache.Get(ctx, tenantID, deviceKey(applicantID, fingerprint))
	if err != nil {
		return false, err
	}
	return value != nil, nil
}

func (r *CacheDeviceRegistry) Register(ctx context.Context, tenantID, applicantID, fingerprint string) error {
	return r.cache.Set(ctx, tenantID, deviceKey(applicantID, fingerprint), []byte("1"), r.ttl)
}
