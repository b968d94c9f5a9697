package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetApplicantProfile retrieves a cached applicant snapshot.
	GetApplicantProfile(ctx context.Context, tenantID string, applicantID string) (*ProfileCache, error)

	// SetApplicantProfile caches an applicant snapshot used by the
	// request intake hot path.
	SetApplicantProfile(ctx context.Context, tenantID string, applicantID string, data *ProfileCache, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used for request velocity windows (count per applicant per window).
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ProfileCache is the applicant snapshot kept hot for request intake.
type ProfileCache struct {
	ApplicantID     string          `json:"applicantId"`
	GrossSalary     decimal.Decimal `json:"grossSalary"`
	NetSalary       decimal.Decimal `json:"netSalary"`
	EmployerType    EmployerType    `json:"employerType"`
	AvailableMargin decimal.Decimal `json:"availableMargin"`
	Country         string          `json:"country"`
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
