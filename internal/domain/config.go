package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines infrastructure backends
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Thresholds holds every tunable decision/reconciliation/monitor
	// threshold. Components take it explicitly so values are testable
	// and environment-tunable rather than hard-coded.
	Thresholds Thresholds `json:"thresholds"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds

	// RateLimitPerMin caps requests per tenant per minute. Zero
	// disables the limiter.
	RateLimitPerMin int `json:"rateLimitPerMin"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + in-process channels + LRU cache.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis.
	TierPro Tier = "pro"
)

// Thresholds are the tunable limits of the decision and settlement engine.
type Thresholds struct {
	// Decision aggregation
	AutoApproveCeiling       decimal.Decimal `json:"autoApproveCeiling"`
	MinAutoApproveScore      int             `json:"minAutoApproveScore"`
	MinAutoApproveFraudScore int             `json:"minAutoApproveFraudScore"`
	HardRejectScore          int             `json:"hardRejectScore"`
	HardRejectFraudScore     int             `json:"hardRejectFraudScore"`

	// Credit scoring component weights. Must sum to 1.0.
	WeightPaymentHistory float64 `json:"weightPaymentHistory"`
	WeightVelocity       float64 `json:"weightVelocity"`
	WeightStability      float64 `json:"weightStability"`
	WeightDocuments      float64 `json:"weightDocuments"`

	// Fraud penalties (deducted from the 100 trust baseline)
	PenaltyVelocityAbuse    int `json:"penaltyVelocityAbuse"`
	PenaltyUntrustedDevice  int `json:"penaltyUntrustedDevice"`
	PenaltyForeignIP        int `json:"penaltyForeignIP"`
	PenaltyGeoDistance      int `json:"penaltyGeoDistance"`
	PenaltyRejectedDocument int `json:"penaltyRejectedDocument"`
	PenaltyBlacklist        int `json:"penaltyBlacklist"`

	// GeoDistanceKm is the registered-address distance beyond which the
	// geolocation penalty applies.
	GeoDistanceKm float64 `json:"geoDistanceKm"`

	// ExpectedCountry for client IP geolocation, ISO 3166-1 alpha-2.
	ExpectedCountry string `json:"expectedCountry"`

	// Reconciliation
	VariancePct     decimal.Decimal `json:"variancePercentage"`
	AmountTolerance decimal.Decimal `json:"amountTolerance"`

	// Monitoring
	RejectionSpikeMultiplier float64         `json:"rejectionSpikeMultiplier"`
	RejectionSpikeFloor      float64         `json:"rejectionSpikeFloor"`
	DelinquencyRatio         float64         `json:"delinquencyRatio"`
	SLAHours                 int             `json:"slaHours"`
	SLABacklog               int             `json:"slaBacklog"`
	IssueBacklogCount        int             `json:"issueBacklogCount"`
	IssueBacklogAmount       decimal.Decimal `json:"issueBacklogAmount"`
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AutoApproveCeiling:       decimal.NewFromInt(5000),
		MinAutoApproveScore:      75,
		MinAutoApproveFraudScore: 70,
		HardRejectScore:          40,
		HardRejectFraudScore:     30,

		WeightPaymentHistory: 0.40,
		WeightVelocity:       0.20,
		WeightStability:      0.25,
		WeightDocuments:      0.15,

		PenaltyVelocityAbuse:    30,
		PenaltyUntrustedDevice:  15,
		PenaltyForeignIP:        40,
		PenaltyGeoDistance:      20,
		PenaltyRejectedDocument: 25,
		PenaltyBlacklist:        50,
		GeoDistanceKm:           500,
		ExpectedCountry:         "BR",

		VariancePct:     decimal.NewFromInt(5),
		AmountTolerance: decimal.NewFromFloat(0.01),

		RejectionSpikeMultiplier: 1.5,
		RejectionSpikeFloor:      0.15,
		DelinquencyRatio:         0.10,
		SLAHours:                 48,
		SLABacklog:               5,
		IssueBacklogCount:        20,
		IssueBacklogAmount:       decimal.NewFromInt(500000),
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30,
			WriteTimeout:    30,
			RateLimitPerMin: 600,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Thresholds: DefaultThresholds(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
