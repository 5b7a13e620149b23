// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the full core configuration. Every numeric threshold has a
// code default and can be overridden from the environment.
type Config struct {
	RedisHost          string
	RedisPort          int
	RedisSecondaryHost string
	RedisSecondaryPort int
	DatabaseURL        string // journal database path
	ReportPath         string
	OpsAddr            string
	LogLevel           string
	LogPretty          bool

	Symbol      string
	MorphicMode string
	ChaosMode   bool
	TenantID    string
	ClientID    string
	Tenants     []string // active tenants; TenantID is always included

	Runtime   RuntimeConfig
	Pipeline  PipelineConfig
	Capital   CapitalConfig
	Execution ExecutionConfig
	Health    HealthConfig
	Failover  FailoverConfig
	Session   SessionConfig
	RateLimit RateLimitConfig
	Kyc       KycConfig
	Guards    GuardsConfig
	Chaos     ChaosConfig
	Drift     DriftConfig
	Indicator IndicatorConfig
	Archive   ArchiveConfig
}

// RuntimeConfig bounds every worker's loops.
type RuntimeConfig struct {
	MaxTickDuration    time.Duration // deadline per tick and per message handler
	ShutdownDeadline   time.Duration // global drain window
	RestartBackoff     time.Duration // wait before a failed worker exits
	SubscriptionBuffer int           // bounded queue depth per subscription
}

// PipelineConfig holds the stage thresholds.
type PipelineConfig struct {
	NoiseWindow          time.Duration
	AlignmentWindow      time.Duration
	MinSignalsAligned    int
	CapitalMultiplier    float64
	CapitalMultiplierCap float64
	WHistory             float64
	WModel               float64
	TrustThreshold       float64
	CollisionWindow      time.Duration
	MaxPositionSize      float64
	WindowEnabled        bool   // context-window stage on/off
	TradingHoursStart    int    // hour of day, tenant-local
	TradingHoursEnd      int    // hour of day, tenant-local
	TradingTimezone      string // IANA name, defaults to UTC
}

// CapitalConfig holds allocation and drawdown policy.
type CapitalConfig struct {
	MinFraction           float64 // per-strategy clamp floor
	MaxFraction           float64 // per-strategy clamp ceiling
	MaxLeverage           float64
	VolatilityK           float64 // scaler coefficient
	LossCountThreshold    int
	CapitalRemovalPercent float64
	MaxDrawdown           float64
	LiquidationProtection bool
	InitialEquity         float64
	OptimizerWindow       time.Duration // trailing window for the hourly re-run
}

// ExecutionConfig holds post-trade thresholds.
type ExecutionConfig struct {
	MaxRetriesPerOrder int
	RetryDelay         time.Duration
	SlippageThreshold  float64 // |executed-expected|/expected
	PhantomLookback    time.Duration
}

// HealthConfig holds scoring and restart policy.
type HealthConfig struct {
	HeartbeatInterval time.Duration
	MonitorInterval   time.Duration
	ScoreThreshold    float64 // below this a restart is requested
	CanaryAfter       int     // consecutive triggers
	RetireAfter       int     // escalations
	MaxRetries        int     // restart queue budget per module
	RestartDelay      time.Duration
	MemoryLimitMB     float64 // growth indicator reference
	CPULimitPercent   float64
	DegradedModules   int // state machine enters Degraded at this many violations
	SweepInterval     time.Duration
	SweepClamp        time.Duration // TTL applied to transient keys found without one
}

// FailoverConfig holds region failover probing.
type FailoverConfig struct {
	CheckInterval     time.Duration
	ExternalHealthURL string
}

// SessionConfig holds PnL session accounting.
type SessionConfig struct {
	ReserveBufferPct  float64
	CommanderPoolPct  float64
	OvernightBasePct  float64
	CloseSpec         string // cron spec for session end
}

// RateLimitConfig holds the per-tenant limiter.
type RateLimitConfig struct {
	PerSecond  float64
	Burst      int
	GateWindow time.Duration // outbound traffic gated this long on overshoot
}

// KycConfig holds the compliance filter's restricted lists. Entries are
// colon-joined: "BTCUSDT:US" blocks the pair, "MARGINTOKEN:2" requires tier 2.
type KycConfig struct {
	RestrictedPairs     []string
	RestrictedAssets    []string
	DefaultJurisdiction string // assumed when a client has no jurisdiction key
	DefaultTier         int    // assumed when a client has no tier key
}

// GuardsConfig holds kill-switch thresholds.
type GuardsConfig struct {
	PanicVolatility  float64 // hibernate when volatility above this ...
	PanicDrawdown    float64 // ... and drawdown below this
	CrashDropPercent float64 // market crash trigger
	CrashWindow      time.Duration
	NewsBlockWindow  time.Duration
}

// ChaosConfig holds the chaos monitor and the failure-injection gate.
type ChaosConfig struct {
	SampleInterval time.Duration
	ScoreThreshold float64
	SizeReduction  float64 // directive: multiply trade size by this
	ArmProbability float64 // sticky per-module failure chance when CHAOS_MODE=on
}

// DriftConfig holds the config drift guard.
type DriftConfig struct {
	Policy    string // "pause" or "readonly"
	CheckSpec string // cron spec for the digest comparison
}

// IndicatorConfig holds the indicator producer's sampling policy.
type IndicatorConfig struct {
	Interval time.Duration // publish cadence
	TTL      time.Duration // expiry on indicator keys, 5-60s
	Window   int           // retained price samples per symbol
}

// ArchiveConfig holds the S3-compatible report archive target.
type ArchiveConfig struct {
	Enabled   bool
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	reportPath := getEnv("REPORT_PATH", "reports")
	absReportPath, err := filepath.Abs(reportPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve report path: %w", err)
	}
	if err := os.MkdirAll(absReportPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}

	cfg := &Config{
		RedisHost:          getEnv("REDIS_HOST", "localhost"),
		RedisPort:          getEnvAsInt("REDIS_PORT", 6379),
		RedisSecondaryHost: getEnv("REDIS_SECONDARY_HOST", ""),
		RedisSecondaryPort: getEnvAsInt("REDIS_SECONDARY_PORT", 6379),
		DatabaseURL:        getEnv("DATABASE_URL", "titan.db"),
		ReportPath:         absReportPath,
		OpsAddr:            getEnv("OPS_ADDR", ":8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogPretty:          getEnvAsBool("LOG_PRETTY", false),

		Symbol:      getEnv("SYMBOL", "BTCUSDT"),
		MorphicMode: getEnv("MORPHIC_MODE", "default"),
		ChaosMode:   getEnv("CHAOS_MODE", "off") == "on",
		TenantID:    getEnv("TENANT_ID", "prod"),
		ClientID:    getEnv("CLIENT_ID", ""),

		Runtime: RuntimeConfig{
			MaxTickDuration:    getEnvAsDuration("MAX_TICK_DURATION", 10*time.Second),
			ShutdownDeadline:   getEnvAsDuration("SHUTDOWN_DEADLINE", 30*time.Second),
			RestartBackoff:     getEnvAsDuration("RESTART_BACKOFF", 5*time.Second),
			SubscriptionBuffer: getEnvAsInt("SUBSCRIPTION_BUFFER", 256),
		},
		Pipeline: PipelineConfig{
			NoiseWindow:          getEnvAsDuration("NOISE_WINDOW", 2*time.Second),
			AlignmentWindow:      getEnvAsDuration("ALIGNMENT_WINDOW", 10*time.Second),
			MinSignalsAligned:    getEnvAsInt("MIN_SIGNALS_ALIGNED", 3),
			CapitalMultiplier:    getEnvAsFloat("CAPITAL_MULTIPLIER", 1.5),
			CapitalMultiplierCap: getEnvAsFloat("CAPITAL_MULTIPLIER_CAP", 2.0),
			WHistory:             getEnvAsFloat("W_HISTORY", 0.6),
			WModel:               getEnvAsFloat("W_MODEL", 0.4),
			TrustThreshold:       getEnvAsFloat("TRUSTWORTHINESS_THRESHOLD", 0.55),
			CollisionWindow:      getEnvAsDuration("COLLISION_WINDOW", time.Second),
			MaxPositionSize:      getEnvAsFloat("MAX_POSITION_SIZE", 10.0),
			WindowEnabled:        getEnvAsBool("CONTEXT_WINDOW_ENABLED", false),
			TradingHoursStart:    getEnvAsInt("TRADING_HOURS_START", 0),
			TradingHoursEnd:      getEnvAsInt("TRADING_HOURS_END", 24),
			TradingTimezone:      getEnv("TRADING_TIMEZONE", "UTC"),
		},
		Capital: CapitalConfig{
			MinFraction:           getEnvAsFloat("CAPITAL_MIN_FRACTION", 0.05),
			MaxFraction:           getEnvAsFloat("CAPITAL_MAX_FRACTION", 0.30),
			MaxLeverage:           getEnvAsFloat("MAX_LEVERAGE", 5.0),
			VolatilityK:           getEnvAsFloat("VOLATILITY_K", 0.5),
			LossCountThreshold:    getEnvAsInt("LOSS_COUNT_THRESHOLD", 3),
			CapitalRemovalPercent: getEnvAsFloat("CAPITAL_REMOVAL_PERCENT", 0.70),
			MaxDrawdown:           getEnvAsFloat("MAX_DRAWDOWN", 0.25),
			LiquidationProtection: getEnvAsBool("LIQUIDATION_PROTECTION_ENABLED", true),
			InitialEquity:         getEnvAsFloat("INITIAL_EQUITY", 100000),
			OptimizerWindow:       getEnvAsDuration("OPTIMIZER_WINDOW", 24*time.Hour),
		},
		Execution: ExecutionConfig{
			MaxRetriesPerOrder: getEnvAsInt("MAX_RETRIES_PER_ORDER", 3),
			RetryDelay:         getEnvAsDuration("RETRY_DELAY", 2*time.Second),
			SlippageThreshold:  getEnvAsFloat("SLIPPAGE_THRESHOLD", 0.01),
			PhantomLookback:    getEnvAsDuration("PHANTOM_LOOKBACK", 5*time.Minute),
		},
		Health: HealthConfig{
			HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 5*time.Second),
			MonitorInterval:   getEnvAsDuration("HEALTH_MONITOR_INTERVAL", 30*time.Second),
			ScoreThreshold:    getEnvAsFloat("HEALTH_SCORE_THRESHOLD", 0.5),
			CanaryAfter:       getEnvAsInt("HEALTH_CANARY_AFTER", 3),
			RetireAfter:       getEnvAsInt("HEALTH_RETIRE_AFTER", 5),
			MaxRetries:        getEnvAsInt("MAX_RETRIES", 3),
			RestartDelay:      getEnvAsDuration("RESTART_DELAY", 10*time.Second),
			MemoryLimitMB:     getEnvAsFloat("HEALTH_MEMORY_LIMIT_MB", 512),
			CPULimitPercent:   getEnvAsFloat("HEALTH_CPU_LIMIT_PERCENT", 80),
			DegradedModules:   getEnvAsInt("HEALTH_DEGRADED_MODULES", 3),
			SweepInterval:     getEnvAsDuration("TTL_SWEEP_INTERVAL", time.Minute),
			SweepClamp:        getEnvAsDuration("TTL_SWEEP_CLAMP", time.Minute),
		},
		Failover: FailoverConfig{
			CheckInterval:     getEnvAsDuration("FAILOVER_CHECK_INTERVAL", 5*time.Second),
			ExternalHealthURL: getEnv("EXTERNAL_HEALTH_URL", ""),
		},
		Session: SessionConfig{
			ReserveBufferPct: getEnvAsFloat("PROFIT_RESERVE_BUFFER_PCT", 0.50),
			CommanderPoolPct: getEnvAsFloat("PROFIT_COMMANDER_POOL_PCT", 0.30),
			OvernightBasePct: getEnvAsFloat("PROFIT_OVERNIGHT_BASE_PCT", 0.20),
			CloseSpec:        getEnv("SESSION_CLOSE_SPEC", "0 0 * * *"),
		},
		RateLimit: RateLimitConfig{
			PerSecond:  getEnvAsFloat("TENANT_RATE_PER_SECOND", 50),
			Burst:      getEnvAsInt("TENANT_RATE_BURST", 100),
			GateWindow: getEnvAsDuration("TENANT_RATE_GATE_WINDOW", 30*time.Second),
		},
		Kyc: KycConfig{
			RestrictedPairs:     splitList(getEnv("KYC_RESTRICTED_PAIRS", "")),
			RestrictedAssets:    splitList(getEnv("KYC_RESTRICTED_ASSETS", "")),
			DefaultJurisdiction: getEnv("KYC_DEFAULT_JURISDICTION", ""),
			DefaultTier:         getEnvAsInt("KYC_DEFAULT_TIER", 0),
		},
		Guards: GuardsConfig{
			PanicVolatility:  getEnvAsFloat("PANIC_VOLATILITY", 0.10),
			PanicDrawdown:    getEnvAsFloat("PANIC_DRAWDOWN", -0.50),
			CrashDropPercent: getEnvAsFloat("CRASH_DROP_PERCENT", 0.15),
			CrashWindow:      getEnvAsDuration("CRASH_WINDOW", 10*time.Minute),
			NewsBlockWindow:  getEnvAsDuration("NEWS_BLOCK_WINDOW", 15*time.Minute),
		},
		Chaos: ChaosConfig{
			SampleInterval: getEnvAsDuration("CHAOS_SAMPLE_INTERVAL", 30*time.Second),
			ScoreThreshold: getEnvAsFloat("CHAOS_SCORE_THRESHOLD", 0.8),
			SizeReduction:  getEnvAsFloat("CHAOS_SIZE_REDUCTION", 0.5),
			ArmProbability: getEnvAsFloat("CHAOS_ARM_PROBABILITY", 0.05),
		},
		Drift: DriftConfig{
			Policy:    getEnv("DRIFT_POLICY", "readonly"),
			CheckSpec: getEnv("DRIFT_CHECK_SPEC", "0 * * * *"),
		},
		Indicator: IndicatorConfig{
			Interval: getEnvAsDuration("INDICATOR_INTERVAL", 5*time.Second),
			TTL:      getEnvAsDuration("INDICATOR_TTL", 30*time.Second),
			Window:   getEnvAsInt("INDICATOR_WINDOW", 256),
		},
		Archive: ArchiveConfig{
			Enabled:   getEnvAsBool("ARCHIVE_ENABLED", false),
			Bucket:    getEnv("ARCHIVE_BUCKET", ""),
			Endpoint:  getEnv("ARCHIVE_ENDPOINT", ""),
			Region:    getEnv("ARCHIVE_REGION", "auto"),
			AccessKey: getEnv("ARCHIVE_ACCESS_KEY", ""),
			SecretKey: getEnv("ARCHIVE_SECRET_KEY", ""),
			Prefix:    getEnv("ARCHIVE_PREFIX", "titan"),
		},
	}

	cfg.Tenants = splitList(getEnv("TENANTS", cfg.TenantID))
	if !contains(cfg.Tenants, cfg.TenantID) {
		cfg.Tenants = append(cfg.Tenants, cfg.TenantID)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints that would otherwise surface as
// confusing behavior deep inside a worker.
func (c *Config) Validate() error {
	if c.Capital.MinFraction <= 0 || c.Capital.MaxFraction > 1 ||
		c.Capital.MinFraction >= c.Capital.MaxFraction {
		return fmt.Errorf("capital fraction clamp invalid: [%v, %v]",
			c.Capital.MinFraction, c.Capital.MaxFraction)
	}
	split := c.Session.ReserveBufferPct + c.Session.CommanderPoolPct + c.Session.OvernightBasePct
	if split < 0.999 || split > 1.001 {
		return fmt.Errorf("profit split must sum to 1.0, got %v", split)
	}
	if c.Drift.Policy != "pause" && c.Drift.Policy != "readonly" {
		return fmt.Errorf("unknown drift policy %q", c.Drift.Policy)
	}
	if c.Pipeline.WHistory+c.Pipeline.WModel <= 0 {
		return fmt.Errorf("trust weights must not both be zero")
	}
	if c.Indicator.TTL < 5*time.Second || c.Indicator.TTL > 60*time.Second {
		return fmt.Errorf("indicator ttl %v outside the 5s-60s transient band", c.Indicator.TTL)
	}
	return nil
}

// RedisAddr returns host:port for the primary bus.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// RedisSecondaryAddr returns host:port for the secondary bus, or "" when no
// secondary is configured.
func (c *Config) RedisSecondaryAddr() string {
	if c.RedisSecondaryHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.RedisSecondaryHost, c.RedisSecondaryPort)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
