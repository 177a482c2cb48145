// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for databases, archives and logs (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	Strategy   StrategyConfig
	Translator TranslatorConfig
	Solver     SolverConfig
	Breaker    BreakerConfig
	Backtest   BacktestConfig
	Safety     SafetyConfig
	Ledger     LedgerConfig

	// MetricsFeedURL is the WebSocket endpoint publishing live/shadow metric
	// ticks for the safety gate. Empty disables the feed subscriber.
	MetricsFeedURL string

	// PolicyURL is the external policy engine endpoint consulted before
	// canary promotions. Empty means promotions are allowed locally.
	PolicyURL string
}

// StrategyConfig selects and parameterizes the score model
type StrategyConfig struct {
	Model          string // "momentum", "trend" or "blend"
	MomentumWindow int
	TrendWindow    int
	BlendMomentum  float64 // Momentum weight inside the blend (trend gets 1-x)
}

// TranslatorConfig holds objective-translation parameters
type TranslatorConfig struct {
	Alpha         float64 // Return weight
	Beta          float64 // Risk-aversion weight
	Normalization string  // "zscore" or "minmax"
	LongOnly      bool
	UseCovariance bool
}

// SolverConfig holds parameters shared by the solver variants
type SolverConfig struct {
	TopN           int     // Pre-filter size for the combinatorial variant (3-6)
	MaxAssets      int     // Cardinality bound
	MinAssets      int     // Diversification floor
	MaxAssetWeight float64 // Per-asset weight cap
	Budget         float64 // Weight sum budget
	QuadWeight     float64 // Weight of the wᵀΣw term when covariance is present

	// Annealer parameters (combinatorial variant)
	Shots       int
	Sweeps      int
	InitialTemp float64
	CoolingRate float64
}

// BreakerConfig holds fallback circuit-breaker thresholds
type BreakerConfig struct {
	LatencyThresholdMS  float64
	NoiseThreshold      float64
	WindowSize          int // Rolling observation window (invocations)
	BreachLimit         int // Breaches within window that open the breaker
	CooldownInvocations int // Invocations to wait before a half-open probe
	MaxCooldown         int // Backoff cap for the doubled cooldown
	ObjectiveTolerance  float64
	SolveTimeout        time.Duration // Hard timeout on a combinatorial attempt
}

// BacktestConfig holds harness defaults
type BacktestConfig struct {
	InitialCapital     float64
	FeePct             float64
	SlippagePct        float64
	DepthProxy         float64 // Order-book depth proxy for size-dependent slippage
	SlippageJitter     float64 // Fraction of seeded jitter on slippage (0 disables)
	WarmupEpochs       int
	FitWindow          int // Walk-forward fit window length
	EvalWindow         int // Walk-forward evaluation window length
	BootstrapResamples int
	RunTimeout         time.Duration
}

// SafetyConfig holds kill-switch and canary gating thresholds
type SafetyConfig struct {
	SoftDriftPct      float64 // PnL drift vs shadow baseline triggering SoftLimit
	HardDriftPct      float64
	SustainedBreaches int // Soft breaches in a row that escalate to HardHalt
	EmergencyDrawdown float64
	CanaryWindowTicks int // Window-complete ticks required per canary step
	MetricMaxAge      time.Duration
	Shadow            bool // Shadow mode: Emergency flags instead of flattening
}

// LedgerConfig holds run-ledger persistence and archival settings
type LedgerConfig struct {
	SigningKeyPath     string // Ed25519 private key (PEM-less raw seed file); empty disables signing
	ArchiveBucket      string // S3/R2 bucket for ledger archives; empty disables archival
	ArchiveEndpoint    string // Custom S3 endpoint (R2-style); empty uses AWS default
	ArchiveRegion      string
	ArchiveAccessKeyID string // Static credentials; empty falls back to the ambient AWS chain
	ArchiveSecretKey   string
	RetainArchives     int // Number of archives to keep remotely
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory, resolve to absolute, ensure it exists
	dataDir := getEnv("HELMSMAN_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("GO_PORT", 8001),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		Strategy: StrategyConfig{
			Model:          getEnv("STRATEGY_MODEL", "blend"),
			MomentumWindow: getEnvAsInt("STRATEGY_MOMENTUM_WINDOW", 5),
			TrendWindow:    getEnvAsInt("STRATEGY_TREND_WINDOW", 7),
			BlendMomentum:  getEnvAsFloat("STRATEGY_BLEND_MOMENTUM", 0.5),
		},

		Translator: TranslatorConfig{
			Alpha:         getEnvAsFloat("TRANSLATOR_ALPHA", 1.0),
			Beta:          getEnvAsFloat("TRANSLATOR_BETA", 0.5),
			Normalization: getEnv("TRANSLATOR_NORMALIZATION", "zscore"),
			LongOnly:      getEnvAsBool("TRANSLATOR_LONG_ONLY", true),
			UseCovariance: getEnvAsBool("TRANSLATOR_USE_COVARIANCE", true),
		},

		Solver: SolverConfig{
			TopN:           getEnvAsInt("SOLVER_TOP_N", 3),
			MaxAssets:      getEnvAsInt("SOLVER_MAX_ASSETS", 2),
			MinAssets:      getEnvAsInt("SOLVER_MIN_ASSETS", 1),
			MaxAssetWeight: getEnvAsFloat("SOLVER_MAX_ASSET_WEIGHT", 0.6),
			Budget:         getEnvAsFloat("SOLVER_BUDGET", 1.0),
			QuadWeight:     getEnvAsFloat("SOLVER_QUAD_WEIGHT", 0.5),
			Shots:          getEnvAsInt("SOLVER_SHOTS", 256),
			Sweeps:         getEnvAsInt("SOLVER_SWEEPS", 400),
			InitialTemp:    getEnvAsFloat("SOLVER_INITIAL_TEMP", 1.0),
			CoolingRate:    getEnvAsFloat("SOLVER_COOLING_RATE", 0.97),
		},

		Breaker: BreakerConfig{
			LatencyThresholdMS:  getEnvAsFloat("BREAKER_LATENCY_THRESHOLD_MS", 250),
			NoiseThreshold:      getEnvAsFloat("BREAKER_NOISE_THRESHOLD", 0.35),
			WindowSize:          getEnvAsInt("BREAKER_WINDOW_SIZE", 20),
			BreachLimit:         getEnvAsInt("BREAKER_BREACH_LIMIT", 5),
			CooldownInvocations: getEnvAsInt("BREAKER_COOLDOWN", 8),
			MaxCooldown:         getEnvAsInt("BREAKER_MAX_COOLDOWN", 64),
			ObjectiveTolerance:  getEnvAsFloat("BREAKER_OBJECTIVE_TOLERANCE", 0.10),
			SolveTimeout:        getEnvAsDuration("BREAKER_SOLVE_TIMEOUT", 2*time.Second),
		},

		Backtest: BacktestConfig{
			InitialCapital:     getEnvAsFloat("BACKTEST_INITIAL_CAPITAL", 10000),
			FeePct:             getEnvAsFloat("BACKTEST_FEE_PCT", 0.001),
			SlippagePct:        getEnvAsFloat("BACKTEST_SLIPPAGE_PCT", 0.0005),
			DepthProxy:         getEnvAsFloat("BACKTEST_DEPTH_PROXY", 1_000_000),
			SlippageJitter:     getEnvAsFloat("BACKTEST_SLIPPAGE_JITTER", 0),
			WarmupEpochs:       getEnvAsInt("BACKTEST_WARMUP_EPOCHS", 10),
			FitWindow:          getEnvAsInt("BACKTEST_FIT_WINDOW", 30),
			EvalWindow:         getEnvAsInt("BACKTEST_EVAL_WINDOW", 15),
			BootstrapResamples: getEnvAsInt("BACKTEST_BOOTSTRAP_RESAMPLES", 2000),
			RunTimeout:         getEnvAsDuration("BACKTEST_RUN_TIMEOUT", 10*time.Minute),
		},

		Safety: SafetyConfig{
			SoftDriftPct:      getEnvAsFloat("SAFETY_SOFT_DRIFT_PCT", 0.02),
			HardDriftPct:      getEnvAsFloat("SAFETY_HARD_DRIFT_PCT", 0.05),
			SustainedBreaches: getEnvAsInt("SAFETY_SUSTAINED_BREACHES", 3),
			EmergencyDrawdown: getEnvAsFloat("SAFETY_EMERGENCY_DRAWDOWN", 0.20),
			CanaryWindowTicks: getEnvAsInt("SAFETY_CANARY_WINDOW_TICKS", 12),
			MetricMaxAge:      getEnvAsDuration("SAFETY_METRIC_MAX_AGE", 90*time.Second),
			Shadow:            getEnvAsBool("SAFETY_SHADOW_MODE", true),
		},

		Ledger: LedgerConfig{
			SigningKeyPath:     getEnv("LEDGER_SIGNING_KEY_PATH", ""),
			ArchiveBucket:      getEnv("LEDGER_ARCHIVE_BUCKET", ""),
			ArchiveEndpoint:    getEnv("LEDGER_ARCHIVE_ENDPOINT", ""),
			ArchiveRegion:      getEnv("LEDGER_ARCHIVE_REGION", "auto"),
			ArchiveAccessKeyID: getEnv("LEDGER_ARCHIVE_ACCESS_KEY_ID", ""),
			ArchiveSecretKey:   getEnv("LEDGER_ARCHIVE_SECRET_KEY", ""),
			RetainArchives:     getEnvAsInt("LEDGER_RETAIN_ARCHIVES", 14),
		},

		MetricsFeedURL: getEnv("METRICS_FEED_URL", ""),
		PolicyURL:      getEnv("POLICY_URL", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configured values are internally consistent
func (c *Config) Validate() error {
	if c.Solver.TopN < c.Solver.MaxAssets {
		return fmt.Errorf("SOLVER_TOP_N (%d) must be >= SOLVER_MAX_ASSETS (%d)", c.Solver.TopN, c.Solver.MaxAssets)
	}
	if c.Solver.MinAssets < 1 || c.Solver.MinAssets > c.Solver.MaxAssets {
		return fmt.Errorf("SOLVER_MIN_ASSETS (%d) must be in [1, SOLVER_MAX_ASSETS]", c.Solver.MinAssets)
	}
	if c.Solver.MaxAssetWeight <= 0 || c.Solver.MaxAssetWeight > c.Solver.Budget {
		return fmt.Errorf("SOLVER_MAX_ASSET_WEIGHT (%v) must be in (0, budget]", c.Solver.MaxAssetWeight)
	}
	// The cap must leave room for a feasible allocation at minimum cardinality
	if float64(c.Solver.MaxAssets)*c.Solver.MaxAssetWeight < c.Solver.Budget*0.999 {
		return fmt.Errorf("max_assets * max_asset_weight (%v) cannot reach the budget (%v)",
			float64(c.Solver.MaxAssets)*c.Solver.MaxAssetWeight, c.Solver.Budget)
	}
	if c.Backtest.BootstrapResamples < 100 {
		return fmt.Errorf("BACKTEST_BOOTSTRAP_RESAMPLES (%d) too low for a stable CI", c.Backtest.BootstrapResamples)
	}
	switch c.Strategy.Model {
	case "momentum", "trend", "blend":
	default:
		return fmt.Errorf("STRATEGY_MODEL (%q) must be momentum, trend or blend", c.Strategy.Model)
	}
	if c.Strategy.BlendMomentum < 0 || c.Strategy.BlendMomentum > 1 {
		return fmt.Errorf("STRATEGY_BLEND_MOMENTUM (%v) must be in [0, 1]", c.Strategy.BlendMomentum)
	}
	if c.Breaker.BreachLimit > c.Breaker.WindowSize {
		return fmt.Errorf("BREAKER_BREACH_LIMIT (%d) exceeds BREAKER_WINDOW_SIZE (%d)", c.Breaker.BreachLimit, c.Breaker.WindowSize)
	}
	return nil
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
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

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
