package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized environment option. Parsed once at startup;
// services read from the struct, never from the environment directly.
type Config struct {
	DatabaseURL string
	NATSURL     string
	RedisURL    string
	OwnerToken  string
	HTTPAddr    string

	Pool      PoolConfig
	Consensus ConsensusConfig
	ATR       ATRConfig
	Corr      CorrelationConfig
	Vote      VoteWeightConfig
	Risk      RiskConfig
	Kelly     KellyConfig
	Breakers  BreakerConfig
	Execution ExecutionConfig
	Venues    VenueConfig
}

// PoolConfig controls alpha-pool cardinalities and qualification floors.
type PoolConfig struct {
	PoolSize    int `yaml:"pool_size"`    // 50
	SelectK     int `yaml:"select_k"`     // 10
	MinEpisodes int `yaml:"min_episodes"` // 5 dev, 30 prod
}

// ConsensusConfig holds the five gate thresholds.
type ConsensusConfig struct {
	MinTraders     int           `yaml:"min_traders"`       // ≥3
	MinPct         float64       `yaml:"min_pct"`           // ≥0.70
	MinEffectiveK  float64       `yaml:"min_effective_k"`   // ≥2.0
	EVMinR         float64       `yaml:"ev_min_r"`          // ≥0.20
	MaxPriceDriftR float64       `yaml:"max_price_drift_r"` // ≤0.25
	Freshness      time.Duration `yaml:"freshness_window"`  // 300s
	Cooldown       time.Duration `yaml:"signal_cooldown"`   // 300s
}

// ATRConfig controls stop-distance derivation from ATR.
type ATRConfig struct {
	MultiplierBTC float64       `yaml:"multiplier_btc"`
	MultiplierETH float64       `yaml:"multiplier_eth"`
	MaxStaleness  time.Duration `yaml:"max_staleness"`
	StrictMode    bool          `yaml:"strict_mode"`
}

// Multiplier returns the stop multiplier for an asset.
func (a ATRConfig) Multiplier(asset string) float64 {
	if strings.EqualFold(asset, "ETH") {
		return a.MultiplierETH
	}
	return a.MultiplierBTC
}

// CorrelationConfig sets defaults when pairwise rho is missing.
type CorrelationConfig struct {
	DefaultRho      float64 `yaml:"default_rho"`        // 0.3 for HL
	NonHLDefaultRho float64 `yaml:"non_hl_default_rho"` // 0.5 elsewhere
	DecayHalflifeD  float64 `yaml:"decay_halflife_days"`
}

// VoteWeightConfig selects the per-trader vote weight formula.
type VoteWeightConfig struct {
	Mode    string  `yaml:"mode"` // log | equity | linear
	LogBase float64 `yaml:"log_base"`
	Max     float64 `yaml:"max"`
}

// RiskConfig holds the hard risk-governor limits.
type RiskConfig struct {
	MaxPositionPct    float64 `yaml:"max_position_pct"` // 0.02
	MaxExposurePct    float64 `yaml:"max_exposure_pct"` // 0.10
	MaxDailyLossPct   float64 `yaml:"max_daily_loss_pct"`
	MinConfidence     float64 `yaml:"min_confidence"`
	MaxLeverage       int     `yaml:"max_leverage"`
	EquityFloorUSD    float64 `yaml:"equity_floor_usd"`     // $10k
	MinLiqDistance    float64 `yaml:"min_liq_distance"`     // 1.5× maintenance margin
	KillSwitchCooldwn time.Duration `yaml:"kill_switch_cooldown"` // 24h
}

// KellyConfig controls fractional-Kelly sizing.
type KellyConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Fraction    float64 `yaml:"fraction"`     // 0.25
	MinEpisodes int     `yaml:"min_episodes"` // 30
	FallbackPct float64 `yaml:"fallback_pct"` // 0.01
}

// BreakerConfig controls the decision circuit breakers.
type BreakerConfig struct {
	MaxConcurrent     int           `yaml:"max_concurrent"`
	MaxPerSymbol      int           `yaml:"max_per_symbol"`
	APIErrorThreshold int           `yaml:"api_error_threshold"`
	APIErrorPause     time.Duration `yaml:"api_error_pause"`
	MaxConsecLosses   int           `yaml:"max_consecutive_losses"`
	LossStreakPause   time.Duration `yaml:"loss_streak_pause"`
}

// ExecutionConfig holds the environment half of the dual execution gate.
type ExecutionConfig struct {
	RealExecutionEnabled bool          `yaml:"real_execution_enabled"`
	Exchange             string        `yaml:"exchange"`
	UseNativeStops       bool          `yaml:"use_native_stops"`
	StopPollInterval     time.Duration `yaml:"stop_poll_interval"`
	RRRatio              float64       `yaml:"rr_ratio"`
	MaxPositionHours     int           `yaml:"max_position_hours"`
	SlippageTolerance    float64       `yaml:"slippage_tolerance"`
}

// VenueConfig carries per-venue credentials and health staggering.
type VenueConfig struct {
	RateLimitRPS       float64       `yaml:"rate_limit_rps"`
	HealthStaggerDelay time.Duration `yaml:"health_stagger_delay"`
	HyperliquidKey     string        `yaml:"-"`
	AsterKey           string        `yaml:"-"`
	AsterSecret        string        `yaml:"-"`
	BybitKey           string        `yaml:"-"`
	BybitSecret        string        `yaml:"-"`
}

// Load parses the environment into a Config, applying defaults for every
// unset variable. An optional YAML overlay (SIGMAPILOT_CONFIG) is applied
// after env parsing for threshold tuning without redeploys.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL: envStr("DATABASE_URL", "postgres://localhost:5432/sigmapilot?sslmode=disable"),
		NATSURL:     envStr("NATS_URL", "nats://localhost:4222"),
		RedisURL:    envStr("REDIS_URL", ""),
		OwnerToken:  envStr("OWNER_TOKEN", ""),
		HTTPAddr:    envStr("HTTP_ADDR", ":8080"),
		Pool: PoolConfig{
			PoolSize:    envInt("POOL_SIZE", 50),
			SelectK:     envInt("SELECT_K", 10),
			MinEpisodes: envInt("MIN_EPISODES", 5),
		},
		Consensus: ConsensusConfig{
			MinTraders:     envInt("CONSENSUS_MIN_TRADERS", 3),
			MinPct:         envFloat("CONSENSUS_MIN_PCT", 0.70),
			MinEffectiveK:  envFloat("CONSENSUS_MIN_EFFECTIVE_K", 2.0),
			EVMinR:         envFloat("CONSENSUS_EV_MIN_R", 0.20),
			MaxPriceDriftR: envFloat("CONSENSUS_MAX_PRICE_DRIFT_R", 0.25),
			Freshness:      envSeconds("FRESHNESS_WINDOW_S", 300),
			Cooldown:       envSeconds("SIGNAL_COOLDOWN_SECONDS", 300),
		},
		ATR: ATRConfig{
			MultiplierBTC: envFloat("ATR_MULTIPLIER_BTC", 1.5),
			MultiplierETH: envFloat("ATR_MULTIPLIER_ETH", 1.5),
			MaxStaleness:  envSeconds("ATR_MAX_STALENESS_SECONDS", 180),
			StrictMode:    envBool("ATR_STRICT_MODE", false),
		},
		Corr: CorrelationConfig{
			DefaultRho:      envFloat("DEFAULT_CORRELATION", 0.3),
			NonHLDefaultRho: envFloat("NON_HL_DEFAULT_CORRELATION", 0.5),
			DecayHalflifeD:  envFloat("CORR_DECAY_HALFLIFE_DAYS", 30),
		},
		Vote: VoteWeightConfig{
			Mode:    envStr("VOTE_WEIGHT_MODE", "log"),
			LogBase: envFloat("VOTE_WEIGHT_LOG_BASE", 10),
			Max:     envFloat("VOTE_WEIGHT_MAX", 1.0),
		},
		Risk: RiskConfig{
			MaxPositionPct:    envFloat("MAX_POSITION_SIZE_PCT", 0.02),
			MaxExposurePct:    envFloat("MAX_TOTAL_EXPOSURE_PCT", 0.10),
			MaxDailyLossPct:   envFloat("MAX_DAILY_LOSS_PCT", 0.05),
			MinConfidence:     envFloat("MIN_SIGNAL_CONFIDENCE", 0.5),
			MaxLeverage:       envInt("MAX_LEVERAGE", 5),
			EquityFloorUSD:    envFloat("EQUITY_FLOOR_USD", 10000),
			MinLiqDistance:    envFloat("MIN_LIQ_DISTANCE", 1.5),
			KillSwitchCooldwn: envSeconds("KILL_SWITCH_COOLDOWN_S", 24*3600),
		},
		Kelly: KellyConfig{
			Enabled:     envBool("KELLY_ENABLED", true),
			Fraction:    envFloat("KELLY_FRACTION", 0.25),
			MinEpisodes: envInt("KELLY_MIN_EPISODES", 30),
			FallbackPct: envFloat("KELLY_FALLBACK_PCT", 0.01),
		},
		Breakers: BreakerConfig{
			MaxConcurrent:     envInt("MAX_CONCURRENT_POSITIONS", 3),
			MaxPerSymbol:      envInt("MAX_POSITION_PER_SYMBOL", 1),
			APIErrorThreshold: envInt("API_ERROR_THRESHOLD", 3),
			APIErrorPause:     envSeconds("API_ERROR_PAUSE_SECONDS", 300),
			MaxConsecLosses:   envInt("MAX_CONSECUTIVE_LOSSES", 5),
			LossStreakPause:   envSeconds("LOSS_STREAK_PAUSE_SECONDS", 3600),
		},
		Execution: ExecutionConfig{
			RealExecutionEnabled: envBool("REAL_EXECUTION_ENABLED", false),
			Exchange:             envStr("EXECUTION_EXCHANGE", "hyperliquid"),
			UseNativeStops:       envBool("USE_NATIVE_STOPS", true),
			StopPollInterval:     envSeconds("STOP_POLL_INTERVAL_S", 5),
			RRRatio:              envFloat("DEFAULT_RR_RATIO", 2.0),
			MaxPositionHours:     envInt("MAX_POSITION_HOURS", 168),
			SlippageTolerance:    envFloat("EXECUTION_SLIPPAGE_TOLERANCE", 0.01),
		},
		Venues: VenueConfig{
			RateLimitRPS:       envFloat("VENUE_RATE_LIMIT_RPS", 2.0),
			HealthStaggerDelay: envMillis("VENUE_HEALTH_STAGGER_DELAY_MS", 300),
			HyperliquidKey:     envStr("HYPERLIQUID_PRIVATE_KEY", ""),
			AsterKey:           envStr("ASTER_API_KEY", ""),
			AsterSecret:        envStr("ASTER_API_SECRET", ""),
			BybitKey:           envStr("BYBIT_API_KEY", ""),
			BybitSecret:        envStr("BYBIT_API_SECRET", ""),
		},
	}

	if path := os.Getenv("SIGMAPILOT_CONFIG"); path != "" {
		if err := cfg.overlayYAML(path); err != nil {
			return nil, fmt.Errorf("config overlay %s: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayYAML(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	overlay := struct {
		Pool      *PoolConfig        `yaml:"pool"`
		Consensus *ConsensusConfig   `yaml:"consensus"`
		ATR       *ATRConfig         `yaml:"atr"`
		Corr      *CorrelationConfig `yaml:"correlation"`
		Vote      *VoteWeightConfig  `yaml:"vote_weight"`
		Risk      *RiskConfig        `yaml:"risk"`
		Kelly     *KellyConfig       `yaml:"kelly"`
		Breakers  *BreakerConfig     `yaml:"breakers"`
		Execution *ExecutionConfig   `yaml:"execution"`
	}{}
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return err
	}
	if overlay.Pool != nil {
		c.Pool = *overlay.Pool
	}
	if overlay.Consensus != nil {
		c.Consensus = *overlay.Consensus
	}
	if overlay.ATR != nil {
		c.ATR = *overlay.ATR
	}
	if overlay.Corr != nil {
		c.Corr = *overlay.Corr
	}
	if overlay.Vote != nil {
		c.Vote = *overlay.Vote
	}
	if overlay.Risk != nil {
		c.Risk = *overlay.Risk
	}
	if overlay.Kelly != nil {
		c.Kelly = *overlay.Kelly
	}
	if overlay.Breakers != nil {
		c.Breakers = *overlay.Breakers
	}
	if overlay.Execution != nil {
		c.Execution = *overlay.Execution
	}
	return nil
}

func (c *Config) validate() error {
	if c.Pool.SelectK > c.Pool.PoolSize {
		return fmt.Errorf("SELECT_K %d exceeds POOL_SIZE %d", c.Pool.SelectK, c.Pool.PoolSize)
	}
	if c.Consensus.MinPct <= 0.5 || c.Consensus.MinPct > 1.0 {
		return fmt.Errorf("CONSENSUS_MIN_PCT %.2f must be in (0.5, 1.0]", c.Consensus.MinPct)
	}
	if c.Risk.MaxPositionPct > c.Risk.MaxExposurePct {
		return fmt.Errorf("MAX_POSITION_SIZE_PCT %.3f exceeds MAX_TOTAL_EXPOSURE_PCT %.3f",
			c.Risk.MaxPositionPct, c.Risk.MaxExposurePct)
	}
	switch c.Vote.Mode {
	case "log", "equity", "linear":
	default:
		return fmt.Errorf("unknown VOTE_WEIGHT_MODE %q", c.Vote.Mode)
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}

func envMillis(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Millisecond
}
