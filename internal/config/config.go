package config

import (
	"time"
)

// Config is the top-level AIGOS configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Policy     PolicyConfig     `yaml:"policy"`
	KillSwitch KillSwitchConfig `yaml:"killswitch"`
	Token      TokenConfig      `yaml:"token"`
	Events     EventsConfig     `yaml:"events"`
	Alerts     AlertsConfig     `yaml:"alerts"`
}

// ServerConfig holds the HTTP bind and logging settings for the control
// plane.
type ServerConfig struct {
	Host      string      `yaml:"host"`
	Port      int         `yaml:"port"`
	LogLevel  string      `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"` // "text" or "json"
	CORS      bool        `yaml:"cors"`
	Auth      []AuthToken `yaml:"auth"`
}

// AuthToken maps a bearer credential to the organization it acts for.
type AuthToken struct {
	Token string `yaml:"token"`
	OrgID string `yaml:"org_id"`
}

// PolicyConfig configures the decision engine.
type PolicyConfig struct {
	DryRun       bool           `yaml:"dry_run"`
	DefaultAllow bool           `yaml:"default_allow"`
	MaxCacheSize int            `yaml:"max_cache_size"`
	Schedule     ScheduleConfig `yaml:"schedule"`
	CustomRules  []CustomRule   `yaml:"custom_rules"`
}

// ScheduleConfig restricts when agents may act. Hours are UTC; an empty day
// list means every day.
type ScheduleConfig struct {
	Enabled     bool     `yaml:"enabled"`
	AllowedDays []string `yaml:"allowed_days"` // mon..sun
	StartHour   int      `yaml:"start_hour"`   // inclusive
	EndHour     int      `yaml:"end_hour"`     // exclusive; 0,0 = all day
}

// CustomRule is a deny-only CEL hook evaluated as the engine's last stage.
// A rule whose expression evaluates true denies the action.
type CustomRule struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
	Message    string `yaml:"message"`
}

// KillSwitchConfig configures command validation and delivery channels.
type KillSwitchConfig struct {
	VerifySignatures        bool           `yaml:"verify_signatures"`
	ClockSkew               time.Duration  `yaml:"clock_skew"`
	ReplayCacheSize         int            `yaml:"replay_cache_size"`
	MaxParallelTerminations int            `yaml:"max_parallel_terminations"`
	TerminationTimeout      time.Duration  `yaml:"termination_timeout"`
	HeartbeatTimeout        time.Duration  `yaml:"heartbeat_timeout"`
	ReconnectInitialDelay   time.Duration  `yaml:"reconnect_initial_delay"`
	ReconnectMaxDelay       time.Duration  `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts    int            `yaml:"max_reconnect_attempts"` // 0 = infinite
	PollInterval            time.Duration  `yaml:"poll_interval"`
	Channels                ChannelsConfig `yaml:"channels"`
	TrustedKeys             []TrustedKey   `yaml:"trusted_keys"`
}

// ChannelsConfig selects which delivery channels a receiver runs. Empty
// values disable the channel.
type ChannelsConfig struct {
	StreamURL string `yaml:"stream_url"` // SSE endpoint
	PollURL   string `yaml:"poll_url"`   // pending-commands endpoint
	SocketURL string `yaml:"socket_url"` // websocket endpoint
	FilePath  string `yaml:"file_path"`  // watched local drop file
}

// TrustedKey identifies one verification key. Exactly one of PublicKeyPath
// or Secret is set depending on the algorithm.
type TrustedKey struct {
	KID           string `yaml:"kid"`
	Algorithm     string `yaml:"algorithm"` // EdDSA, RS256, HS256
	PublicKeyPath string `yaml:"public_key_path"`
	Secret        string `yaml:"secret"`
}

// TokenConfig configures A2A governance token issuance and validation.
type TokenConfig struct {
	Issuer          string               `yaml:"issuer"`
	DefaultAudience string               `yaml:"default_audience"`
	TTL             time.Duration        `yaml:"ttl"`
	ClockTolerance  time.Duration        `yaml:"clock_tolerance"`
	SigningKID      string               `yaml:"signing_kid"`
	SigningAlg      string               `yaml:"signing_alg"`
	SigningKeyPath  string               `yaml:"signing_key_path"`
	SigningSecret   string               `yaml:"signing_secret"`
	JWKSURL         string               `yaml:"jwks_url"`
	JWKSRefresh     time.Duration        `yaml:"jwks_refresh"`
	TrustedKeys     []TrustedKey         `yaml:"trusted_keys"`
	Inbound         InboundPolicyConfig  `yaml:"inbound"`
	Outbound        OutboundPolicyConfig `yaml:"outbound"`
}

// InboundPolicyConfig gates tokens presented by calling agents.
type InboundPolicyConfig struct {
	RequireToken          bool     `yaml:"require_token"`
	MaxRiskLevel          string   `yaml:"max_risk_level"`
	RequireKillSwitch     bool     `yaml:"require_kill_switch"`
	RequireVerifiedThread bool     `yaml:"require_verified_thread"`
	MaxGenerationDepth    int      `yaml:"max_generation_depth"` // 0 = unbounded
	BlockedOrganizations  []string `yaml:"blocked_organizations"`
	TrustedOrganizations  []string `yaml:"trusted_organizations"`
	BlockedAssets         []string `yaml:"blocked_assets"`
	AllowedModes          []string `yaml:"allowed_modes"`
}

// OutboundPolicyConfig gates calls this agent makes to peers.
type OutboundPolicyConfig struct {
	IncludeToken           bool     `yaml:"include_token"`
	MaxRiskLevel           string   `yaml:"max_risk_level"`
	RequireKillSwitch      bool     `yaml:"require_kill_switch"`
	RequireVerifiedThread  bool     `yaml:"require_verified_thread"`
	BlockedDomains         []string `yaml:"blocked_domains"`
	AllowedDomains         []string `yaml:"allowed_domains"`
	BlockedAssets          []string `yaml:"blocked_assets"`
	ValidateResponseTokens bool     `yaml:"validate_response_tokens"`
}

// EventsConfig configures ingestion, storage, rate limiting, and Merkle
// checkpointing.
type EventsConfig struct {
	Storage      StorageConfig    `yaml:"storage"`
	MaxBatchSize int              `yaml:"max_batch_size"`
	RateLimit    RateLimitConfig  `yaml:"rate_limit"`
	Checkpoint   CheckpointConfig `yaml:"checkpoint"`
	Detect       DetectConfig     `yaml:"detect"`
}

// DetectConfig tunes the built-in ingest anomaly rules.
type DetectConfig struct {
	Loop     LoopDetectConfig     `yaml:"loop"`
	Velocity VelocityDetectConfig `yaml:"velocity"`
}

// LoopDetectConfig flags an asset re-reporting the same event.
type LoopDetectConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Threshold int           `yaml:"threshold"` // identical events inside Window
	Window    time.Duration `yaml:"window"`
}

// VelocityDetectConfig flags an asset reporting faster than Threshold events
// per second for SustainedSeconds.
type VelocityDetectConfig struct {
	Enabled          bool `yaml:"enabled"`
	Threshold        int  `yaml:"threshold"`
	SustainedSeconds int  `yaml:"sustained_seconds"`
}

// StorageConfig selects the event store backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`
}

// RateLimitConfig is a fixed-window limit per (channel, org).
type RateLimitConfig struct {
	Limit          int           `yaml:"limit"`
	Window         time.Duration `yaml:"window"`
	CriticalExempt bool          `yaml:"critical_exempt"`
	Store          string        `yaml:"store"` // "memory" or "redis"
	RedisAddr      string        `yaml:"redis_addr"`
	RedisPassword  string        `yaml:"redis_password"`
	RedisDB        int           `yaml:"redis_db"`
}

// CheckpointConfig controls Merkle window sealing. A window closes when it
// reaches MaxLeaves events or Interval elapses with pending leaves.
type CheckpointConfig struct {
	MaxLeaves int           `yaml:"max_leaves"`
	Interval  time.Duration `yaml:"interval"`
}

// AlertsConfig configures outbound alerting.
type AlertsConfig struct {
	Slack   SlackAlertConfig   `yaml:"slack"`
	Webhook WebhookAlertConfig `yaml:"webhook"`
}

type SlackAlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type WebhookAlertConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// DefaultConfig returns a config with sensible defaults for zero-config
// startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      6780,
			LogLevel:  "info",
			LogFormat: "text",
			CORS:      false,
		},
		Policy: PolicyConfig{
			DryRun:       false,
			DefaultAllow: false,
			MaxCacheSize: 1024,
		},
		KillSwitch: KillSwitchConfig{
			VerifySignatures:        true,
			ClockSkew:               60 * time.Second,
			ReplayCacheSize:         10000,
			MaxParallelTerminations: 10,
			TerminationTimeout:      30 * time.Second,
			HeartbeatTimeout:        30 * time.Second,
			ReconnectInitialDelay:   time.Second,
			ReconnectMaxDelay:       30 * time.Second,
			MaxReconnectAttempts:    0,
			PollInterval:            10 * time.Second,
		},
		Token: TokenConfig{
			Issuer:         "aigos",
			TTL:            300 * time.Second,
			ClockTolerance: 30 * time.Second,
			SigningAlg:     "EdDSA",
			JWKSRefresh:    15 * time.Minute,
			Inbound: InboundPolicyConfig{
				RequireToken:          true,
				MaxRiskLevel:          "high",
				RequireKillSwitch:     true,
				RequireVerifiedThread: true,
				AllowedModes:          []string{"NORMAL", "SANDBOX"},
			},
			Outbound: OutboundPolicyConfig{
				IncludeToken:           true,
				MaxRiskLevel:           "high",
				RequireKillSwitch:      true,
				RequireVerifiedThread:  true,
				ValidateResponseTokens: false,
			},
		},
		Events: EventsConfig{
			Storage: StorageConfig{
				Driver: "sqlite",
				Path:   "./aigos.db",
			},
			MaxBatchSize: 1000,
			RateLimit: RateLimitConfig{
				Limit:          120,
				Window:         time.Minute,
				CriticalExempt: true,
				Store:          "memory",
			},
			Checkpoint: CheckpointConfig{
				MaxLeaves: 1000,
				Interval:  5 * time.Minute,
			},
			Detect: DetectConfig{
				Loop: LoopDetectConfig{
					Enabled:   true,
					Threshold: 10,
					Window:    time.Minute,
				},
				Velocity: VelocityDetectConfig{
					Enabled:          true,
					Threshold:        20,
					SustainedSeconds: 5,
				},
			},
		},
	}
}
