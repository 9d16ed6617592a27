package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Neo4j         Neo4jConfig         `yaml:"neo4j"`
	Weaviate      WeaviateConfig      `yaml:"weaviate"`
	OpenAI        OpenAIConfig        `yaml:"openai"`
	Engine        EngineConfig        `yaml:"engine"`
	Auth          AuthConfig          `yaml:"auth"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type WeaviateConfig struct {
	Host   string `yaml:"host"`
	Scheme string `yaml:"scheme"`
	APIKey string `yaml:"api_key"`
}

type OpenAIConfig struct {
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float32       `yaml:"temperature"`
}

// EngineConfig carries the risk engine tunables. The thresholds and
// penalties are empirical; they are configuration, not invariants.
type EngineConfig struct {
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	DetectorTimeout   time.Duration `yaml:"detector_timeout"`
	ConflictThreshold float64       `yaml:"conflict_threshold"`

	// AI confidence calibration penalties
	MarkdownPenalty   float64 `yaml:"markdown_penalty"`
	RegexPenalty      float64 `yaml:"regex_penalty"`
	ValidationPenalty float64 `yaml:"validation_penalty"`
	NameMatchPenalty  float64 `yaml:"name_match_penalty"`
	ConfidenceFloor   float64 `yaml:"confidence_floor"`

	// Similarity thresholds
	HistoricalMinScore float64 `yaml:"historical_min_score"`
	SemanticMinScore   float64 `yaml:"semantic_min_score"`
	SemanticMatchScore float64 `yaml:"semantic_match_score"`

	// Quality gate: completeness below this blocks evaluation when the
	// strict gate is enabled
	BlockBelowCompleteness float64 `yaml:"block_below_completeness"`
	StrictQualityGate      bool    `yaml:"strict_quality_gate"`

	// Alerting
	AlertThreshold float64 `yaml:"alert_threshold"`

	Workers int `yaml:"workers"`
}

type AuthConfig struct {
	JWTSecret          string        `yaml:"jwt_secret"`
	AccessTokenExpiry  time.Duration `yaml:"access_token_expiry"`
	RefreshTokenExpiry time.Duration `yaml:"refresh_token_expiry"`
}

type NotificationsConfig struct {
	MinScore float64            `yaml:"min_score"`
	Slack    SlackNotifyConfig  `yaml:"slack"`
	Email    EmailNotifyConfig  `yaml:"email"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Neo4j.URI == "" {
		c.Neo4j.URI = "bolt://localhost:7687"
	}

	if c.Weaviate.Host == "" {
		c.Weaviate.Host = "localhost:8081"
	}
	if c.Weaviate.Scheme == "" {
		c.Weaviate.Scheme = "http"
	}

	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o-mini"
	}
	if c.OpenAI.Timeout == 0 {
		c.OpenAI.Timeout = 30 * time.Second
	}
	if c.OpenAI.MaxTokens == 0 {
		c.OpenAI.MaxTokens = 2048
	}

	c.Engine.applyDefaults()

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "insecure-dev-secret-change-me"
	}
	if c.Auth.AccessTokenExpiry == 0 {
		c.Auth.AccessTokenExpiry = 15 * time.Minute
	}
	if c.Auth.RefreshTokenExpiry == 0 {
		c.Auth.RefreshTokenExpiry = 7 * 24 * time.Hour
	}
}

func (e *EngineConfig) applyDefaults() {
	if e.CacheTTL == 0 {
		e.CacheTTL = 15 * time.Minute
	}
	if e.DetectorTimeout == 0 {
		e.DetectorTimeout = 20 * time.Second
	}
	if e.ConflictThreshold == 0 {
		e.ConflictThreshold = 0.2
	}
	if e.MarkdownPenalty == 0 {
		e.MarkdownPenalty = 0.05
	}
	if e.RegexPenalty == 0 {
		e.RegexPenalty = 0.15
	}
	if e.ValidationPenalty == 0 {
		e.ValidationPenalty = 0.10
	}
	if e.NameMatchPenalty == 0 {
		e.NameMatchPenalty = 0.05
	}
	if e.ConfidenceFloor == 0 {
		e.ConfidenceFloor = 0.1
	}
	if e.HistoricalMinScore == 0 {
		e.HistoricalMinScore = 0.5
	}
	if e.SemanticMinScore == 0 {
		e.SemanticMinScore = 0.72
	}
	if e.SemanticMatchScore == 0 {
		e.SemanticMatchScore = 0.6
	}
	if e.BlockBelowCompleteness == 0 {
		e.BlockBelowCompleteness = 0.2
	}
	if e.AlertThreshold == 0 {
		e.AlertThreshold = 0.75
	}
	if e.Workers == 0 {
		e.Workers = 4
	}
}

// DefaultEngine returns engine tunables with all defaults applied, for
// tests and one-shot tools.
func DefaultEngine() EngineConfig {
	var e EngineConfig
	e.applyDefaults()
	return e
}
