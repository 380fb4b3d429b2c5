// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/policy/ratelimit"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Sources    []SourceConfig   `mapstructure:"sources"`
	X          XConfig          `mapstructure:"x"`
	Scrape     ScrapeConfig     `mapstructure:"scrape"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Email      EmailConfig      `mapstructure:"email"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SourceConfig is one configured domain. A bare string entry is read as the domain.
type SourceConfig struct {
	Name         string   `mapstructure:"name"`
	Domain       string   `mapstructure:"domain"`
	Family       string   `mapstructure:"family"`
	Accounts     []string `mapstructure:"accounts"`
	Username     string   `mapstructure:"username"`
	Email        string   `mapstructure:"email"`
	Password     string   `mapstructure:"password"`
	RequireLogin *bool    `mapstructure:"require_login"`
	MaxPosts     int      `mapstructure:"max_posts"`
	MaxScrolls   int      `mapstructure:"max_scrolls"`
	PauseSeconds float64  `mapstructure:"pause_seconds"`
}

// XConfig holds shared credentials and pacing for x.com sources.
type XConfig struct {
	Username           string  `mapstructure:"username"`
	Email              string  `mapstructure:"email"`
	Password           string  `mapstructure:"password"`
	MaxPosts           int     `mapstructure:"max_posts"`
	MaxScrolls         int     `mapstructure:"max_scrolls"`
	ScrollPauseSeconds float64 `mapstructure:"scroll_pause_seconds"`
}

// ScrapeConfig governs the scheduler.
type ScrapeConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	Interval          time.Duration `mapstructure:"interval"`
	MaxPosts          int           `mapstructure:"max_posts"`
	MaxScrolls        int           `mapstructure:"max_scrolls"`
	PauseSeconds      float64       `mapstructure:"pause_seconds"`
	AuthTimeout       time.Duration `mapstructure:"auth_timeout"`
	OTPTimeout        time.Duration `mapstructure:"otp_timeout"`
	OTPPollInterval   time.Duration `mapstructure:"otp_poll_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	AssetConcurrency  int           `mapstructure:"asset_concurrency"`
	FeedStalenessDays int           `mapstructure:"feed_staleness_days"`
}

// RateLimitConfig sets the per-host request budgets.
type RateLimitConfig struct {
	MinInterval    time.Duration     `mapstructure:"min_interval"`
	MaxInFlight    int               `mapstructure:"max_in_flight"`
	AcquireTimeout time.Duration     `mapstructure:"acquire_timeout"`
	Hosts          []HostLimitConfig `mapstructure:"hosts"`
}

// HostLimitConfig overrides the budget for one host.
type HostLimitConfig struct {
	Host        string        `mapstructure:"host"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	MaxInFlight int           `mapstructure:"max_in_flight"`
}

// StorageConfig selects the record store and the asset backend.
type StorageConfig struct {
	Driver        string `mapstructure:"driver"`
	DSN           string `mapstructure:"dsn"`
	MaxConns      int    `mapstructure:"max_conns"`
	AssetsDir     string `mapstructure:"assets_dir"`
	MaxAssetBytes int64  `mapstructure:"max_asset_bytes"`
	AssetBackend  string `mapstructure:"asset_backend"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	GCSPrefix     string `mapstructure:"gcs_prefix"`
}

// BrowserConfig holds browser launch parameters.
type BrowserConfig struct {
	ExecutablePath     string        `mapstructure:"executable_path"`
	Headless           bool          `mapstructure:"headless"`
	ProfileDir         string        `mapstructure:"profile_dir"`
	ConnectionTimeout  time.Duration `mapstructure:"connection_timeout"`
	ConnectionMaxTries int           `mapstructure:"connection_max_tries"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout"`
}

// EmailConfig holds the OTP mailbox credentials.
type EmailConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	SenderDomain string        `mapstructure:"sender_domain"`
	Mailbox      string        `mapstructure:"mailbox"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a mailbox is configured.
func (e EmailConfig) Enabled() bool {
	return e.Host != "" && e.Username != "" && e.Password != ""
}

// EmbeddingsConfig selects the embedding backend.
type EmbeddingsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Provider   string        `mapstructure:"provider"`
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	APIKey     string        `mapstructure:"api_key"`
	Dimensions int           `mapstructure:"dimensions"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// IngestConfig governs the ingestion pipeline.
type IngestConfig struct {
	BatchLimit   int           `mapstructure:"batch_limit"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Interval     time.Duration `mapstructure:"interval"`
}

// HTTPConfig configures plain HTTP fetches.
type HTTPConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether notifications go to Pub/Sub.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.TopicName != ""
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// TelemetryConfig names the service in traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
}

// Load builds a Config from disk/environment. An empty path searches
// ./config.toml and then $XDG_CONFIG_HOME/harvester/config.toml.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = discover()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		sourceFromString,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func discover() string {
	candidates := []string{"config.toml"}
	if xdg.ConfigHome != "" {
		candidates = append(candidates, filepath.Join(xdg.ConfigHome, "harvester", "config.toml"))
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

func sourceFromString(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(SourceConfig{}) {
		return data, nil
	}
	domain, _ := data.(string)
	return map[string]any{"domain": domain}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("x.max_posts", 200)
	v.SetDefault("x.max_scrolls", 20)
	v.SetDefault("x.scroll_pause_seconds", 1.5)
	v.SetDefault("scrape.concurrency", 4)
	v.SetDefault("scrape.interval", time.Hour)
	v.SetDefault("scrape.max_posts", 200)
	v.SetDefault("scrape.max_scrolls", 20)
	v.SetDefault("scrape.pause_seconds", 1.5)
	v.SetDefault("scrape.auth_timeout", 2*time.Minute)
	v.SetDefault("scrape.otp_timeout", 120*time.Second)
	v.SetDefault("scrape.otp_poll_interval", 5*time.Second)
	v.SetDefault("scrape.write_timeout", 30*time.Second)
	v.SetDefault("scrape.asset_concurrency", 4)
	v.SetDefault("scrape.feed_staleness_days", 14)
	v.SetDefault("rate_limit.min_interval", ratelimit.DefaultPolicy.MinInterval)
	v.SetDefault("rate_limit.max_in_flight", ratelimit.DefaultPolicy.MaxInFlight)
	v.SetDefault("rate_limit.acquire_timeout", 2*time.Minute)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "data/harvester.db")
	v.SetDefault("storage.max_conns", 8)
	v.SetDefault("storage.assets_dir", "data/assets")
	v.SetDefault("storage.max_asset_bytes", 50<<20)
	v.SetDefault("storage.asset_backend", "local")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.connection_timeout", 30*time.Second)
	v.SetDefault("browser.connection_max_tries", 3)
	v.SetDefault("browser.navigation_timeout", 45*time.Second)
	v.SetDefault("email.port", 993)
	v.SetDefault("email.sender_domain", "x.com")
	v.SetDefault("email.mailbox", "INBOX")
	v.SetDefault("email.timeout", 30*time.Second)
	v.SetDefault("embeddings.enabled", false)
	v.SetDefault("embeddings.provider", "ollama")
	v.SetDefault("embeddings.base_url", "http://localhost:11434")
	v.SetDefault("embeddings.model", "nomic-embed-text")
	v.SetDefault("embeddings.dimensions", 768)
	v.SetDefault("embeddings.timeout", 60*time.Second)
	v.SetDefault("ingest.batch_limit", 500)
	v.SetDefault("ingest.batch_timeout", 5*time.Minute)
	v.SetDefault("ingest.max_attempts", 3)
	v.SetDefault("ingest.interval", 10*time.Minute)
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.user_agent", "harvester/0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("telemetry.service_name", "harvester")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "harvester.log")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scrape.Concurrency <= 0 {
		return fmt.Errorf("scrape.concurrency must be > 0")
	}
	if c.Ingest.BatchLimit <= 0 {
		return fmt.Errorf("ingest.batch_limit must be > 0")
	}
	if c.Ingest.MaxAttempts <= 0 {
		return fmt.Errorf("ingest.max_attempts must be > 0")
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver must be one of postgres, sqlite, memory; got %q", c.Storage.Driver)
	}
	switch c.Storage.AssetBackend {
	case "local":
		if c.Storage.AssetsDir == "" {
			return fmt.Errorf("storage.assets_dir must be set for the local asset backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs asset backend")
		}
	default:
		return fmt.Errorf("storage.asset_backend must be local or gcs; got %q", c.Storage.AssetBackend)
	}
	if c.Embeddings.Enabled {
		if c.Embeddings.Provider != "openai" && c.Embeddings.Provider != "ollama" {
			return fmt.Errorf("embeddings.provider must be openai or ollama; got %q", c.Embeddings.Provider)
		}
		if c.Embeddings.Model == "" {
			return fmt.Errorf("embeddings.model must be set when embeddings are enabled")
		}
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if strings.TrimSpace(src.Domain) == "" {
			return fmt.Errorf("sources[%d].domain must be set", i)
		}
		key := sourceName(src)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("sources[%d]: duplicate source name %q", i, key)
		}
		seen[key] = struct{}{}
	}
	for i, host := range c.RateLimit.Hosts {
		if host.Host == "" {
			return fmt.Errorf("rate_limit.hosts[%d].host must be set", i)
		}
	}
	return nil
}

// ErrNoSources is returned when a run is requested without configured sources.
var ErrNoSources = errors.New("no sources configured")

// HarvestSources resolves the configured sources, applying the scrape and x
// defaults to unset pacing fields.
func (c Config) HarvestSources() ([]harvest.Source, error) {
	if len(c.Sources) == 0 {
		return nil, ErrNoSources
	}
	out := make([]harvest.Source, 0, len(c.Sources))
	for _, sc := range c.Sources {
		src := harvest.Source{
			Name:     sourceName(sc),
			Domain:   normalizeDomain(sc.Domain),
			Family:   strings.ToLower(strings.TrimSpace(sc.Family)),
			Accounts: sc.Accounts,
			Credentials: harvest.Credentials{
				Username: sc.Username,
				Email:    sc.Email,
				Password: sc.Password,
			},
			MaxPosts:   firstPositive(sc.MaxPosts, c.Scrape.MaxPosts),
			MaxScrolls: firstPositive(sc.MaxScrolls, c.Scrape.MaxScrolls),
			Pause:      seconds(firstPositiveFloat(sc.PauseSeconds, c.Scrape.PauseSeconds)),
		}
		if src.Family == harvest.FamilyX || (src.Family == "" && harvest.IsXDomain(src.Domain)) {
			if src.Credentials.Empty() {
				src.Credentials = harvest.Credentials{Username: c.X.Username, Email: c.X.Email, Password: c.X.Password}
			}
			src.MaxPosts = firstPositive(sc.MaxPosts, c.X.MaxPosts, c.Scrape.MaxPosts)
			src.MaxScrolls = firstPositive(sc.MaxScrolls, c.X.MaxScrolls, c.Scrape.MaxScrolls)
			src.Pause = seconds(firstPositiveFloat(sc.PauseSeconds, c.X.ScrollPauseSeconds, c.Scrape.PauseSeconds))
		}
		if sc.RequireLogin != nil {
			src.RequireLogin = *sc.RequireLogin
		} else {
			src.RequireLogin = !src.Credentials.Empty()
		}
		out = append(out, src)
	}
	return out, nil
}

// RateLimiter translates the rate_limit section into limiter settings.
func (c Config) RateLimiter() ratelimit.Config {
	hosts := make(map[string]ratelimit.HostPolicy, len(c.RateLimit.Hosts))
	for _, h := range c.RateLimit.Hosts {
		hosts[h.Host] = ratelimit.HostPolicy{MinInterval: h.MinInterval, MaxInFlight: h.MaxInFlight}
	}
	return ratelimit.Config{
		Default:        ratelimit.HostPolicy{MinInterval: c.RateLimit.MinInterval, MaxInFlight: c.RateLimit.MaxInFlight},
		Hosts:          hosts,
		AcquireTimeout: c.RateLimit.AcquireTimeout,
	}
}

// FeedStaleness returns how long a discovered feed stays fresh.
func (c Config) FeedStaleness() time.Duration {
	days := c.Scrape.FeedStalenessDays
	if days <= 0 {
		days = 14
	}
	return time.Duration(days) * 24 * time.Hour
}

// Domains lists the distinct configured domains in configuration order.
func (c Config) Domains() []string {
	seen := make(map[string]struct{}, len(c.Sources))
	var out []string
	for _, src := range c.Sources {
		d := normalizeDomain(src.Domain)
		if _, ok := seen[d]; ok || d == "" {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

func sourceName(sc SourceConfig) string {
	if name := strings.TrimSpace(sc.Name); name != "" {
		return name
	}
	return normalizeDomain(sc.Domain)
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveFloat(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
