package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dexchart/pkg/market"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Feed           FeedConfig           `mapstructure:"feed"`
	Backfill       BackfillConfig       `mapstructure:"backfill"`
	Store          StoreConfig          `mapstructure:"store"`
	Chart          ChartConfig          `mapstructure:"chart"`
	Server         ServerConfig         `mapstructure:"server"`
	Log            LogConfig            `mapstructure:"log"`
	ParameterStore ParameterStoreConfig `mapstructure:"parameter_store"`
}

type FeedConfig struct {
	REST RESTConfig `mapstructure:"rest"`
	WS   WSConfig   `mapstructure:"ws"`
}

type RESTConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit int           `mapstructure:"rate_limit"` // requests per second, 0 = unlimited
}

type WSConfig struct {
	URL                  string        `mapstructure:"url"`
	MarketType           string        `mapstructure:"market_type"`
	Channel              string        `mapstructure:"channel"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	PriceScale           float64       `mapstructure:"price_scale"`
}

type BackfillConfig struct {
	MaxCandles  int           `mapstructure:"max_candles"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Retries     int           `mapstructure:"retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

type StoreConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type ChartConfig struct {
	DefaultMarket     string `mapstructure:"default_market"`
	DefaultTimeframe  string `mapstructure:"default_timeframe"`
	ViewportMaxPoints int    `mapstructure:"viewport_max_points"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

// ParameterStoreConfig names the SSM parameters that override feed endpoints in prod.
type ParameterStoreConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	RESTBaseURL string `mapstructure:"rest_base_url"`
	WSURL       string `mapstructure:"ws_url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("feed.rest.base_url", "https://api.example-dex.io/v1")
	v.SetDefault("feed.rest.timeout", 10*time.Second)
	v.SetDefault("feed.rest.rate_limit", 5)

	v.SetDefault("feed.ws.url", "wss://stream.example-dex.io/ws")
	v.SetDefault("feed.ws.market_type", "perp")
	v.SetDefault("feed.ws.channel", "price")
	v.SetDefault("feed.ws.connect_timeout", 10*time.Second)
	v.SetDefault("feed.ws.heartbeat_interval", 15*time.Second)
	v.SetDefault("feed.ws.reconnect_base_delay", time.Second)
	v.SetDefault("feed.ws.reconnect_max_delay", 30*time.Second)
	v.SetDefault("feed.ws.max_reconnect_attempts", 10)
	v.SetDefault("feed.ws.price_scale", 1e6)

	v.SetDefault("backfill.max_candles", 500)
	v.SetDefault("backfill.timeout", 10*time.Second)
	v.SetDefault("backfill.retries", 3)
	v.SetDefault("backfill.backoff_base", time.Second)
	v.SetDefault("backfill.backoff_max", 10*time.Second)
	v.SetDefault("backfill.cache_ttl", 5*time.Minute)

	v.SetDefault("store.capacity", 10000)

	v.SetDefault("chart.default_market", "SOL-PERP")
	v.SetDefault("chart.default_timeframe", "1m")
	v.SetDefault("chart.viewport_max_points", 1000)

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_file", "")
	v.SetDefault("log.environment", "dev")

	v.SetDefault("parameter_store.enabled", false)
	v.SetDefault("parameter_store.rest_base_url", "/dexchart/feed/rest_base_url")
	v.SetDefault("parameter_store.ws_url", "/dexchart/feed/ws_url")
}

// Load loads application configuration using Viper.
// It reads config.yaml (from path when given, otherwise ./config, . and the
// config dir next to the executable), then overrides with environment variables.
// Variables in an optional .env file are loaded first. A missing config file is
// not an error when path is empty: defaults apply.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // config.yaml
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if ex, err := os.Executable(); err == nil {
			v.AddConfigPath(filepath.Join(filepath.Dir(ex), "../config"))
		}
	}

	// Support environment variables with dot notation (e.g., FEED_WS_URL)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the pipeline cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Feed.REST.BaseURL == "" {
		errs = append(errs, errors.New("feed.rest.base_url is required"))
	}
	if c.Feed.WS.URL == "" {
		errs = append(errs, errors.New("feed.ws.url is required"))
	}
	if c.Store.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("store.capacity must be positive, got %d", c.Store.Capacity))
	}
	if _, err := market.ParseTimeframe(c.Chart.DefaultTimeframe); err != nil {
		errs = append(errs, fmt.Errorf("chart.default_timeframe: %w", err))
	}
	if c.Backfill.Retries < 1 {
		errs = append(errs, fmt.Errorf("backfill.retries must be at least 1, got %d", c.Backfill.Retries))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// DefaultTimeframe returns the validated chart.default_timeframe.
func (c *Config) DefaultTimeframe() market.Timeframe {
	return market.Timeframe(c.Chart.DefaultTimeframe)
}

// UseParameterStore reports whether feed endpoints come from SSM.
func (c *Config) UseParameterStore() bool {
	return c.Log.Environment == "prod" && c.ParameterStore.Enabled
}
