// Package config loads the pipeline configuration from a YAML file,
// applies defaults and validates the result. The config supplies what
// the pipeline is told to track (symbol lists, board codes, provider
// pacing) and never anything the pipeline derives itself.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ProviderConfig tunes one upstream client. Zero fields fall back to
// the provider's own defaults.
type ProviderConfig struct {
	BaseURL          string        `yaml:"base_url"`
	MinGap           time.Duration `yaml:"min_gap"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// Config is the whole application configuration.
type Config struct {
	LogLevel    string `yaml:"log_level" default:"info" validate:"oneof=debug info warn error"`
	MetricsAddr string `yaml:"metrics_addr" default:":9090"`

	Store struct {
		Path      string `yaml:"path" default:"data/bars.db" validate:"required"`
		MaxParams int    `yaml:"max_params" default:"999" validate:"gt=0"`
	} `yaml:"store"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr" default:"localhost:6379"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Providers struct {
		Tencent   ProviderConfig `yaml:"tencent"`
		Sina      ProviderConfig `yaml:"sina"`
		Eastmoney ProviderConfig `yaml:"eastmoney"`
		Board     ProviderConfig `yaml:"board"`
	} `yaml:"providers"`

	// Symbols the pipeline is told to track. Tracked is the intraday
	// subset and must reference codes from the class lists.
	Symbols struct {
		Equities []string `yaml:"equities"`
		Indexes  []string `yaml:"indexes"`
		Sectors  []string `yaml:"sectors"`
		Tracked  []string `yaml:"tracked"`
	} `yaml:"symbols"`

	// Boards to rebuild constituency for, board code to display name,
	// e.g. {BK0475: 银行, BK0465: 化肥}.
	Boards map[string]string `yaml:"boards"`

	// Notify configures job-failure alerting. Empty fields disable the
	// corresponding channel.
	Notify struct {
		Webhook  string `yaml:"webhook" validate:"omitempty,url"`
		Telegram struct {
			BotToken string `yaml:"bot_token"`
			ChatID   string `yaml:"chat_id"`
		} `yaml:"telegram"`
	} `yaml:"notify"`

	Jobs struct {
		TickInterval        time.Duration `yaml:"tick_interval" default:"30s"`
		CheckpointTolerance time.Duration `yaml:"checkpoint_tolerance" default:"10m"`
		Fanout              int           `yaml:"fanout" default:"4" validate:"gt=0"`
		DailyWindow         int           `yaml:"daily_window" default:"30" validate:"gt=0"`
		IntradayWindow      int           `yaml:"intraday_window" default:"120" validate:"gt=0"`
		IntradayTimeframes  []string      `yaml:"intraday_timeframes" default:"[\"30min\"]" validate:"dive,oneof=30min 5min 1min"`
		BoardRetries        int           `yaml:"board_retries" default:"3" validate:"gte=0"`
		BoardBackoff        time.Duration `yaml:"board_backoff" default:"2s"`
		BoardRebuildDay     int           `yaml:"board_rebuild_day" default:"6" validate:"gte=0,lte=6"` // time.Weekday, 6 = Saturday
	} `yaml:"jobs"`
}

// Load reads, defaults and validates the config at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := validator.New().Struct(&c); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// Path returns the config file path from the environment, with a
// sensible default.
func Path() string {
	if p := os.Getenv("BARSYNC_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
