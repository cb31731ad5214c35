package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, "symbols:\n  equities: [\"600000\"]\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.LogLevel != "info" {
		t.Errorf("log_level = %q, want info", c.LogLevel)
	}
	if c.Store.Path != "data/bars.db" || c.Store.MaxParams != 999 {
		t.Errorf("store defaults = %+v", c.Store)
	}
	if c.Jobs.TickInterval != 30*time.Second {
		t.Errorf("tick_interval = %v", c.Jobs.TickInterval)
	}
	if c.Jobs.CheckpointTolerance != 10*time.Minute {
		t.Errorf("checkpoint_tolerance = %v", c.Jobs.CheckpointTolerance)
	}
	if c.Jobs.BoardRebuildDay != 6 {
		t.Errorf("board_rebuild_day = %d", c.Jobs.BoardRebuildDay)
	}
	if len(c.Symbols.Equities) != 1 || c.Symbols.Equities[0] != "600000" {
		t.Errorf("equities = %v", c.Symbols.Equities)
	}
}

func TestLoadOverrides(t *testing.T) {
	body := `
log_level: debug
metrics_addr: ":9100"
store:
  path: /tmp/test.db
  max_params: 500
redis:
  enabled: true
  addr: redis:6379
providers:
  sina:
    min_gap: 5s
    breaker_threshold: 2
symbols:
  equities: ["600000", "000001"]
  indexes: ["000300"]
  sectors: ["885556"]
  tracked: ["600000", "885556"]
boards:
  BK0475: 银行
jobs:
  fanout: 8
  daily_window: 60
`
	c, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.LogLevel != "debug" || c.MetricsAddr != ":9100" {
		t.Errorf("top-level = %q %q", c.LogLevel, c.MetricsAddr)
	}
	if c.Store.Path != "/tmp/test.db" || c.Store.MaxParams != 500 {
		t.Errorf("store = %+v", c.Store)
	}
	if !c.Redis.Enabled || c.Redis.Addr != "redis:6379" {
		t.Errorf("redis = %+v", c.Redis)
	}
	if c.Providers.Sina.MinGap != 5*time.Second || c.Providers.Sina.BreakerThreshold != 2 {
		t.Errorf("sina = %+v", c.Providers.Sina)
	}
	if c.Boards["BK0475"] != "银行" {
		t.Errorf("boards = %v", c.Boards)
	}
	if c.Jobs.Fanout != 8 || c.Jobs.DailyWindow != 60 {
		t.Errorf("jobs = %+v", c.Jobs)
	}
	// untouched defaults survive partial override
	if c.Jobs.IntradayWindow != 120 {
		t.Errorf("intraday_window = %d", c.Jobs.IntradayWindow)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad log level", "log_level: chatty\n"},
		{"zero fanout", "jobs:\n  fanout: -1\n"},
		{"bad rebuild day", "jobs:\n  board_rebuild_day: 9\n"},
		{"bad webhook", "notify:\n  webhook: not-a-url\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Error("want validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("want error for missing file")
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv("BARSYNC_CONFIG", "/etc/barsync/config.yaml")
	if got := Path(); got != "/etc/barsync/config.yaml" {
		t.Errorf("Path() = %q", got)
	}
	t.Setenv("BARSYNC_CONFIG", "")
	if got := Path(); got != "config.yaml" {
		t.Errorf("Path() = %q, want default", got)
	}
}
