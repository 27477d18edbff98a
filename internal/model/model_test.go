package model

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestFormatTimestamp(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	got := FormatTimestamp(time.Date(2024, 1, 1, 2, 0, 0, 500000000, loc))
	if got != "2024-01-01T00:00:00.500000Z" {
		t.Errorf("Expected UTC with Z suffix, got %s", got)
	}
}

func TestFormatTimestamp_SortsLexically(t *testing.T) {
	earlier := FormatTimestamp(time.Date(2024, 1, 1, 9, 59, 59, 999999000, time.UTC))
	later := FormatTimestamp(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	if !(earlier < later) {
		t.Errorf("Expected %s < %s", earlier, later)
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for _, s := range []string{
		"2024-05-01T10:00:00.000000Z",
		"2024-05-01T10:00:00Z",
		"2024-05-01T12:00:00+02:00",
		"2024-05-01T10:00:00.000000",
		"2024-05-01T10:00:00",
	} {
		got, err := ParseTimestamp(s)
		if err != nil {
			t.Errorf("ParseTimestamp(%q) failed: %v", s, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", s, got, want)
		}
	}

	if _, err := ParseTimestamp("last tuesday"); err == nil {
		t.Error("Expected error for unparseable timestamp")
	}
}

func TestIndicatorKey(t *testing.T) {
	a := Indicator{Indicator: "1.2.3.4", Type: "IPv4", Severity: "high", Timestamp: "t1"}
	b := Indicator{Indicator: "1.2.3.4", Type: "IPv4", Severity: "low", Timestamp: "t1"}
	c := Indicator{Indicator: "1.2.3.4", Type: "IPv4", Severity: "high", Timestamp: "t2"}

	if a.Key() != b.Key() {
		t.Error("Expected severity to be outside the natural key")
	}
	if a.Key() == c.Key() {
		t.Error("Expected timestamp to be part of the natural key")
	}
}

func TestCycleResult(t *testing.T) {
	start := time.Now()
	r := &CycleResult{StartedAt: start}
	if r.Duration() != 0 {
		t.Errorf("Expected zero duration for unfinished cycle, got %v", r.Duration())
	}
	r.FinishedAt = start.Add(3 * time.Second)
	if r.Duration() != 3*time.Second {
		t.Errorf("Expected 3s, got %v", r.Duration())
	}
	if r.Outcome() != "success" {
		t.Errorf("Expected success, got %s", r.Outcome())
	}
	r.Err = errors.New("boom")
	if r.Outcome() != "failure" {
		t.Errorf("Expected failure, got %s", r.Outcome())
	}
}

func TestValidateFetcher(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantKey string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing otx key", func(c *Config) { c.OTX.APIKey = "" }, "OTX_API_KEY"},
		{"missing otx url", func(c *Config) { c.OTX.URL = "" }, "ALIENVAULT_URL"},
		{"vt enabled without key", func(c *Config) { c.VT.Enabled = true }, "VT_API_KEY"},
		{"vt enabled with key", func(c *Config) { c.VT.Enabled = true; c.VT.APIKey = "k" }, ""},
		{"missing uri", func(c *Config) { c.Store.URI = "" }, "MONGODB_URI"},
		{"missing database", func(c *Config) { c.Store.Database = "" }, "MONGODB_DB"},
		{"missing collection", func(c *Config) { c.Store.Collection = "" }, "MONGODB_COLLECTION"},
		{"sql without database", func(c *Config) { c.Store.Driver = "sqlite"; c.Store.Database = "" }, ""},
		{"memory needs nothing", func(c *Config) { c.Store = StoreConfig{Driver: "memory"} }, ""},
		{"no driver", func(c *Config) { c.Store.Driver = "" }, "store.driver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.OTX.APIKey = "otx"
			tt.mutate(cfg)

			err := cfg.ValidateFetcher()
			if tt.wantKey == "" {
				if err != nil {
					t.Errorf("Expected valid config, got %v", err)
				}
				return
			}
			if !errors.Is(err, ErrConfigMissing) {
				t.Fatalf("Expected ErrConfigMissing, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantKey) {
				t.Errorf("Expected %s in error, got %v", tt.wantKey, err)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.HTTP.Timeout != 10*time.Second {
		t.Errorf("Expected 10s request timeout, got %v", cfg.HTTP.Timeout)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Expected 5 attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Fetch.LoopDelay != 60*time.Second {
		t.Errorf("Expected 60s loop delay, got %v", cfg.Fetch.LoopDelay)
	}
	if cfg.Server.Addr != ":5020" {
		t.Errorf("Expected :5020, got %s", cfg.Server.Addr)
	}
}

func TestCanonicalTimestamp(t *testing.T) {
	micro := time.Date(2024, 1, 1, 0, 0, 0, 123456000, time.UTC)
	if got := CanonicalTimestamp(micro); got != "2024-01-01T00:00:00.123456Z" {
		t.Errorf("Expected microsecond layout, got %s", got)
	}

	nano := time.Date(2024, 1, 1, 0, 0, 0, 100, time.UTC)
	if got := CanonicalTimestamp(nano); got != "2024-01-01T00:00:00.000000100Z" {
		t.Errorf("Expected nanosecond layout, got %s", got)
	}
	if CanonicalTimestamp(nano) == CanonicalTimestamp(nano.Add(100)) {
		t.Error("Expected sub-microsecond instants to stay distinct")
	}
}
