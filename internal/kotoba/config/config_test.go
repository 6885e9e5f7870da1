package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"golang.org/x/text/language"

	"github.com/bdobrica/Kotoba/common/environment"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kotoba.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.History.NoisePhrase != "sprich mir nach " {
		t.Errorf("noise phrase = %q", cfg.History.NoisePhrase)
	}
	tag, err := cfg.LanguageTag()
	if err != nil || tag != language.German {
		t.Errorf("LanguageTag = %v, %v", tag, err)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
database_path: /tmp/k.db
timezone: Europe/Berlin
table:
  state_path: javascript.1.Alexa.Table
  columns: [time, summary, status]
  max_entries: 10
  date_format: "DD.MM.YYYY hh:mm"
history:
  ignore: [alexa]
startup:
  settle_delay: 500ms
ingress:
  addr: ""
`)
	cfg, warnings, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v", warnings)
	}
	if cfg.DatabasePath != "/tmp/k.db" || cfg.Table.MaxEntries != 10 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.Table.Columns, []string{"time", "summary", "status"}) {
		t.Errorf("columns = %v", cfg.Table.Columns)
	}
	if !reflect.DeepEqual(cfg.History.Ignore, []string{"alexa"}) {
		t.Errorf("ignore = %v", cfg.History.Ignore)
	}
	if cfg.Startup.SettleDelay != 500*time.Millisecond {
		t.Errorf("settle delay = %v", cfg.Startup.SettleDelay)
	}
	if cfg.Ingress.Addr != "" {
		t.Errorf("ingress addr = %q, want disabled", cfg.Ingress.Addr)
	}
	// Untouched sections keep their defaults.
	if cfg.History.StateID != "alexa2.0.History.json" || cfg.Table.Today != "Heute" {
		t.Errorf("defaults lost: %+v", cfg)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "Europe/Berlin" {
		t.Errorf("Location = %v, %v", loc, err)
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, _, err := Load(writeFile(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Table.MaxEntries != 50 {
		t.Errorf("max entries = %d", cfg.Table.MaxEntries)
	}
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	_, _, err := Load(writeFile(t, "table:\n  max_entires: 10\n"))
	if err == nil {
		t.Fatal("expected error for misspelled key")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("KOTOBA_MAX_ENTRIES", "7")
	t.Setenv("KOTOBA_COLUMNS", "time, name ,summary,card")
	t.Setenv("KOTOBA_CAPITALIZE", "false")
	t.Setenv("KOTOBA_NOISE_PHRASE", "repeat after me ")
	t.Setenv("KOTOBA_SETTLE_DELAY", "soon")
	t.Setenv("KOTOBA_HTTP_RATE", "0.5")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MATRIX_HOMESERVER", "https://matrix.example.org")

	cfg := Default()
	warnings := cfg.ApplyEnv(environment.WithPrefix("KOTOBA_"), environment.WithPrefix(""))

	if cfg.Table.MaxEntries != 7 || cfg.Table.Capitalize {
		t.Errorf("table = %+v", cfg.Table)
	}
	if !reflect.DeepEqual(cfg.Table.Columns, []string{"time", "name", "summary", "card"}) {
		t.Errorf("columns = %v", cfg.Table.Columns)
	}
	if cfg.History.NoisePhrase != "repeat after me " {
		t.Errorf("noise phrase = %q (trailing space must survive)", cfg.History.NoisePhrase)
	}
	if cfg.Startup.SettleDelay != 2*time.Second {
		t.Errorf("settle delay = %v, want default kept", cfg.Startup.SettleDelay)
	}
	if cfg.Ingress.RateLimit != 0.5 || cfg.LogLevel != "debug" {
		t.Errorf("rate = %v, level = %q", cfg.Ingress.RateLimit, cfg.LogLevel)
	}
	if cfg.Matrix.Homeserver != "https://matrix.example.org" {
		t.Errorf("homeserver = %q", cfg.Matrix.Homeserver)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "KOTOBA_SETTLE_DELAY") {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero max entries", func(c *Config) { c.Table.MaxEntries = 0 }, "max_entries"},
		{"no columns", func(c *Config) { c.Table.Columns = nil }, "columns"},
		{"blank column", func(c *Config) { c.Table.Columns = []string{"time", " "} }, "columns[1]"},
		{"bad cron", func(c *Config) { c.Table.MidnightCron = "every night" }, "midnight_cron"},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"bad language", func(c *Config) { c.Table.Language = "!!" }, "language"},
		{"no source", func(c *Config) { c.History.StateID = "" }, "history.state_id"},
		{"source is output", func(c *Config) { c.History.StateID = "0_userdata.0.Alexa-History-Script.JSON_Table" }, "must differ"},
		{"negative rate", func(c *Config) { c.Ingress.RateLimit = -1 }, "rate_limit"},
		{"rate without burst", func(c *Config) { c.Ingress.Burst = 0 }, "burst"},
		{"matrix without token", func(c *Config) { c.Matrix.Homeserver = "https://m.example.org" }, "access_token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Table.MaxEntries = -1
	cfg.Table.Columns = nil
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "max_entries") || !strings.Contains(msg, "columns") {
		t.Errorf("error should list both problems: %v", err)
	}
}

func TestLoad_BadStatePathIsWarning(t *testing.T) {
	for _, path := range []string{"..", "javascript.3"} {
		t.Run(path, func(t *testing.T) {
			t.Setenv("KOTOBA_STATE_PATH", path)
			cfg, warnings, err := Load("")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Table.StatePath != path {
				t.Errorf("StatePath = %q", cfg.Table.StatePath)
			}
			if len(warnings) != 1 || !strings.Contains(warnings[0], "table.state_path") {
				t.Errorf("warnings = %v", warnings)
			}
		})
	}
}

func TestWarnings_DefaultIsClean(t *testing.T) {
	if w := Default().Warnings(); len(w) != 0 {
		t.Errorf("Warnings() = %v", w)
	}
}
