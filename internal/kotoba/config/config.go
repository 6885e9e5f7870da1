// Package config loads Kotoba's static configuration: a YAML file overlaid
// with environment variables, validated once before startup.
//
// Defaults reproduce the classic ioBroker script settings: a 50 row table of
// time, name and summary under 0_userdata.0.Alexa-History-Script.JSON_Table,
// fed from alexa2.0.History.json, with "Heute"/"Gestern" relative dates.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // timezone names resolve in minimal containers

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kotoba/common/environment"
	"github.com/bdobrica/Kotoba/internal/kotoba/cron"
	"github.com/bdobrica/Kotoba/internal/kotoba/states"
)

// Config is the full configuration document.
type Config struct {
	DatabasePath string `yaml:"database_path"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	// Timezone names the IANA zone used for dates and the midnight job.
	// Empty means the process's local zone.
	Timezone string `yaml:"timezone"`

	Table     TableConfig     `yaml:"table"`
	History   HistoryConfig   `yaml:"history"`
	Startup   StartupConfig   `yaml:"startup"`
	Ingress   IngressConfig   `yaml:"ingress"`
	FileWatch FileWatchConfig `yaml:"file_watch"`
	Matrix    MatrixConfig    `yaml:"matrix"`
}

// TableConfig shapes the published table.
type TableConfig struct {
	StatePath  string   `yaml:"state_path"`
	Columns    []string `yaml:"columns"`
	Capitalize bool     `yaml:"capitalize"`
	// Language selects title-casing rules, as a BCP 47 tag.
	Language     string `yaml:"language"`
	MaxEntries   int    `yaml:"max_entries"`
	DateFormat   string `yaml:"date_format"`
	Today        string `yaml:"today"`
	Yesterday    string `yaml:"yesterday"`
	MidnightCron string `yaml:"midnight_cron"`
}

// HistoryConfig names the source state and what to drop from it.
type HistoryConfig struct {
	StateID     string   `yaml:"state_id"`
	Ignore      []string `yaml:"ignore"`
	NoisePhrase string   `yaml:"noise_phrase"`
}

// StartupConfig tunes the read-after-create of the output state.
type StartupConfig struct {
	SettleDelay  time.Duration `yaml:"settle_delay"`
	ReadAttempts int           `yaml:"read_attempts"`
	ReadDelay    time.Duration `yaml:"read_delay"`
	WarnExisting bool          `yaml:"warn_existing"`
}

// IngressConfig configures the HTTP surface. An empty Addr disables it.
type IngressConfig struct {
	Addr      string  `yaml:"addr"`
	AuthToken string  `yaml:"auth_token"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// FileWatchConfig feeds the history state from a file. An empty Path
// disables it.
type FileWatchConfig struct {
	Path string `yaml:"path"`
}

// MatrixConfig feeds the history state from a Matrix room. An empty
// Homeserver disables it.
type MatrixConfig struct {
	Homeserver     string   `yaml:"homeserver"`
	UserID         string   `yaml:"user_id"`
	AccessToken    string   `yaml:"access_token"`
	RoomID         string   `yaml:"room_id"`
	AllowedSenders []string `yaml:"allowed_senders"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		DatabasePath: "/data/kotoba.db",
		LogLevel:     "info",
		LogFormat:    "text",
		Table: TableConfig{
			StatePath:    "0_userdata.0.Alexa-History-Script.JSON_Table",
			Columns:      []string{"time", "name", "summary"},
			Capitalize:   true,
			Language:     "de",
			MaxEntries:   50,
			DateFormat:   "#DD.MM.YY# um hh:mm:ss Uhr",
			Today:        "Heute",
			Yesterday:    "Gestern",
			MidnightCron: "1 0 * * *",
		},
		History: HistoryConfig{
			StateID:     "alexa2.0.History.json",
			Ignore:      []string{"alexa", "echo", "computer"},
			NoisePhrase: "sprich mir nach ",
		},
		Startup: StartupConfig{
			SettleDelay:  2 * time.Second,
			ReadAttempts: 5,
			ReadDelay:    50 * time.Millisecond,
		},
		Ingress: IngressConfig{
			Addr:      ":8087",
			RateLimit: 10,
			Burst:     20,
		},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result. Unparsable environment values are returned as
// warnings, not errors.
func Load(path string) (*Config, []string, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	warnings := cfg.ApplyEnv(environment.WithPrefix("KOTOBA_"), environment.WithPrefix(""))
	if err := cfg.Validate(); err != nil {
		return nil, warnings, err
	}
	return cfg, append(warnings, cfg.Warnings()...), nil
}

// decode overlays a YAML document on cfg. Unknown keys are rejected so that
// typos do not silently fall back to defaults.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overlays KOTOBA_* variables from env and the shared LOG_* and
// MATRIX_* variables from global.
func (c *Config) ApplyEnv(env, global *environment.Source) []string {
	c.DatabasePath = env.String("DB_PATH", c.DatabasePath)
	c.Timezone = env.String("TIMEZONE", c.Timezone)
	c.LogLevel = global.String("LOG_LEVEL", c.LogLevel)
	c.LogFormat = global.String("LOG_FORMAT", c.LogFormat)

	t := &c.Table
	t.StatePath = env.String("STATE_PATH", t.StatePath)
	t.Columns = env.List("COLUMNS", t.Columns, false)
	t.Capitalize = env.Bool("CAPITALIZE", t.Capitalize)
	t.Language = env.String("LANGUAGE", t.Language)
	t.MaxEntries = env.Int("MAX_ENTRIES", t.MaxEntries)
	t.DateFormat = env.String("DATE_FORMAT", t.DateFormat)
	t.Today = env.String("TODAY_LABEL", t.Today)
	t.Yesterday = env.String("YESTERDAY_LABEL", t.Yesterday)
	t.MidnightCron = env.String("MIDNIGHT_CRON", t.MidnightCron)

	h := &c.History
	h.StateID = env.String("HISTORY_STATE", h.StateID)
	h.Ignore = env.List("IGNORE", h.Ignore, false)
	h.NoisePhrase = env.String("NOISE_PHRASE", h.NoisePhrase)

	s := &c.Startup
	s.SettleDelay = env.Duration("SETTLE_DELAY", s.SettleDelay)
	s.ReadAttempts = env.Int("READ_ATTEMPTS", s.ReadAttempts)
	s.ReadDelay = env.Duration("READ_DELAY", s.ReadDelay)
	s.WarnExisting = env.Bool("WARN_EXISTING", s.WarnExisting)

	i := &c.Ingress
	i.Addr = env.String("HTTP_ADDR", i.Addr)
	i.AuthToken = env.String("HTTP_TOKEN", i.AuthToken)
	i.RateLimit = env.Float("HTTP_RATE", i.RateLimit)
	i.Burst = env.Int("HTTP_BURST", i.Burst)

	c.FileWatch.Path = env.String("WATCH_FILE", c.FileWatch.Path)

	m := &c.Matrix
	m.Homeserver = global.String("MATRIX_HOMESERVER", m.Homeserver)
	m.UserID = global.String("MATRIX_USER_ID", m.UserID)
	m.AccessToken = global.String("MATRIX_ACCESS_TOKEN", m.AccessToken)
	m.RoomID = env.String("MATRIX_ROOM", m.RoomID)
	m.AllowedSenders = env.List("MATRIX_ALLOWED_SENDERS", m.AllowedSenders, false)

	return append(env.Problems(), global.Problems()...)
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.DatabasePath) == "" {
		bad("database_path must not be empty")
	}
	if _, err := c.Location(); err != nil {
		bad("timezone: %w", err)
	}

	// ── Table ────────────────────────────────────────────────────────────────
	// An unusable state_path is reported by Warnings: the controller then
	// fails to start and the rest of the process runs degraded.
	if len(c.Table.Columns) == 0 {
		bad("table.columns must list at least one column")
	}
	for i, col := range c.Table.Columns {
		if strings.TrimSpace(col) == "" {
			bad("table.columns[%d] is empty", i)
		}
	}
	if c.Table.MaxEntries <= 0 {
		bad("table.max_entries must be positive, got %d", c.Table.MaxEntries)
	}
	if _, err := c.LanguageTag(); err != nil {
		bad("table.language: %w", err)
	}
	if _, err := cron.Parse(c.Table.MidnightCron); err != nil {
		bad("table.midnight_cron: %w", err)
	}

	// ── History ──────────────────────────────────────────────────────────────
	if strings.TrimSpace(c.History.StateID) == "" {
		bad("history.state_id must not be empty")
	} else if output, _, err := states.NormalizePath(c.Table.StatePath); err == nil && c.History.StateID == output {
		bad("history.state_id must differ from table.state_path")
	}

	// ── Startup ──────────────────────────────────────────────────────────────
	if c.Startup.SettleDelay < 0 || c.Startup.ReadDelay < 0 {
		bad("startup delays must not be negative")
	}

	// ── Ingress ──────────────────────────────────────────────────────────────
	if c.Ingress.RateLimit < 0 {
		bad("ingress.rate_limit must not be negative")
	}
	if c.Ingress.RateLimit > 0 && c.Ingress.Burst <= 0 {
		bad("ingress.burst must be positive when rate_limit is set")
	}

	// ── Matrix ───────────────────────────────────────────────────────────────
	if c.Matrix.Homeserver != "" {
		if c.Matrix.UserID == "" || c.Matrix.AccessToken == "" {
			bad("matrix.user_id and matrix.access_token are required with matrix.homeserver")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

// Warnings reports problems that do not stop the process but leave part of
// it disabled.
func (c *Config) Warnings() []string {
	var out []string
	if _, _, err := states.NormalizePath(c.Table.StatePath); err != nil {
		out = append(out, fmt.Sprintf("table.state_path: %v; the history table is disabled", err))
	}
	return out
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// LanguageTag parses Table.Language.
func (c *Config) LanguageTag() (language.Tag, error) {
	if c.Table.Language == "" {
		return language.Und, nil
	}
	return language.Parse(c.Table.Language)
}
