// Package config loads runtime settings from YAML with environment
// overrides and validates them against an embedded JSON schema.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/wilhg/composable/pkg/errmodel"
	"github.com/wilhg/composable/pkg/store"
)

//go:embed schema.json
var schemaJSON []byte

// MaxFileSize bounds the config file read by Load.
const MaxFileSize = 1 << 20

type Config struct {
	// Mode is "debug" or "release".
	Mode      string    `yaml:"mode" json:"mode"`
	Log       Log       `yaml:"log" json:"log"`
	Telemetry Telemetry `yaml:"telemetry" json:"telemetry"`
	Journal   Journal   `yaml:"journal" json:"journal"`
	Devtools  Devtools  `yaml:"devtools" json:"devtools"`
}

type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`
	// Format is text or json.
	Format string `yaml:"format" json:"format"`
}

type Telemetry struct {
	ServiceName string `yaml:"service_name" json:"service_name"`
	// Traces selects the span exporter: none or stdout.
	Traces string `yaml:"traces" json:"traces"`
	// Metrics selects the metric reader: none, stdout or prometheus.
	Metrics string `yaml:"metrics" json:"metrics"`
}

type Journal struct {
	// Backend is sql, badger or memory.
	Backend string `yaml:"backend" json:"backend"`
	// DSN is used by the sql backend: postgres://... or sqlite path.
	DSN string `yaml:"dsn" json:"dsn"`
	// Dir is used by the badger backend; empty keeps it in memory.
	Dir string `yaml:"dir" json:"dir"`
	// BatchSize is how many records the recorder writes at once.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
}

type Devtools struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		Mode:      "debug",
		Log:       Log{Level: "info", Format: "text"},
		Telemetry: Telemetry{ServiceName: "composable", Traces: "none", Metrics: "prometheus"},
		Journal:   Journal{Backend: "sql", DSN: "sqlite:file:composable.db?_pragma=busy_timeout(5000)", BatchSize: 64},
		Devtools:  Devtools{Addr: ":8080"},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := decode(io.LimitReader(f, MaxFileSize+1), &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates it. Environment
// overrides are not applied.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(bytes.NewReader(data), &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if len(data) > MaxFileSize {
		return errmodel.Validation("config_too_large", "config file exceeds size limit", map[string]any{"limit": MaxFileSize})
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return errmodel.Validation("config_parse", err.Error(), nil)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Mode = getEnv("COMPOSABLE_MODE", c.Mode)
	c.Log.Level = getEnv("COMPOSABLE_LOG_LEVEL", c.Log.Level)
	c.Journal.DSN = getEnv("DATABASE_URL", c.Journal.DSN)
	c.Devtools.Addr = getEnv("COMPOSABLE_DEVTOOLS_ADDR", c.Devtools.Addr)
}

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Validate checks the config against the embedded JSON schema.
func (c Config) Validate() error {
	compiler := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return err
	}
	if err := compiler.AddResource("mem://config.schema.json", doc); err != nil {
		return err
	}
	sch, err := compiler.Compile("mem://config.schema.json")
	if err != nil {
		return err
	}
	b, _ := json.Marshal(c)
	var v any
	_ = json.Unmarshal(b, &v)
	if err := sch.Validate(v); err != nil {
		return errmodel.Validation("config_invalid", err.Error(), nil)
	}
	return nil
}

// StoreMode maps Mode onto the store's logic error handling.
func (c Config) StoreMode() store.Mode { return store.ParseMode(c.Mode) }

// NewLogger builds the process logger described by l, writing to w.
func NewLogger(l Log, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(l.Level)}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
