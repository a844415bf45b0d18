package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wilhg/composable/pkg/errmodel"
	"github.com/wilhg/composable/pkg/store"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("mode: release\njournal:\n  backend: badger\n  dir: /tmp/j\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.StoreMode() != store.Release {
		t.Fatalf("mode = %v", cfg.StoreMode())
	}
	if cfg.Journal.Backend != "badger" || cfg.Journal.Dir != "/tmp/j" {
		t.Fatalf("journal = %+v", cfg.Journal)
	}
	if cfg.Journal.BatchSize != 64 || cfg.Log.Level != "info" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad mode":      "mode: loud\n",
		"bad backend":   "journal:\n  backend: s3\n",
		"empty sql dsn": "journal:\n  backend: sql\n  dsn: \"\"\n",
		"batch size":    "journal:\n  batch_size: 0\n",
		"unknown field": "colour: blue\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !errmodel.IsCategory(err, errmodel.CategoryValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestLoadAppliesEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "composable.yaml")
	if err := os.WriteFile(path, []byte("devtools:\n  addr: \":9000\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COMPOSABLE_MODE", "release")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/db")
	t.Setenv("COMPOSABLE_DEVTOOLS_ADDR", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != "release" {
		t.Fatalf("mode = %q", cfg.Mode)
	}
	if cfg.Journal.DSN != "postgres://u:p@localhost:5432/db" {
		t.Fatalf("dsn = %q", cfg.Journal.DSN)
	}
	if cfg.Devtools.Addr != ":9000" {
		t.Fatalf("empty env must not override, addr = %q", cfg.Devtools.Addr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(Log{Level: "warn", Format: "json"}, &buf)
	log.Info("hidden")
	log.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Fatalf("unexpected output: %s", out)
	}
}
