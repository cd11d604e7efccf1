package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type testConfig struct {
	Addr    string        `envconfig:"ADDR" default:":8080"`
	Timeout time.Duration `envconfig:"TIMEOUT" default:"5s"`
	Token   string        `envconfig:"TOKEN" required:"true"`
}

func TestNewReadsPrefixedEnvironment(t *testing.T) {
	t.Setenv("CFGTEST_TOKEN", "secret")
	t.Setenv("CFGTEST_TIMEOUT", "2m")

	conf, err := New[testConfig]("CFGTEST")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if conf.Addr != ":8080" || conf.Timeout != 2*time.Minute || conf.Token != "secret" {
		t.Fatalf("unexpected config: %+v", conf)
	}
}

func TestNewMissingRequired(t *testing.T) {
	if _, err := New[testConfig]("CFGMISSING"); err == nil || !strings.Contains(err.Error(), "CFGMISSING") {
		t.Fatalf("New() error = %v, want prefixed error", err)
	}
}

func TestExportEnvironmentFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("CFGFILE_TOKEN=from-file\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("CFGFILE_TOKEN", "")

	if err := exportEnvironment(path); err != nil {
		t.Fatalf("exportEnvironment() error = %v", err)
	}
	if got := os.Getenv("CFGFILE_TOKEN"); got != "from-file" {
		t.Fatalf("CFGFILE_TOKEN = %q", got)
	}
}

type yamlDoc struct {
	Tools map[string]struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"tools"`
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	doc, err := ParseYAML[yamlDoc]([]byte("tools:\n  web_search:\n    timeout: 10s\n"))
	if err != nil {
		t.Fatalf("ParseYAML() error = %v", err)
	}
	if doc.Tools["web_search"].Timeout != "10s" {
		t.Fatalf("unexpected doc: %+v", doc)
	}

	if _, err := ParseYAML[yamlDoc]([]byte("tool:\n  x: 1\n")); err == nil {
		t.Fatalf("ParseYAML() accepted an unknown key")
	}
	if _, err := ParseYAML[yamlDoc](nil); err != nil {
		t.Fatalf("ParseYAML(empty) error = %v", err)
	}
}
