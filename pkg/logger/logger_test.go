package logx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestInitWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	Init(Config{Debug: true, File: path, MaxSizeMB: 1})
	t.Cleanup(func() { Init() })

	if got := log.Logger.GetLevel(); got != zerolog.DebugLevel {
		t.Fatalf("level = %s, want debug", got)
	}
	log.Info().Str("session_id", "s1").Msg("hello")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("log file is empty")
	}
}

func TestInitDefaultsToInfo(t *testing.T) {
	Init()
	if got := log.Logger.GetLevel(); got != zerolog.InfoLevel {
		t.Fatalf("level = %s, want info", got)
	}
}
