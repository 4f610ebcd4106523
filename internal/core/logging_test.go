package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLogger(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "warden.log")

	cfg := &Config{}
	cfg.Logging.LogLevel = "warn"
	cfg.Logging.LogFilePath = logFile

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() returned an unexpected error: %v", err)
	}
	if logger.GetLevel() != logrus.WarnLevel {
		t.Errorf("expected warn level, got %s", logger.GetLevel())
	}

	logger.Info("dropped")
	logger.Warn("kept")

	contents, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(contents), "dropped") || !strings.Contains(string(contents), "kept") {
		t.Errorf("unexpected log file contents: %s", contents)
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	cfg := &Config{}
	cfg.Logging.LogLevel = "loud"

	if _, err := NewLogger(cfg); err == nil {
		t.Error("expected an error for an invalid log level")
	}
}
