package logging_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"assay/internal/logging"
)

func TestNewConsoleWritesToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console.log")

	logger, err := logging.New(logging.Options{
		Format:      "console",
		Level:       "info",
		OutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Info("run started", logging.String("run_id", "abc"))
	logger.Debug("too quiet to appear")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	text := string(content)
	if !strings.Contains(text, "run started") || !strings.Contains(text, "abc") {
		t.Fatalf("missing log content: %q", text)
	}
	if strings.Contains(text, "too quiet") {
		t.Fatalf("debug line leaked past info level: %q", text)
	}
}

func TestNewJSONWritesStructuredLines(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json.log")

	logger, err := logging.New(logging.Options{
		Format:      "json",
		Level:       "debug",
		OutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Warn("merge stalled", logging.Int("pending", 4))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	text := string(content)
	if !strings.Contains(text, `"msg":"merge stalled"`) || !strings.Contains(text, `"pending":4`) {
		t.Fatalf("unexpected json output: %q", text)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected unknown format to be rejected")
	}
}

func TestNopLoggerIsSilentAndSafe(t *testing.T) {
	logger := logging.NewNop()
	logger.Info("swallowed", logging.Error(errors.New("boom")))
	logger = logging.WithComponent(nil, "analysis")
	logger.Error("also swallowed")
}
