package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/n8nkeeper/n8nkeeper/internal/types"
)

func TestLevelGating(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelWarning, false)
	logger.SetOutput(&buf)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warning("warning message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("messages below the level leaked through:\n%s", out)
	}
	if !strings.Contains(out, "warning message") || !strings.Contains(out, "error message") {
		t.Errorf("messages at or above the level missing:\n%s", out)
	}
}

func TestWarningAndErrorCounters(t *testing.T) {
	logger := New(types.LogLevelDebug, false)
	logger.SetOutput(&bytes.Buffer{})

	if logger.HasWarnings() || logger.HasErrors() {
		t.Fatal("fresh logger reports prior problems")
	}

	logger.Warning("w")
	if !logger.HasWarnings() {
		t.Error("warning not counted")
	}
	if logger.HasErrors() {
		t.Error("warning counted as error")
	}

	logger.Error("e")
	if !logger.HasErrors() {
		t.Error("error not counted")
	}

	// Critical counts toward errors too.
	fresh := New(types.LogLevelDebug, false)
	fresh.SetOutput(&bytes.Buffer{})
	fresh.Critical("c")
	if !fresh.HasErrors() {
		t.Error("critical not counted as error")
	}
}

func TestPhaseAndStepLabels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelInfo, false)
	logger.SetOutput(&buf)

	logger.Phase("backing up")
	logger.Step("stopping services")
	logger.Skip("firewall disabled")

	out := buf.String()
	for _, label := range []string{"PHASE", "STEP", "SKIP"} {
		if !strings.Contains(out, label) {
			t.Errorf("label %s missing:\n%s", label, out)
		}
	}
}

func TestFatalUsesExitFunc(t *testing.T) {
	logger := New(types.LogLevelDebug, false)
	logger.SetOutput(&bytes.Buffer{})

	code := -1
	logger.SetExitFunc(func(c int) { code = c })
	logger.Fatal(types.ExitLockError, "cannot lock")

	if code != types.ExitLockError.Int() {
		t.Errorf("exit code = %d, want %d", code, types.ExitLockError.Int())
	}
}

func TestNilLoggerLabelsAreSafe(t *testing.T) {
	var logger *Logger
	logger.Phase("no panic")
	logger.Step("no panic")
	logger.Skip("no panic")
}
