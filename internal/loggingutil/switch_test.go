package loggingutil

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestLevelSwitchFiltersDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	sw, logger := NewLevelSwitch(pslog.NewStructured(context.Background(), &buf), pslog.WarnLevel)
	derived := WithSubsystem(logger, "cli.root").With("k", "v")

	derived.Info("hidden.info")
	derived.Warn("shown.warn")
	if out := buf.String(); strings.Contains(out, "hidden.info") || !strings.Contains(out, "shown.warn") {
		t.Fatalf("unexpected output at warn: %q", out)
	}

	sw.Set(pslog.DebugLevel)
	derived.Debug("shown.debug")
	if !strings.Contains(buf.String(), "shown.debug") {
		t.Fatalf("derived logger did not follow level change: %q", buf.String())
	}
	if sw.Level() != pslog.DebugLevel {
		t.Fatalf("unexpected level %v", sw.Level())
	}

	logger.LogLevel(pslog.ErrorLevel)
	derived.Warn("hidden.warn")
	if strings.Contains(buf.String(), "hidden.warn") {
		t.Fatal("LogLevel must move the shared switch")
	}
}
