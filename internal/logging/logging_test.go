package logging

import (
	"bytes"
	"testing"
)

func TestEnsureLoggerFallsBackToNoop(t *testing.T) {
	if EnsureLogger(nil) == nil {
		t.Fatal("expected a non-nil logger")
	}
	if NoopLogger() != NoopLogger() {
		t.Error("expected the noop logger to be shared")
	}
}

func TestNewWritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "celerix-test", "info")
	Subsystem(l, "sync", ".reload.").Info("sync.reload.complete", "token", "abc")
	if !bytes.Contains(buf.Bytes(), []byte("sync.reload.complete")) {
		t.Errorf("expected the message in output, got %q", buf.String())
	}
}
