package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func newBufferLogger(component string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New(Config{
		Component: component,
		Handler:   slog.NewTextHandler(&buf, nil),
	})
	return l, &buf
}

func TestLoggerStampsComponent(t *testing.T) {
	l, buf := newBufferLogger(ComponentSync)

	l.Info("Cursor committed", FieldCursor, "cur-1")

	out := buf.String()
	if !strings.Contains(out, "component=sync") {
		t.Errorf("missing component field: %s", out)
	}
	if !strings.Contains(out, "cursor=cur-1") {
		t.Errorf("missing cursor field: %s", out)
	}
}

func TestLoggerWithComponentRescopes(t *testing.T) {
	l, buf := newBufferLogger(ComponentApp)

	l.WithComponent(ComponentWorker).Warn("Scheduled sync failed")

	out := buf.String()
	if !strings.Contains(out, "component=worker") {
		t.Errorf("expected rescoped component, got: %s", out)
	}
	if strings.Contains(out, "component=app") {
		t.Errorf("old component leaked through: %s", out)
	}
}

func TestLoggerForOwner(t *testing.T) {
	l, buf := newBufferLogger(ComponentExport)

	l.ForOwner("owner-1").Error("Month export failed", FieldMonth, 7)

	out := buf.String()
	if !strings.Contains(out, "owner_id=owner-1") {
		t.Errorf("missing owner field: %s", out)
	}
	if !strings.Contains(out, "component=export") {
		t.Errorf("missing component field: %s", out)
	}
}
