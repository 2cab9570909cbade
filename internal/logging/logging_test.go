package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewAppliesLevelAndService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Config{Level: "warn", ServiceName: "chat"})

	logger.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}

	logger.Warn().Msg("kept")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry[FieldService] != "chat" {
		t.Fatalf("expected service field, got %v", entry)
	}
}

func TestCtxFallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)
	ctx := WithLogger(context.Background(), l)

	got := Ctx(ctx)
	got.Info().Msg("hello")
	if buf.Len() == 0 {
		t.Fatal("expected context logger to be used")
	}

	if Ctx(context.Background()).GetLevel() != L().GetLevel() {
		t.Fatal("expected global logger fallback")
	}
}
