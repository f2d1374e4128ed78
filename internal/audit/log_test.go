package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/obs"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Out
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithPrincipal(ctx, auth.Principal{ID: "user-42", TenantID: "tenant-1"})

	if err := LogEvent(ctx, "feature.set", map[string]any{"feature": "blog_module"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "feature.set" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["principal_id"] != "user-42" || entry["tenant_id"] != "tenant-1" {
		t.Fatalf("unexpected principal: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["feature"] != "blog_module" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatalf("expected error for empty event")
	}
}
