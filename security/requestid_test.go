package security

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestGenerateRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := GenerateRequestID()
		if _, err := uuid.Parse(id); err != nil {
			t.Fatalf("GenerateRequestID() = %q is not a UUID: %v", id, err)
		}
		if !requestIDPattern.MatchString(id) {
			t.Fatalf("generated ID %q fails validation", id)
		}
		if seen[id] {
			t.Fatalf("duplicate ID %q", id)
		}
		seen[id] = true
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
		wantKept bool
	}{
		{"missing header", "", false},
		{"valid upstream id", "lb-1234_abcd", true},
		{"crlf injection", "abc\r\nSet-Cookie: x=y", false},
		{"too long", strings.Repeat("a", 129), false},
		{"disallowed characters", "id with spaces", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctxID string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxID = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
			if tt.upstream != "" {
				req.Header.Set(RequestIDHeader, tt.upstream)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			got := rr.Header().Get(RequestIDHeader)
			if got == "" || got != ctxID {
				t.Fatalf("response id %q, context id %q", got, ctxID)
			}
			if tt.wantKept && got != tt.upstream {
				t.Errorf("id = %q, want upstream %q", got, tt.upstream)
			}
			if !tt.wantKept && got == tt.upstream {
				t.Errorf("invalid upstream id %q was kept", tt.upstream)
			}
		})
	}
}

func TestGetRequestID_Empty(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("GetRequestID() = %q, want empty", id)
	}
}

func TestLoggerWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LoggerWithRequestID(WithRequestID(context.Background(), "req-42"), logger).Info("hello")
	if !strings.Contains(buf.String(), "request_id=req-42") {
		t.Errorf("log line missing request id: %s", buf.String())
	}

	buf.Reset()
	LoggerWithRequestID(context.Background(), logger).Info("hello")
	if strings.Contains(buf.String(), "request_id") {
		t.Errorf("unexpected request id: %s", buf.String())
	}
}
