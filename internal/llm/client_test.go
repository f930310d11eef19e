package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageJSON(text string) map[string]any {
	return map[string]any{
		"id":            "msg_test",
		"type":          "message",
		"role":          "assistant",
		"model":         DefaultModel,
		"stop_reason":   "end_turn",
		"content":       []map[string]any{{"type": "text", "text": text}},
		"usage":         map[string]any{"input_tokens": 12, "output_tokens": 3},
		"stop_sequence": nil,
	}
}

func writeError(w http.ResponseWriter, status int, typ string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":  "error",
		"error": map[string]any{"type": typ, "message": typ},
	})
}

func testClient(t *testing.T, url string, retries int) *Client {
	t.Helper()
	c, err := New(Config{
		APIKey:       "test-key",
		MaxRetries:   retries,
		RetryInitial: time.Millisecond,
	}, nil, option.WithBaseURL(url))
	require.NoError(t, err)
	return c
}

func TestComplete_Success(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(messageJSON("hello"))
	}))
	defer server.Close()

	text, err := testClient(t, server.URL, 0).Complete(context.Background(), "test", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, "test-key", gotKey)
}

func TestComplete_RetriesOverload(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeError(w, 529, "overloaded_error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(messageJSON("finally"))
	}))
	defer server.Close()

	text, err := testClient(t, server.URL, 3).Complete(context.Background(), "test", "hi")
	require.NoError(t, err)
	assert.Equal(t, "finally", text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestComplete_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, 429, "rate_limit_error")
	}))
	defer server.Close()

	_, err := testClient(t, server.URL, 2).Complete(context.Background(), "test", "hi")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, err.Error(), "3 attempt(s)")
}

func TestComplete_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, 400, "invalid_request_error")
	}))
	defer server.Close()

	_, err := testClient(t, server.URL, 3).Complete(context.Background(), "test", "hi")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestComplete_EmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		msg := messageJSON("")
		msg["content"] = []map[string]any{}
		_ = json.NewEncoder(w).Encode(msg)
	}))
	defer server.Close()

	_, err := testClient(t, server.URL, 3).Complete(context.Background(), "test", "hi")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestNew_RequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := New(Config{}, nil)
	assert.ErrorIs(t, err, ErrAPIKeyRequired)

	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	c, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, c.Model())
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name, in, want string
		open, close    byte
		wantErr        bool
	}{
		{"fenced array", "Here:\n```json\n[{\"a\":1}]\n```", `[{"a":1}]`, '[', ']', false},
		{"nested", `x {"a":{"b":[1]}} y`, `{"a":{"b":[1]}}`, '{', '}', false},
		{"brackets in strings", `[{"c":"]not end["}]`, `[{"c":"]not end["}]`, '[', ']', false},
		{"escaped quote", `{"c":"say \"}\""}`, `{"c":"say \"}\""}`, '{', '}', false},
		{"none", "no json here", "", '[', ']', true},
		{"unbalanced", "[1, 2", "", '[', ']', true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractJSON(tt.in, tt.open, tt.close)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoJSON)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
