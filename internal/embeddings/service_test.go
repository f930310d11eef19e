package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTEIServer(t *testing.T, handler func(req teiRequest) (int, any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var req teiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		status, body := handler(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestServiceBatchEmbed(t *testing.T) {
	srv := newTEIServer(t, func(req teiRequest) (int, any) {
		assert.True(t, req.Truncate)
		out := make([][]float32, len(req.Inputs))
		for i := range req.Inputs {
			out[i] = []float32{float32(i), 1}
		}
		return http.StatusOK, out
	})

	svc, err := NewService(Config{BaseURL: srv.URL + "/", Model: "BAAI/bge-small-en-v1.5"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 384, svc.Dimension())

	vecs, err := svc.BatchEmbed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{2, 1}, vecs[2])

	vec, err := svc.Embed(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, vec)
}

func TestServiceErrors(t *testing.T) {
	srv := newTEIServer(t, func(req teiRequest) (int, any) {
		if req.Inputs[0] == "short" {
			return http.StatusOK, [][]float32{}
		}
		return http.StatusServiceUnavailable, map[string]string{"error": "loading"}
	})
	svc, err := NewService(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = svc.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "status 503")

	_, err = svc.Embed(context.Background(), "short")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)

	_, err = svc.BatchEmbed(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = svc.Embed(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestNewServiceRequiresBaseURL(t *testing.T) {
	_, err := NewService(Config{Model: "x"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
