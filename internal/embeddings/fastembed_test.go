//go:build cgo

package embeddings

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFastEmbedProvider(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping FastEmbed test in short mode")
	}
	if _, err := os.Stat("/usr/lib/libonnxruntime.so"); os.IsNotExist(err) && os.Getenv("ONNX_PATH") == "" {
		t.Skip("ONNX runtime not available, skipping FastEmbed test")
	}

	p, err := NewFastEmbedProvider(FastEmbedConfig{Model: "BAAI/bge-small-en-v1.5", CacheDir: t.TempDir()})
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, 384, p.Dimension())

	vecs, err := p.BatchEmbed(context.Background(), []string{"run tests with -race", "never commit secrets"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Len(t, vecs[0], 384)

	_, err = p.Embed(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestFastEmbedUnknownModel(t *testing.T) {
	_, err := NewFastEmbedProvider(FastEmbedConfig{Model: "made-up/model"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
