package embedder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeHash(t *testing.T) {
	a := ComputeHash("bge", "banana")
	assert.Len(t, a, 64)
	assert.Equal(t, a, ComputeHash("bge", "banana"))
	assert.NotEqual(t, a, ComputeHash("openai", "banana"), "model is part of the key")
	assert.NotEqual(t, ComputeHash("a", "bc"), ComputeHash("ab", "c"))
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "greek yogurt - fage", NormalizeText("  Greek\tYogurt -  FAGE "))
	assert.Equal(t, "", NormalizeText("   "))
}

func TestValidateRequest(t *testing.T) {
	assert.NoError(t, ValidateRequest(EmbeddingRequest{Text: "apple"}))
	assert.ErrorIs(t, ValidateRequest(EmbeddingRequest{Text: " "}), ErrEmptyText)
}

func TestValidateBatchRequest(t *testing.T) {
	tests := []struct {
		name    string
		texts   []string
		wantErr error
	}{
		{"valid", []string{"a", "b"}, nil},
		{"empty batch", nil, ErrInvalidInput},
		{"blank text", []string{"a", ""}, ErrEmptyText},
		{"too large", make([]string, MaxBatchSize+1), ErrBatchTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBatchRequest(BatchEmbeddingRequest{Texts: tt.texts})
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCache(t *testing.T) {
	c := NewCache(2)
	c.Set("a", []float32{1})
	c.Set("b", []float32{2})

	v, ok := c.Get("a")
	require.True(t, ok)
	v[0] = 99
	again, _ := c.Get("a")
	assert.Equal(t, float32(1), again[0], "Get returns a copy")

	c.Set("c", []float32{3}) // evicts b, the least recently used
	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Size())

	c.Clear()
	assert.Equal(t, 0, c.Size())
}

func TestNormalizeVector(t *testing.T) {
	v := NormalizeVector([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	assert.Equal(t, zero, NormalizeVector(zero))
}
