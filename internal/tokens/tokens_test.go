package tokens_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ms-fulfillment/internal/tokens"
)

func TestGenerateProducesUniqueTokens(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		raw, err := tokens.Generate()
		assert.NoError(t, err)
		assert.Len(t, raw, 43, "32 bytes base64url-encode to 43 characters")
		assert.False(t, seen[raw], "generated token collided")
		seen[raw] = true
	}
}

func TestHashIsDeterministic(t *testing.T) {
	raw, err := tokens.Generate()
	assert.NoError(t, err)

	first := tokens.Hash(raw)
	second := tokens.Hash(raw)

	assert.Equal(t, first, second)
	assert.Len(t, first, 64, "hex-encoded SHA-256 digest")
	assert.NotEqual(t, raw, first)
}

func TestMatches(t *testing.T) {
	raw, err := tokens.Generate()
	assert.NoError(t, err)
	digest := tokens.Hash(raw)

	assert.True(t, tokens.Matches(raw, digest))
	assert.False(t, tokens.Matches("not-the-token", digest))
	assert.False(t, tokens.Matches("", digest))
}
