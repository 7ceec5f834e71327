package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("secret").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret", tok)

	_, err = StaticToken("").Token(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestTokenFunc(t *testing.T) {
	src := TokenFunc(func(context.Context) (string, error) { return "fresh", nil })
	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
}
