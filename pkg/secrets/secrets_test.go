// pkg/secrets/secrets_test.go
package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvProvider(t *testing.T) {
	t.Run("resolves env reference", func(t *testing.T) {
		t.Setenv("HERMES_TEST_TOKEN", "s3cret")

		p := NewEnvProvider()
		value, err := p.Secret(context.Background(), "env:HERMES_TEST_TOKEN")
		require.NoError(t, err)
		assert.Equal(t, "s3cret", value)
	})

	t.Run("missing variable returns not found", func(t *testing.T) {
		p := NewEnvProvider()
		_, err := p.Secret(context.Background(), "env:HERMES_TEST_MISSING")
		assert.ErrorIs(t, err, ErrSecretNotFound)
	})

	t.Run("foreign scheme is unsupported", func(t *testing.T) {
		p := NewEnvProvider()
		_, err := p.Secret(context.Background(), "vault:hermes/grafana#token")
		assert.ErrorIs(t, err, ErrUnsupportedRef)
	})
}

func TestSplitRef(t *testing.T) {
	tests := []struct {
		name      string
		ref       string
		wantPath  string
		wantField string
	}{
		{"path with field", "hermes/grafana#token", "hermes/grafana", "token"},
		{"path without field", "hermes/directory/corp", "hermes/directory/corp", "value"},
		{"nested field separator", "a/b#c#d", "a/b#c", "d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, field := splitRef(tt.ref)
			assert.Equal(t, tt.wantPath, path)
			assert.Equal(t, tt.wantField, field)
		})
	}
}

type staticProvider struct {
	values map[string]string
	err    error
}

func (p *staticProvider) Secret(_ context.Context, ref string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	v, ok := p.values[ref]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func TestChain(t *testing.T) {
	t.Run("first provider wins", func(t *testing.T) {
		chain := NewChain(
			&staticProvider{values: map[string]string{"env:A": "first"}},
			&staticProvider{values: map[string]string{"env:A": "second"}},
		)
		value, err := chain.Secret(context.Background(), "env:A")
		require.NoError(t, err)
		assert.Equal(t, "first", value)
	})

	t.Run("falls through unsupported schemes", func(t *testing.T) {
		chain := NewChain(
			&staticProvider{err: ErrUnsupportedRef},
			&staticProvider{values: map[string]string{"env:B": "fallback"}},
		)
		value, err := chain.Secret(context.Background(), "env:B")
		require.NoError(t, err)
		assert.Equal(t, "fallback", value)
	})

	t.Run("aggregates failures", func(t *testing.T) {
		chain := NewChain(
			&staticProvider{},
			&staticProvider{err: errors.New("vault sealed")},
		)
		_, err := chain.Secret(context.Background(), "env:C")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "vault sealed")
	})

	t.Run("empty chain reports unsupported", func(t *testing.T) {
		chain := NewChain()
		_, err := chain.Secret(context.Background(), "env:D")
		assert.ErrorIs(t, err, ErrUnsupportedRef)
	})
}
