// Package secrets supplies credentials to the sync engine by reference, so
// plaintext bind passwords and API tokens never land in the database. A
// reference names its provider with a scheme prefix:
//
//	vault:hermes/grafana#token   KV-v2 path plus field (field defaults to "value")
//	env:GRAFANA_TOKEN            environment variable
package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ErrSecretNotFound is returned when a provider recognizes a reference but
// holds no value for it.
var ErrSecretNotFound = errors.New("secret not found")

// ErrUnsupportedRef is returned when a reference's scheme does not belong to
// the provider asked to resolve it.
var ErrUnsupportedRef = errors.New("unsupported secret reference")

// Provider resolves a secret reference to its plaintext value.
type Provider interface {
	Secret(ctx context.Context, ref string) (string, error)
}

// Chain tries each provider in order and returns the first resolved value.
// Providers that do not recognize the reference scheme are skipped.
type Chain struct {
	providers []Provider
}

func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

func (c *Chain) Secret(ctx context.Context, ref string) (string, error) {
	var result error
	for _, p := range c.providers {
		value, err := p.Secret(ctx, ref)
		if err == nil {
			return value, nil
		}
		if errors.Is(err, ErrUnsupportedRef) {
			continue
		}
		result = multierror.Append(result, err)
	}
	if result == nil {
		return "", fmt.Errorf("resolve %q: %w", ref, ErrUnsupportedRef)
	}
	return "", fmt.Errorf("resolve %q: %w", ref, result)
}
