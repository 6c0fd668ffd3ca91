// pkg/secrets/env.go
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const envScheme = "env:"

// EnvProvider resolves env: references from process environment variables.
// Useful for development and as a fallback when Vault is unreachable.
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Secret(_ context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, envScheme) {
		return "", ErrUnsupportedRef
	}

	name := strings.TrimPrefix(ref, envScheme)
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return "", fmt.Errorf("env %s: %w", name, ErrSecretNotFound)
	}
	return value, nil
}
