// pkg/secrets/vault.go
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

const vaultScheme = "vault:"

// VaultProvider resolves vault: references against a KV-v2 mount.
type VaultProvider struct {
	client *api.Client
	mount  string
}

// NewVaultClient creates a Vault API client. The address falls back to
// VAULT_ADDR when empty; VAULT_TOKEN is picked up automatically.
func NewVaultClient(ctx context.Context, addr string) (*api.Client, error) {
	log := otelzap.Ctx(ctx)

	if addr == "" {
		addr = os.Getenv("VAULT_ADDR")
	}
	if addr == "" {
		addr = "http://127.0.0.1:8200"
		log.Warn("Vault address not set, falling back to default", zap.String("addr", addr))
	}

	cfg := api.DefaultConfig()
	cfg.Address = addr
	cfg.Timeout = 5 * time.Second

	if err := cfg.ReadEnvironment(); err != nil {
		log.Warn("Unable to read Vault env vars", zap.Error(err))
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client creation failed: %w", err)
	}

	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}

	log.Info("Vault client created", zap.String("addr", cfg.Address))
	return client, nil
}

// NewVaultProvider wraps a Vault client as a Provider. Mount defaults to
// "secret" when empty.
func NewVaultProvider(client *api.Client, mount string) *VaultProvider {
	if mount == "" {
		mount = "secret"
	}
	return &VaultProvider{client: client, mount: mount}
}

func (p *VaultProvider) Secret(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, vaultScheme) {
		return "", ErrUnsupportedRef
	}

	path, field := splitRef(strings.TrimPrefix(ref, vaultScheme))

	kv := p.client.KVv2(p.mount)
	secret, err := kv.Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault path %s: %w", path, ErrSecretNotFound)
	}

	value, ok := secret.Data[field].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("vault path %s field %s: %w", path, field, ErrSecretNotFound)
	}
	return value, nil
}

// splitRef separates "path#field", defaulting the field to "value".
func splitRef(ref string) (path, field string) {
	if i := strings.LastIndex(ref, "#"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, "value"
}
