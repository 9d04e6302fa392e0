// Package secrets resolves per-tenant exchange credentials. The Vault
// source reads from a KV v2 mount and keeps a fallback cache so a Vault
// outage does not stop a running engine; the static source serves the
// environment-provided keys when Vault is disabled.
package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"trading-risk-engine/config"
)

// Credentials is one tenant's exchange API key pair.
type Credentials struct {
	APIKey    string
	SecretKey string
	Testnet   bool
}

// Source resolves exchange credentials for a tenant.
type Source interface {
	ExchangeCredentials(ctx context.Context, tenantID string) (*Credentials, error)
}

// StaticSource returns the same credentials for every tenant. Used for
// single-tenant deployments and mock mode.
type StaticSource struct {
	creds Credentials
}

var _ Source = (*StaticSource)(nil)

// NewStaticSource wraps environment-provided credentials.
func NewStaticSource(apiKey, secretKey string, testnet bool) *StaticSource {
	return &StaticSource{creds: Credentials{APIKey: apiKey, SecretKey: secretKey, Testnet: testnet}}
}

// ExchangeCredentials returns the static pair.
func (s *StaticSource) ExchangeCredentials(_ context.Context, _ string) (*Credentials, error) {
	return &s.creds, nil
}

// VaultSource reads tenant credentials from Vault KV v2 at
// <mount>/data/<secret_path>/<tenant>.
type VaultSource struct {
	client     *api.Client
	mountPath  string
	secretPath string
	logger     zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*Credentials
}

var _ Source = (*VaultSource)(nil)

// NewVaultSource connects to Vault using the configured address and token.
func NewVaultSource(cfg config.VaultConfig, logger zerolog.Logger) (*VaultSource, error) {
	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	mount := cfg.MountPath
	if mount == "" {
		mount = "secret"
	}
	path := cfg.SecretPath
	if path == "" {
		path = "riskengine/exchange"
	}
	return &VaultSource{
		client:     client,
		mountPath:  mount,
		secretPath: path,
		logger:     logger.With().Str("component", "vault").Logger(),
		cache:      make(map[string]*Credentials),
	}, nil
}

// ExchangeCredentials reads the tenant's keys, falling back to the last
// good copy when Vault is unreachable.
func (s *VaultSource) ExchangeCredentials(ctx context.Context, tenantID string) (*Credentials, error) {
	path := s.tenantPath(tenantID)

	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		if cached := s.cached(tenantID); cached != nil {
			s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("vault unreachable, using cached credentials")
			return cached, nil
		}
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials stored for tenant %s", tenantID)
	}

	// KV v2 nests the payload under "data".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret layout at %s", path)
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		Testnet:   getBool(data, "is_testnet"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("incomplete credentials for tenant %s", tenantID)
	}

	s.mu.Lock()
	s.cache[tenantID] = creds
	s.mu.Unlock()
	return creds, nil
}

// Store writes the tenant's keys, for operator tooling.
func (s *VaultSource) Store(ctx context.Context, tenantID string, creds Credentials) error {
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
			"is_testnet": creds.Testnet,
		},
	}
	if _, err := s.client.Logical().WriteWithContext(ctx, s.tenantPath(tenantID), payload); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}
	s.mu.Lock()
	s.cache[tenantID] = &creds
	s.mu.Unlock()
	return nil
}

func (s *VaultSource) tenantPath(tenantID string) string {
	return fmt.Sprintf("%s/data/%s/%s", s.mountPath, s.secretPath, tenantID)
}

func (s *VaultSource) cached(tenantID string) *Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[tenantID]
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}
