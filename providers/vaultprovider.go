// Package providers loads secrets the portal should not keep in its config
// file.
package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/hashicorp/vault-client-go/schema"
	"github.com/surajsub/etl-run-portal/config"
	"go.uber.org/zap"
)

// Keys read from the KV v2 secret.
const (
	KeyDBPassword        = "db_password"
	KeyJWTSecret         = "jwt_secret"
	KeyOrchestratorToken = "orchestrator_token"
)

type VaultSecretsProvider struct {
	client *vault.Client
	cfg    config.VaultConfig
	log    *zap.Logger
}

func NewVaultSecretsProvider(cfg config.VaultConfig, log *zap.Logger) *VaultSecretsProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &VaultSecretsProvider{cfg: cfg, log: log}
}

// Init logs in with AppRole and keeps the resulting token on the client.
func (v *VaultSecretsProvider) Init(ctx context.Context) error {
	opts := []vault.ClientOption{
		vault.WithAddress(v.cfg.Address),
		vault.WithRequestTimeout(30 * time.Second),
	}
	if v.cfg.CACert != "" {
		tls := vault.TLSConfiguration{}
		tls.ServerCertificate.FromFile = v.cfg.CACert
		opts = append(opts, vault.WithTLS(tls))
	}
	client, err := vault.New(opts...)
	if err != nil {
		return fmt.Errorf("vault client: %w", err)
	}

	resp, err := client.Auth.AppRoleLogin(
		ctx,
		schema.AppRoleLoginRequest{
			RoleId:   v.cfg.RoleID,
			SecretId: v.cfg.SecretID,
		},
		vault.WithMountPath("approle"),
	)
	if err != nil {
		return fmt.Errorf("vault login failed: %w", err)
	}
	if resp.Auth == nil || resp.Auth.ClientToken == "" {
		return fmt.Errorf("vault login returned no token")
	}
	if err := client.SetToken(resp.Auth.ClientToken); err != nil {
		return fmt.Errorf("vault token: %w", err)
	}
	v.log.Info("vault login succeeded", zap.String("address", v.cfg.Address))

	v.client = client
	return nil
}

func (v *VaultSecretsProvider) GetCredentials(ctx context.Context) (map[string]any, error) {
	if v.client == nil {
		return nil, fmt.Errorf("vault provider not initialised")
	}
	secret, err := v.client.Secrets.KvV2Read(ctx, v.cfg.SecretPath, vault.WithMountPath(v.cfg.MountPath))
	if err != nil {
		return nil, fmt.Errorf("vault read %s/%s: %w", v.cfg.MountPath, v.cfg.SecretPath, err)
	}
	return secret.Data.Data, nil
}

// Apply overwrites the secret settings of cfg with whatever the Vault
// secret holds. Missing keys leave the configured value alone.
func (v *VaultSecretsProvider) Apply(ctx context.Context, cfg *config.Config) error {
	data, err := v.GetCredentials(ctx)
	if err != nil {
		return err
	}
	set := func(key string, dst *string) {
		if s, ok := data[key].(string); ok && s != "" {
			*dst = s
			v.log.Debug("secret loaded from vault", zap.String("key", key))
		}
	}
	set(KeyDBPassword, &cfg.DB.Password)
	set(KeyJWTSecret, &cfg.Auth.JWTSecret)
	set(KeyOrchestratorToken, &cfg.Orchestrator.HTTP.Token)
	return nil
}

// LoadSecrets runs the whole Vault flow when it is enabled.
func LoadSecrets(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if !cfg.Vault.Enabled {
		return nil
	}
	p := NewVaultSecretsProvider(cfg.Vault, log)
	if err := p.Init(ctx); err != nil {
		return err
	}
	return p.Apply(ctx, cfg)
}
