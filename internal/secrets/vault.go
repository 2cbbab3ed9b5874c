package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/arwahdevops/schemasync/internal/config"
)

// VaultManager implements SecretManager for a HashiCorp Vault KV v2 mount.
type VaultManager struct {
	client    *vault.Client
	mountPath string
	enabled   bool
	logger    *zap.Logger
}

var _ SecretManager = (*VaultManager)(nil)

func NewVaultManager(cfg *config.Config, baseLogger *zap.Logger) (*VaultManager, error) {
	log := baseLogger.Named("vault-manager")
	if !cfg.VaultEnabled {
		log.Info("Vault secret manager is disabled via configuration.")
		return &VaultManager{logger: log}, nil
	}

	log.Info("Initializing Vault secret manager", zap.String("address", cfg.VaultAddr))

	vConfig := vault.DefaultConfig()
	vConfig.Address = cfg.VaultAddr
	vConfig.Timeout = 10 * time.Second

	tlsConfig := &vault.TLSConfig{
		CACert:   cfg.VaultCACert,
		Insecure: cfg.VaultSkipVerify,
	}
	if err := vConfig.ConfigureTLS(tlsConfig); err != nil {
		return nil, fmt.Errorf("failed to configure Vault TLS: %w", err)
	}

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	} else {
		log.Warn("Vault is enabled but VAULT_TOKEN is empty; relying on the client's token helper.")
	}

	mount := cfg.VaultMountPath
	if mount == "" {
		mount = "secret"
	}
	return &VaultManager{
		client:    client,
		mountPath: mount,
		enabled:   true,
		logger:    log,
	}, nil
}

func (m *VaultManager) IsEnabled() bool {
	return m != nil && m.enabled && m.client != nil
}

// GetCredentials reads path from the KV v2 mount.
func (m *VaultManager) GetCredentials(ctx context.Context, path, usernameKey, passwordKey string) (*Credentials, error) {
	if !m.IsEnabled() {
		return nil, fmt.Errorf("vault manager is not enabled or not initialized")
	}
	if path == "" {
		return nil, fmt.Errorf("vault secret path cannot be empty")
	}

	log := m.logger.With(zap.String("vault_path", path), zap.String("mount", m.mountPath))
	log.Info("Reading secret from Vault KV v2")

	secret, err := m.client.KVv2(m.mountPath).Get(ctx, path)
	if err != nil {
		var respErr *vault.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("secret '%s' not found in Vault: %w", path, err)
		}
		return nil, fmt.Errorf("failed to read secret '%s' from Vault: %w", path, err)
	}
	if secret == nil {
		return nil, fmt.Errorf("secret '%s' is empty", path)
	}

	creds, err := credentialsFromData(secret.Data, usernameKey, passwordKey)
	if err != nil {
		return nil, fmt.Errorf("secret '%s': %w", path, err)
	}
	log.Info("Successfully retrieved credentials from Vault")
	return creds, nil
}

// credentialsFromData extracts the credential pair from a KV v2 data map.
// The password is mandatory; a missing username is left empty for the caller
// to fill from configuration.
func credentialsFromData(data map[string]interface{}, usernameKey, passwordKey string) (*Credentials, error) {
	if usernameKey == "" {
		usernameKey = "username"
	}
	if passwordKey == "" {
		passwordKey = "password"
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("secret data is empty")
	}

	password, _ := data[passwordKey].(string)
	if password == "" {
		return nil, fmt.Errorf("password key '%s' is missing or not a non-empty string", passwordKey)
	}
	username, _ := data[usernameKey].(string)
	return &Credentials{Username: username, Password: password}, nil
}
