// Package secrets resolves repository credentials from HashiCorp Vault.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/conductor/fleetagent/internal/agent/repo"
	"github.com/conductor/fleetagent/internal/job"
	"github.com/conductor/fleetagent/pkg/tracing"
)

const defaultVaultMount = "secret"

// Reference identifies a single secret value in a store.
type Reference struct {
	Path    string
	Key     string
	Version int
}

// ParseReference parses "path#key" with an optional "@version" suffix,
// e.g. "git/github#token@3". The key defaults to "token".
func ParseReference(s string) (Reference, error) {
	ref := Reference{Key: "token"}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		v, err := strconv.Atoi(s[i+1:])
		if err != nil || v < 1 {
			return Reference{}, fmt.Errorf("invalid secret version in %q", s)
		}
		ref.Version = v
		s = s[:i]
	}
	if i := strings.Index(s, "#"); i >= 0 {
		ref.Key = s[i+1:]
		s = s[:i]
	}
	ref.Path = strings.Trim(s, "/")
	if ref.Path == "" || ref.Key == "" {
		return Reference{}, errors.New("secret reference needs a path and a key")
	}
	return ref, nil
}

// VaultConfig configures a Vault-backed secret store.
type VaultConfig struct {
	Address   string
	Token     string
	Namespace string
	Mount     string
	Timeout   time.Duration
}

// VaultStore resolves secrets from HashiCorp Vault KV v2.
type VaultStore struct {
	address   string
	token     string
	namespace string
	mount     string
	client    *http.Client
}

// NewVaultStore creates a new Vault-based store.
func NewVaultStore(cfg VaultConfig) (*VaultStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("vault address is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("vault token is required")
	}
	mount := cfg.Mount
	if mount == "" {
		mount = defaultVaultMount
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &VaultStore{
		address:   strings.TrimRight(cfg.Address, "/"),
		token:     cfg.Token,
		namespace: cfg.Namespace,
		mount:     strings.Trim(mount, "/"),
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: tracing.RoundTripper(http.DefaultTransport),
		},
	}, nil
}

// Resolve fetches a secret value from Vault.
func (v *VaultStore) Resolve(ctx context.Context, ref Reference) (string, error) {
	if ref.Path == "" {
		return "", errors.New("secret path is required")
	}
	if ref.Key == "" {
		return "", errors.New("secret key is required")
	}

	reqURL, err := url.Parse(fmt.Sprintf("%s/v1/%s/data/%s", v.address, v.mount, strings.TrimLeft(ref.Path, "/")))
	if err != nil {
		return "", fmt.Errorf("invalid vault url: %w", err)
	}
	if ref.Version > 0 {
		query := reqURL.Query()
		query.Set("version", strconv.Itoa(ref.Version))
		reqURL.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.token)
	if v.namespace != "" {
		req.Header.Set("X-Vault-Namespace", v.namespace)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vault returned status %d", resp.StatusCode)
	}

	var payload struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode vault response: %w", err)
	}

	value, ok := payload.Data.Data[ref.Key]
	if !ok {
		return "", fmt.Errorf("vault key not found: %s", ref.Key)
	}
	stringValue, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("vault key %s is not a string", ref.Key)
	}
	return stringValue, nil
}

// Credentials issues git credentials for repositories that name a secret.
// Repositories without a secretRef get Fallback.
type Credentials struct {
	Store    *VaultStore
	Username string
	Fallback repo.CredentialProvider
}

// Credentials implements repo.CredentialProvider. Tokens are resolved on
// every call and never cached.
func (c *Credentials) Credentials(ctx context.Context, ref *job.RepositoryRef) (*repo.Credentials, error) {
	if ref == nil || ref.SecretRef == "" {
		if c.Fallback == nil {
			return nil, nil
		}
		return c.Fallback.Credentials(ctx, ref)
	}

	sref, err := ParseReference(ref.SecretRef)
	if err != nil {
		return nil, err
	}
	token, err := c.Store.Resolve(ctx, sref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials for %s: %w", ref.Name(), err)
	}

	username := c.Username
	if username == "" {
		username = "x-access-token"
	}
	return &repo.Credentials{Username: username, Password: token}, nil
}
