package crypto

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
)

// AlgorithmVaultTransit names wraps performed by the Vault transit engine.
const AlgorithmVaultTransit = "vault-transit"

// VaultLogical is the subset of the Vault logical API used by VaultTransitKey.
type VaultLogical interface {
	WriteWithContext(ctx context.Context, path string, data map[string]interface{}) (*vaultapi.Secret, error)
}

// VaultOptions configure a VaultTransitKey.
type VaultOptions struct {
	Address   string
	Token     string
	Namespace string
	// MountPath of the transit engine. Defaults to "transit".
	MountPath string
	// KeyName is the transit key name; it doubles as the key id.
	KeyName string
	Timeout time.Duration
}

// VaultTransitKey wraps content keys with a Vault transit key. The wrapped key
// is Vault's "vault:vN:..." ciphertext string.
type VaultTransitKey struct {
	mu        sync.RWMutex
	logical   VaultLogical
	mountPath string
	keyName   string
	timeout   time.Duration
}

func prepareVaultOptions(opts VaultOptions) (VaultOptions, error) {
	opts.KeyName = strings.TrimSpace(opts.KeyName)
	if opts.KeyName == "" {
		return opts, errors.New("vault: transit key name is required")
	}
	opts.MountPath = strings.Trim(strings.TrimSpace(opts.MountPath), "/")
	if opts.MountPath == "" {
		opts.MountPath = "transit"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRemoteKeyTimeout
	}
	return opts, nil
}

// NewVaultTransitKey creates a Vault client from opts.
func NewVaultTransitKey(opts VaultOptions) (*VaultTransitKey, error) {
	if strings.TrimSpace(opts.Address) == "" {
		return nil, errors.New("vault: address is required")
	}
	cfg := vaultapi.DefaultConfig()
	cfg.Address = opts.Address
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create client: %w", err)
	}
	if opts.Token != "" {
		client.SetToken(opts.Token)
	}
	if opts.Namespace != "" {
		client.SetNamespace(opts.Namespace)
	}
	return NewVaultTransitKeyWithClient(client.Logical(), opts)
}

// NewVaultTransitKeyWithClient creates a VaultTransitKey over an existing logical client.
func NewVaultTransitKeyWithClient(logical VaultLogical, opts VaultOptions) (*VaultTransitKey, error) {
	if logical == nil {
		return nil, errors.New("vault: client is required")
	}
	opts, err := prepareVaultOptions(opts)
	if err != nil {
		return nil, err
	}
	return &VaultTransitKey{
		logical:   logical,
		mountPath: opts.MountPath,
		keyName:   opts.KeyName,
		timeout:   opts.Timeout,
	}, nil
}

// KeyID implements KeyProvider.
func (k *VaultTransitKey) KeyID() string { return k.keyName }

func (k *VaultTransitKey) transitPath(op string) string {
	return fmt.Sprintf("%s/%s/%s", k.mountPath, op, k.keyName)
}

func checkVaultAlgorithm(algorithm string) error {
	if algorithm != "" && algorithm != AlgorithmVaultTransit {
		return fmt.Errorf("%w: vault transit cannot wrap with %q", ErrUnsupportedAlgorithm, algorithm)
	}
	return nil
}

// WrapKey implements KeyProvider.
func (k *VaultTransitKey) WrapKey(ctx context.Context, cek []byte, algorithm string) (*KeyWrapResult, error) {
	if len(cek) == 0 {
		return nil, errors.New("vault: content key is empty")
	}
	if err := checkVaultAlgorithm(algorithm); err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, k.timeout)
	defer cancel()

	k.mu.RLock()
	secret, err := k.logical.WriteWithContext(ctx, k.transitPath("encrypt"), map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(cek),
	})
	k.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("vault: transit encrypt failed (key: %s): %w", k.keyName, err)
	}
	if secret == nil {
		return nil, errors.New("vault: transit encrypt returned no data")
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok || ciphertext == "" {
		return nil, errors.New("vault: transit encrypt: invalid response")
	}
	return &KeyWrapResult{WrappedKey: []byte(ciphertext), Algorithm: AlgorithmVaultTransit}, nil
}

// UnwrapKey implements KeyProvider.
func (k *VaultTransitKey) UnwrapKey(ctx context.Context, wrapped []byte, algorithm string) ([]byte, error) {
	if algorithm != AlgorithmVaultTransit {
		return nil, fmt.Errorf("%w: vault transit cannot unwrap %q", ErrUnsupportedAlgorithm, algorithm)
	}
	if !strings.HasPrefix(string(wrapped), "vault:") {
		return nil, fmt.Errorf("%w: wrapped key is not a vault ciphertext", ErrKeyMismatch)
	}
	ctx, cancel := withTimeout(ctx, k.timeout)
	defer cancel()

	k.mu.RLock()
	secret, err := k.logical.WriteWithContext(ctx, k.transitPath("decrypt"), map[string]interface{}{
		"ciphertext": string(wrapped),
	})
	k.mu.RUnlock()
	if err != nil {
		var respErr *vaultapi.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 400 {
			return nil, fmt.Errorf("%w: vault key %s: %w", ErrKeyMismatch, k.keyName, err)
		}
		return nil, fmt.Errorf("vault: transit decrypt failed (key: %s): %w", k.keyName, err)
	}
	if secret == nil {
		return nil, errors.New("vault: transit decrypt returned no data")
	}
	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, errors.New("vault: transit decrypt: invalid response")
	}
	plaintext, err := base64.StdEncoding.DecodeString(plaintextB64)
	if err != nil {
		return nil, fmt.Errorf("vault: transit decrypt: failed to decode plaintext: %w", err)
	}
	return plaintext, nil
}

// Close detaches the client. Later calls fail.
func (k *VaultTransitKey) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.logical = closedVaultLogical{}
	return nil
}

type closedVaultLogical struct{}

func (closedVaultLogical) WriteWithContext(context.Context, string, map[string]interface{}) (*vaultapi.Secret, error) {
	return nil, errors.New("vault: key provider is closed")
}
