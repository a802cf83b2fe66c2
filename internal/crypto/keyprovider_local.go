package crypto

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PasswordKeyIterations is the PBKDF2 iteration count for password derived KEKs.
	PasswordKeyIterations = 100000

	passwordKeySaltPrefix = "blob-encryption-gateway:kek:"
)

// SymmetricKey is a local AES key encryption key.
type SymmetricKey struct {
	id       string
	kek      []byte
	registry *Registry
}

// NewSymmetricKey creates a local KEK. key must be 16, 24 or 32 bytes.
// A nil registry means NewRegistry().
func NewSymmetricKey(id string, key []byte, registry *Registry) (*SymmetricKey, error) {
	if id == "" {
		return nil, errors.New("key id is required")
	}
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("invalid key size: expected 16, 24 or 32 bytes, got %d", len(key))
	}
	if registry == nil {
		registry = NewRegistry()
	}
	kek := make([]byte, len(key))
	copy(kek, key)
	return &SymmetricKey{id: id, kek: kek, registry: registry}, nil
}

// GenerateSymmetricKey creates a random 256-bit KEK with a random UUID id.
func GenerateSymmetricKey(registry *Registry) (*SymmetricKey, error) {
	key, err := generateRandom(rand.Reader, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	defer zeroBytes(key)
	return NewSymmetricKey(uuid.NewString(), key, registry)
}

// NewPasswordKey derives a 256-bit KEK from password with PBKDF2-SHA256. The
// salt is bound to the key id so the same password under another id yields a
// different key.
func NewPasswordKey(id, password string, registry *Registry) (*SymmetricKey, error) {
	if password == "" {
		return nil, errors.New("password is required")
	}
	if id == "" {
		return nil, errors.New("key id is required")
	}
	key := pbkdf2.Key([]byte(password), []byte(passwordKeySaltPrefix+id), PasswordKeyIterations, 32, sha256.New)
	defer zeroBytes(key)
	return NewSymmetricKey(id, key, registry)
}

// KeyID implements KeyProvider.
func (k *SymmetricKey) KeyID() string { return k.id }

// DefaultAlgorithm returns the wrap algorithm matching the key size.
func (k *SymmetricKey) DefaultAlgorithm() string {
	switch len(k.kek) {
	case 16:
		return KeyWrapA128KW
	case 24:
		return KeyWrapA192KW
	default:
		return KeyWrapA256KW
	}
}

// WrapKey implements KeyProvider.
func (k *SymmetricKey) WrapKey(_ context.Context, cek []byte, algorithm string) (*KeyWrapResult, error) {
	if len(cek) == 0 {
		return nil, errors.New("content key is empty")
	}
	if algorithm == "" {
		algorithm = k.DefaultAlgorithm()
	}
	kw, err := k.registry.SymmetricKeyWrap(algorithm)
	if err != nil {
		return nil, err
	}
	wrapped, err := kw.WrapKey(k.kek, cek)
	if err != nil {
		return nil, err
	}
	return &KeyWrapResult{WrappedKey: wrapped, Algorithm: kw.Name()}, nil
}

// UnwrapKey implements KeyProvider.
func (k *SymmetricKey) UnwrapKey(_ context.Context, wrapped []byte, algorithm string) ([]byte, error) {
	kw, err := k.registry.SymmetricKeyWrap(algorithm)
	if err != nil {
		return nil, err
	}
	return kw.UnwrapKey(k.kek, wrapped)
}

// RSAKey is a local RSA key encryption key. A key holding only the public half
// can wrap but not unwrap.
type RSAKey struct {
	id       string
	public   *rsa.PublicKey
	private  *rsa.PrivateKey
	registry *Registry
	random   io.Reader
}

// NewRSAKey creates a local RSA KEK from a private key.
func NewRSAKey(id string, key *rsa.PrivateKey, registry *Registry) (*RSAKey, error) {
	if key == nil {
		return nil, errors.New("rsa private key is nil")
	}
	k, err := NewRSAPublicKey(id, &key.PublicKey, registry)
	if err != nil {
		return nil, err
	}
	k.private = key
	return k, nil
}

// NewRSAPublicKey creates a wrap-only RSA KEK.
func NewRSAPublicKey(id string, key *rsa.PublicKey, registry *Registry) (*RSAKey, error) {
	if id == "" {
		return nil, errors.New("key id is required")
	}
	if key == nil {
		return nil, errors.New("rsa public key is nil")
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &RSAKey{id: id, public: key, registry: registry, random: rand.Reader}, nil
}

// LoadRSAKeyPEM parses a PEM encoded PKCS#1 or PKCS#8 private key, or a PKIX
// public key.
func LoadRSAKeyPEM(id string, data []byte, registry *Registry) (*RSAKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 key: %w", err)
		}
		return NewRSAKey(id, key, registry)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 key: %w", err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("PKCS#8 key is %T, not RSA", parsed)
		}
		return NewRSAKey(id, key, registry)
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, not RSA", parsed)
		}
		return NewRSAPublicKey(id, key, registry)
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

// KeyID implements KeyProvider.
func (k *RSAKey) KeyID() string { return k.id }

// WrapKey implements KeyProvider. The default algorithm is RSA-OAEP.
func (k *RSAKey) WrapKey(_ context.Context, cek []byte, algorithm string) (*KeyWrapResult, error) {
	if len(cek) == 0 {
		return nil, errors.New("content key is empty")
	}
	if algorithm == "" {
		algorithm = KeyWrapRSAOAEP
	}
	kw, err := k.registry.RSAKeyWrap(algorithm)
	if err != nil {
		return nil, err
	}
	wrapped, err := kw.WrapKey(k.random, k.public, cek)
	if err != nil {
		return nil, err
	}
	return &KeyWrapResult{WrappedKey: wrapped, Algorithm: kw.Name()}, nil
}

// UnwrapKey implements KeyProvider.
func (k *RSAKey) UnwrapKey(_ context.Context, wrapped []byte, algorithm string) ([]byte, error) {
	kw, err := k.registry.RSAKeyWrap(algorithm)
	if err != nil {
		return nil, err
	}
	if k.private == nil {
		return nil, fmt.Errorf("%w: key %s has no private key", ErrKeyMismatch, k.id)
	}
	return kw.UnwrapKey(k.private, wrapped)
}
