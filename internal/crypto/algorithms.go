package crypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	_ "crypto/sha1"
	_ "crypto/sha256"
	"fmt"
	"io"
	"sort"
	"sync"

	josecipher "github.com/go-jose/go-jose/v4/cipher"
)

const (
	// BlockSize is the cipher block size of the content encryption algorithm.
	BlockSize = aes.BlockSize

	// ContentKeySize is the size of the generated content encryption key (AES-256).
	ContentKeySize = 32

	// AlgorithmAESCBC256 is the only content encryption algorithm written by the encryptor.
	AlgorithmAESCBC256 = "AES_CBC_256"

	// Symmetric key wrap algorithms (RFC 3394).
	KeyWrapA128KW = "A128KW"
	KeyWrapA192KW = "A192KW"
	KeyWrapA256KW = "A256KW"

	// Asymmetric key wrap algorithms.
	KeyWrapRSAOAEP    = "RSA-OAEP"
	KeyWrapRSAOAEP256 = "RSA-OAEP-256"
	KeyWrapRSA15      = "RSA1_5"
)

// ContentCipher creates block ciphers for a named content encryption algorithm.
type ContentCipher interface {
	Name() string
	KeySize() int
	NewBlock(key []byte) (cipher.Block, error)
}

// SymmetricKeyWrap wraps content keys with a symmetric key encryption key.
type SymmetricKeyWrap interface {
	Name() string
	// KeySize is the number of KEK bytes the algorithm consumes.
	KeySize() int
	WrapKey(kek, cek []byte) ([]byte, error)
	UnwrapKey(kek, wrapped []byte) ([]byte, error)
}

// RSAKeyWrap wraps content keys with an RSA key pair.
type RSAKeyWrap interface {
	Name() string
	WrapKey(random io.Reader, pub *rsa.PublicKey, cek []byte) ([]byte, error)
	UnwrapKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error)
}

// Registry maps algorithm names to implementations. It is an explicit value
// handed to encryptors, decryptors and local keys; there is no process-wide
// registry. A Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	content   map[string]ContentCipher
	symmetric map[string]SymmetricKeyWrap
	rsa       map[string]RSAKeyWrap
}

// NewRegistry returns a registry populated with the built-in algorithms.
func NewRegistry() *Registry {
	r := NewEmptyRegistry()
	r.content[AlgorithmAESCBC256] = aesCBCCipher{name: AlgorithmAESCBC256, keySize: 32}
	for _, kw := range []aesKeyWrap{
		{name: KeyWrapA128KW, keySize: 16},
		{name: KeyWrapA192KW, keySize: 24},
		{name: KeyWrapA256KW, keySize: 32},
	} {
		r.symmetric[kw.name] = kw
	}
	r.rsa[KeyWrapRSAOAEP] = rsaOAEP{name: KeyWrapRSAOAEP, hash: crypto.SHA1}
	r.rsa[KeyWrapRSAOAEP256] = rsaOAEP{name: KeyWrapRSAOAEP256, hash: crypto.SHA256}
	r.rsa[KeyWrapRSA15] = rsaPKCS1v15{}
	return r
}

// NewEmptyRegistry returns a registry with no algorithms registered.
func NewEmptyRegistry() *Registry {
	return &Registry{
		content:   make(map[string]ContentCipher),
		symmetric: make(map[string]SymmetricKeyWrap),
		rsa:       make(map[string]RSAKeyWrap),
	}
}

// RegisterContentCipher adds a content cipher. Names must be unique.
func (r *Registry) RegisterContentCipher(c ContentCipher) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.content[c.Name()]; ok {
		return fmt.Errorf("content cipher already registered: %s", c.Name())
	}
	r.content[c.Name()] = c
	return nil
}

// RegisterSymmetricKeyWrap adds a symmetric key wrap algorithm.
func (r *Registry) RegisterSymmetricKeyWrap(kw SymmetricKeyWrap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keyWrapRegisteredLocked(kw.Name()) {
		return fmt.Errorf("key wrap algorithm already registered: %s", kw.Name())
	}
	r.symmetric[kw.Name()] = kw
	return nil
}

// RegisterRSAKeyWrap adds an RSA key wrap algorithm.
func (r *Registry) RegisterRSAKeyWrap(kw RSAKeyWrap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keyWrapRegisteredLocked(kw.Name()) {
		return fmt.Errorf("key wrap algorithm already registered: %s", kw.Name())
	}
	r.rsa[kw.Name()] = kw
	return nil
}

func (r *Registry) keyWrapRegisteredLocked(name string) bool {
	_, sym := r.symmetric[name]
	_, asym := r.rsa[name]
	return sym || asym
}

// ContentCipher looks up a content cipher by name.
func (r *Registry) ContentCipher(name string) (ContentCipher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.content[name]
	if !ok {
		return nil, fmt.Errorf("%w: content encryption algorithm %q", ErrUnsupportedAlgorithm, name)
	}
	return c, nil
}

// SymmetricKeyWrap looks up a symmetric key wrap algorithm by name.
func (r *Registry) SymmetricKeyWrap(name string) (SymmetricKeyWrap, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kw, ok := r.symmetric[name]
	if !ok {
		return nil, fmt.Errorf("%w: key wrap algorithm %q", ErrUnsupportedAlgorithm, name)
	}
	return kw, nil
}

// RSAKeyWrap looks up an RSA key wrap algorithm by name.
func (r *Registry) RSAKeyWrap(name string) (RSAKeyWrap, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kw, ok := r.rsa[name]
	if !ok {
		return nil, fmt.Errorf("%w: key wrap algorithm %q", ErrUnsupportedAlgorithm, name)
	}
	return kw, nil
}

// KeyWrapAlgorithms lists every registered key wrap algorithm name.
func (r *Registry) KeyWrapAlgorithms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.symmetric)+len(r.rsa))
	for name := range r.symmetric {
		names = append(names, name)
	}
	for name := range r.rsa {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type aesCBCCipher struct {
	name    string
	keySize int
}

func (c aesCBCCipher) Name() string { return c.name }
func (c aesCBCCipher) KeySize() int { return c.keySize }

func (c aesCBCCipher) NewBlock(key []byte) (cipher.Block, error) {
	if len(key) != c.keySize {
		return nil, fmt.Errorf("%w: invalid key size for %s: expected %d bytes, got %d", ErrCipherFailure, c.name, c.keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create AES cipher: %w", ErrCipherFailure, err)
	}
	return block, nil
}

// aesKeyWrap implements RFC 3394 AES key wrap. Keys longer than the
// algorithm's key size contribute their leading bytes.
type aesKeyWrap struct {
	name    string
	keySize int
}

func (kw aesKeyWrap) Name() string { return kw.name }
func (kw aesKeyWrap) KeySize() int { return kw.keySize }

func (kw aesKeyWrap) block(kek []byte) (cipher.Block, error) {
	if len(kek) < kw.keySize {
		return nil, fmt.Errorf("%w: %s requires a %d-bit key, have %d bits", ErrUnsupportedAlgorithm, kw.name, kw.keySize*8, len(kek)*8)
	}
	return aes.NewCipher(kek[:kw.keySize])
}

func (kw aesKeyWrap) WrapKey(kek, cek []byte) ([]byte, error) {
	block, err := kw.block(kek)
	if err != nil {
		return nil, err
	}
	return josecipher.KeyWrap(block, cek)
}

func (kw aesKeyWrap) UnwrapKey(kek, wrapped []byte) ([]byte, error) {
	block, err := kw.block(kek)
	if err != nil {
		return nil, err
	}
	cek, err := josecipher.KeyUnwrap(block, wrapped)
	if err != nil {
		// The RFC 3394 integrity check fails when the KEK is not the wrapping key.
		return nil, fmt.Errorf("%w: %s unwrap: %w", ErrKeyMismatch, kw.name, err)
	}
	return cek, nil
}

type rsaOAEP struct {
	name string
	hash crypto.Hash
}

func (kw rsaOAEP) Name() string { return kw.name }

func (kw rsaOAEP) WrapKey(random io.Reader, pub *rsa.PublicKey, cek []byte) ([]byte, error) {
	return rsa.EncryptOAEP(kw.hash.New(), random, pub, cek, nil)
}

func (kw rsaOAEP) UnwrapKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	cek, err := rsa.DecryptOAEP(kw.hash.New(), nil, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s unwrap: %w", ErrKeyMismatch, kw.name, err)
	}
	return cek, nil
}

type rsaPKCS1v15 struct{}

func (rsaPKCS1v15) Name() string { return KeyWrapRSA15 }

func (rsaPKCS1v15) WrapKey(random io.Reader, pub *rsa.PublicKey, cek []byte) ([]byte, error) {
	return rsa.EncryptPKCS1v15(random, pub, cek)
}

func (rsaPKCS1v15) UnwrapKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	cek, err := rsa.DecryptPKCS1v15(nil, priv, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %s unwrap: %w", ErrKeyMismatch, KeyWrapRSA15, err)
	}
	return cek, nil
}
