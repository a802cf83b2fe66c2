package crypto

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultChunkSize is the amount of source data consumed per cipher update.
	DefaultChunkSize = 64 * 1024

	// MinChunkSize keeps updates at least one block wide.
	MinChunkSize = BlockSize

	// MaxChunkSize bounds per-stream memory.
	MaxChunkSize = 4 * 1024 * 1024
)

// LibraryName is written into KeyWrappingMetadata to identify the writer.
var LibraryName = "Go blob-encryption-gateway/dev"

// Options configure an Encryptor or Decryptor. The zero value is usable.
type Options struct {
	// Registry resolves algorithm names. Defaults to NewRegistry().
	Registry *Registry
	// Rand is the source of CEKs and IVs. Defaults to crypto/rand.
	Rand io.Reader
	// KeyWrapAlgorithm is passed to KeyProvider.WrapKey; empty selects the provider default.
	KeyWrapAlgorithm string
	// ChunkSize is the streaming buffer size.
	ChunkSize int
	// Logger receives debug records. Defaults to a discarding logger.
	Logger logrus.FieldLogger
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.Registry == nil {
		out.Registry = NewRegistry()
	}
	if out.Rand == nil {
		out.Rand = rand.Reader
	}
	switch {
	case out.ChunkSize <= 0:
		out.ChunkSize = DefaultChunkSize
	case out.ChunkSize < MinChunkSize:
		out.ChunkSize = MinChunkSize
	case out.ChunkSize > MaxChunkSize:
		out.ChunkSize = MaxChunkSize
	}
	if out.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		out.Logger = l
	}
	return out
}

// Encryptor encrypts blob bodies with a fresh CEK and IV per call.
// It is safe for concurrent use when its KeyProvider is.
type Encryptor struct {
	key  KeyProvider
	opts Options
}

// NewEncryptor creates an Encryptor that wraps content keys with key.
func NewEncryptor(key KeyProvider, opts *Options) (*Encryptor, error) {
	if key == nil {
		return nil, fmt.Errorf("key provider is required")
	}
	o := opts.withDefaults()
	if _, err := o.Registry.ContentCipher(AlgorithmAESCBC256); err != nil {
		return nil, err
	}
	return &Encryptor{key: key, opts: o}, nil
}

// KeyID returns the id of the key wrapping new content keys.
func (e *Encryptor) KeyID() string {
	return e.key.KeyID()
}

// Encrypt returns a reader producing the ciphertext of plaintext together with
// the envelope to store as blob metadata. The reader is single use. Closing it
// before EOF discards the CEK; partially read ciphertext must be thrown away.
func (e *Encryptor) Encrypt(ctx context.Context, plaintext io.Reader) (io.ReadCloser, *EncryptionData, error) {
	start := time.Now()

	contentCipher, err := e.opts.Registry.ContentCipher(AlgorithmAESCBC256)
	if err != nil {
		return nil, nil, err
	}

	cek, err := generateRandom(e.opts.Rand, contentCipher.KeySize())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate content key: %w", err)
	}
	iv, err := generateRandom(e.opts.Rand, BlockSize)
	if err != nil {
		zeroBytes(cek)
		return nil, nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	wrapped, err := e.key.WrapKey(ctx, cek, e.opts.KeyWrapAlgorithm)
	if err != nil {
		zeroBytes(cek)
		return nil, nil, fmt.Errorf("%w: key %s: %w", ErrKeyWrapFailed, e.key.KeyID(), err)
	}
	if wrapped == nil || len(wrapped.WrappedKey) == 0 {
		zeroBytes(cek)
		return nil, nil, fmt.Errorf("%w: key %s returned an empty wrapped key", ErrKeyWrapFailed, e.key.KeyID())
	}

	block, err := contentCipher.NewBlock(cek)
	if err != nil {
		zeroBytes(cek)
		return nil, nil, err
	}

	wrapMetadata := map[string]string{MetaEncryptionLibrary: LibraryName}
	for k, v := range wrapped.Metadata {
		wrapMetadata[k] = v
	}

	data := &EncryptionData{
		EncryptionMode: EncryptionModeFullBlob,
		WrappedContentKey: &WrappedContentKey{
			KeyID:        e.key.KeyID(),
			EncryptedKey: wrapped.WrappedKey,
			Algorithm:    wrapped.Algorithm,
		},
		EncryptionAgent: &EncryptionAgent{
			Protocol:            ProtocolVersion,
			EncryptionAlgorithm: contentCipher.Name(),
		},
		ContentEncryptionIV: iv,
		KeyWrappingMetadata: wrapMetadata,
	}

	e.opts.Logger.WithFields(logrus.Fields{
		"key_id":             data.WrappedContentKey.KeyID,
		"key_wrap_algorithm": data.WrappedContentKey.Algorithm,
		"duration_ms":        time.Since(start).Milliseconds(),
	}).Debug("Prepared content encryption key")

	return newEncryptReader(plaintext, block, iv, cek, e.opts.ChunkSize), data, nil
}

// EncryptedSize returns the ciphertext size for a plaintext of n bytes.
func EncryptedSize(n int64) int64 {
	return (n/BlockSize + 1) * BlockSize
}

// encryptReader streams CBC ciphertext. Finalization happens exactly once,
// after the source reports io.EOF, never on a chunk boundary.
type encryptReader struct {
	source       io.Reader
	cbc          *cbcStream
	cek          []byte
	buffer       []byte
	out          []byte
	currentChunk []byte
	finalized    bool
	closed       bool
	err          error
}

func newEncryptReader(source io.Reader, block cipher.Block, iv, cek []byte, chunkSize int) *encryptReader {
	return &encryptReader{
		source: source,
		cbc:    newCBCEncrypter(block, iv),
		cek:    cek,
		buffer: make([]byte, chunkSize),
		out:    make([]byte, 0, chunkSize+BlockSize),
	}
}

// Read implements io.Reader.
func (r *encryptReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.closed {
		return 0, io.EOF
	}

	totalRead := 0
	for totalRead < len(p) {
		if len(r.currentChunk) > 0 {
			n := copy(p[totalRead:], r.currentChunk)
			r.currentChunk = r.currentChunk[n:]
			totalRead += n
			continue
		}

		if r.finalized {
			r.closed = true
			if totalRead > 0 {
				return totalRead, nil
			}
			return 0, io.EOF
		}

		n, err := r.source.Read(r.buffer)
		r.out = r.out[:0]
		if n > 0 {
			r.out = r.cbc.update(r.out, r.buffer[:n])
		}
		if err == io.EOF {
			out, ferr := r.cbc.final(r.out)
			if ferr != nil {
				r.fail(fmt.Errorf("failed to finalize ciphertext: %w", ferr))
				return totalRead, r.err
			}
			r.out = out
			r.finalized = true
			zeroBytes(r.cek)
		} else if err != nil {
			r.fail(fmt.Errorf("failed to read plaintext: %w", err))
			return totalRead, r.err
		}
		r.currentChunk = r.out
		if totalRead > 0 && len(r.currentChunk) == 0 && !r.finalized {
			// Hand back what we have rather than blocking on the source again.
			return totalRead, nil
		}
	}
	return totalRead, nil
}

func (r *encryptReader) fail(err error) {
	r.err = err
	zeroBytes(r.cek)
}

// Close discards the content key. It does not close the source.
func (r *encryptReader) Close() error {
	r.closed = true
	zeroBytes(r.cek)
	return nil
}

func generateRandom(random io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(random, b); err != nil {
		return nil, err
	}
	return b, nil
}

// zeroBytes overwrites key material in place.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
