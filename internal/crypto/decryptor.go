package crypto

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Decryptor turns fetched ciphertext back into the caller's plaintext range.
// It is safe for concurrent use; every Decrypt call owns its own cipher state.
type Decryptor struct {
	key      KeyProvider
	resolver KeyResolver
	opts     Options
}

// NewDecryptor creates a Decryptor. key is the default key, matched against
// the envelope's key id; resolver, when set, is consulted first. At least one
// of them is required.
func NewDecryptor(key KeyProvider, resolver KeyResolver, opts *Options) (*Decryptor, error) {
	if key == nil && resolver == nil {
		return nil, fmt.Errorf("a key provider or key resolver is required")
	}
	return &Decryptor{key: key, resolver: resolver, opts: opts.withDefaults()}, nil
}

// Decrypt unwraps the content key of data and returns a reader yielding exactly
// the bytes of rng's original range. ciphertext must be the transport's
// response for rng's adjusted range of a blob whose total ciphertext size is
// blobSize. The returned reader closes ciphertext if it is an io.Closer.
func (d *Decryptor) Decrypt(ctx context.Context, ciphertext io.Reader, data *EncryptionData, rng *EncryptedBlobRange, blobSize int64) (io.ReadCloser, error) {
	if rng == nil {
		full, err := NewEncryptedBlobRange(BlobRange{})
		if err != nil {
			return nil, decryptError(err)
		}
		rng = full
	}
	if err := checkOffsetAdjustment(rng.OffsetAdjustment()); err != nil {
		return nil, decryptError(err)
	}
	if err := data.Validate(); err != nil {
		return nil, decryptError(err)
	}

	contentCipher, err := d.opts.Registry.ContentCipher(data.EncryptionAgent.EncryptionAlgorithm)
	if err != nil {
		return nil, decryptError(err)
	}

	// Init -> KeyResolved
	start := time.Now()
	cek, err := d.unwrapContentKey(ctx, data.WrappedContentKey)
	if err != nil {
		return nil, decryptError(err)
	}
	block, err := contentCipher.NewBlock(cek)
	if err != nil {
		zeroBytes(cek)
		return nil, decryptError(err)
	}

	// KeyResolved -> IVEstablished
	iv, selfIV := establishIV(data.ContentEncryptionIV, rng.OffsetAdjustment())
	needsPadding := rng.NeedsPadding(blobSize)
	total := rng.TotalAdjustedCount(blobSize)

	d.opts.Logger.WithFields(logrus.Fields{
		"key_id":             data.WrappedContentKey.KeyID,
		"range":              rng.String(),
		"blob_size":          blobSize,
		"self_iv":            selfIV,
		"needs_padding":      needsPadding,
		"total_adjusted":     total,
		"key_unwrap_time_ms": time.Since(start).Milliseconds(),
	}).Debug("Starting blob decryption")

	r := &decryptReader{
		source:             io.LimitReader(ciphertext, total),
		cbc:                newCBCDecrypter(block, iv, needsPadding),
		cek:                cek,
		buffer:             make([]byte, d.opts.ChunkSize),
		out:                make([]byte, 0, d.opts.ChunkSize+BlockSize),
		totalAdjustedCount: total,
		offsetAdjustment:   rng.OffsetAdjustment(),
		count:              rng.OriginalRange().Count,
		state:              stateIVEstablished,
	}
	if c, ok := ciphertext.(io.Closer); ok {
		r.closer = c
	}
	return r, nil
}

func (d *Decryptor) unwrapContentKey(ctx context.Context, wrapped *WrappedContentKey) ([]byte, error) {
	key, err := d.resolveKey(ctx, wrapped.KeyID)
	if err != nil {
		return nil, err
	}
	cek, err := key.UnwrapKey(ctx, wrapped.EncryptedKey, wrapped.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("unwrap with key %s: %w", wrapped.KeyID, err)
	}
	return cek, nil
}

// resolveKey asks the resolver first and falls back to the default key when
// its id matches the envelope.
func (d *Decryptor) resolveKey(ctx context.Context, keyID string) (KeyProvider, error) {
	if d.resolver != nil {
		key, err := d.resolver.ResolveKey(ctx, keyID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrKeyResolutionFailed, keyID, err)
		}
		if key != nil {
			return key, nil
		}
	}
	if d.key != nil {
		if d.key.KeyID() == keyID {
			return d.key, nil
		}
		if d.resolver == nil {
			return nil, fmt.Errorf("%w: blob was encrypted with key %q, have key %q", ErrKeyMismatch, keyID, d.key.KeyID())
		}
	}
	return nil, fmt.Errorf("%w: no key found for id %q", ErrKeyResolutionFailed, keyID)
}

// establishIV picks the IV the cipher starts from. A fetch retreated by at
// most one block starts at the first block or directly after it, so the
// envelope IV or the fetched block itself chains correctly. A larger
// retreat begins with a self-IV block: the cipher starts from a zero IV, the
// first fetched block decrypts to garbage and is trimmed away, and every later
// block chains from real ciphertext.
func establishIV(contentIV []byte, offsetAdjustment int64) (iv []byte, selfIV bool) {
	if offsetAdjustment <= BlockSize {
		return contentIV, false
	}
	return make([]byte, BlockSize), true
}

func decryptError(err error) error {
	return fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
}

type decryptState int

const (
	stateInit decryptState = iota
	stateKeyResolved
	stateIVEstablished
	stateStreaming
	stateFinalized
	stateDone
	stateFailed
)

func (s decryptState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateKeyResolved:
		return "key-resolved"
	case stateIVEstablished:
		return "iv-established"
	case stateStreaming:
		return "streaming"
	case stateFinalized:
		return "finalized"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("decryptState(%d)", int(s))
	}
}

// decryptReader decrypts the adjusted range chunk by chunk and trims the
// output to the original range.
type decryptReader struct {
	source io.Reader
	closer io.Closer
	cbc    *cbcStream
	cek    []byte
	buffer []byte
	out    []byte

	currentChunk []byte

	totalInputBytes    int64
	totalOutputBytes   int64
	totalAdjustedCount int64
	offsetAdjustment   int64
	count              int64

	state decryptState
	err   error
}

// Read implements io.Reader.
func (r *decryptReader) Read(p []byte) (int, error) {
	if r.state == stateFailed {
		return 0, r.err
	}

	totalRead := 0
	for totalRead < len(p) {
		if len(r.currentChunk) > 0 {
			n := copy(p[totalRead:], r.currentChunk)
			r.currentChunk = r.currentChunk[n:]
			totalRead += n
			continue
		}

		switch r.state {
		case stateFinalized:
			r.finish()
			fallthrough
		case stateDone:
			if totalRead > 0 {
				return totalRead, nil
			}
			return 0, io.EOF
		case stateIVEstablished:
			r.state = stateStreaming
			if r.totalAdjustedCount == 0 {
				r.state = stateFinalized
				continue
			}
		}

		n, err := r.source.Read(r.buffer)
		if n > 0 {
			if perr := r.processChunk(r.buffer[:n]); perr != nil {
				r.fail(perr)
				return totalRead, r.err
			}
		}
		if err == io.EOF && r.state != stateFinalized {
			r.fail(fmt.Errorf("%w: %w: ciphertext ended after %d of %d bytes", ErrDecryptionFailed, ErrCipherFailure, r.totalInputBytes, r.totalAdjustedCount))
			return totalRead, r.err
		}
		if err != nil && err != io.EOF {
			r.fail(fmt.Errorf("%w: failed to read ciphertext: %w", ErrDecryptionFailed, err))
			return totalRead, r.err
		}
		if totalRead > 0 && len(r.currentChunk) == 0 && r.state == stateStreaming {
			return totalRead, nil
		}
	}
	return totalRead, nil
}

// processChunk runs one ciphertext chunk through the cipher. The chunk that
// brings the input total to the adjusted count finalizes the cipher.
func (r *decryptReader) processChunk(chunk []byte) error {
	final := r.totalInputBytes+int64(len(chunk)) >= r.totalAdjustedCount

	r.out = r.cbc.update(r.out[:0], chunk)
	if final {
		var err error
		r.out, err = r.cbc.final(r.out)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
		}
		r.state = stateFinalized
	}
	r.totalInputBytes += int64(len(chunk))

	r.currentChunk = r.trim(r.out)
	r.totalOutputBytes += int64(len(r.out))
	return nil
}

// trim returns the part of decrypted that falls inside the original range.
// decrypted covers adjusted positions [totalOutputBytes, totalOutputBytes+len).
func (r *decryptReader) trim(decrypted []byte) []byte {
	chunkStart := r.totalOutputBytes
	chunkEnd := chunkStart + int64(len(decrypted))

	keepStart := r.offsetAdjustment
	keepEnd := chunkEnd
	if r.count > 0 {
		keepEnd = min(keepEnd, r.offsetAdjustment+r.count)
	}

	lo := max(keepStart, chunkStart) - chunkStart
	hi := keepEnd - chunkStart
	if lo >= hi {
		return nil
	}
	return decrypted[lo:hi]
}

func (r *decryptReader) finish() {
	r.state = stateDone
	zeroBytes(r.cek)
}

func (r *decryptReader) fail(err error) {
	r.state = stateFailed
	r.err = err
	r.currentChunk = nil
	zeroBytes(r.cek)
}

// Close releases the content key and closes the ciphertext source.
func (r *decryptReader) Close() error {
	if r.state != stateFailed {
		r.state = stateDone
	}
	zeroBytes(r.cek)
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
