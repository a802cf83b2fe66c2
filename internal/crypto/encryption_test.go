package crypto

import (
	"bytes"
	"context"
	"crypto/aes"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, id string, fill byte) *SymmetricKey {
	t.Helper()
	key, err := NewSymmetricKey(id, bytes.Repeat([]byte{fill}, 32), nil)
	require.NoError(t, err)
	return key
}

func testPlaintext(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/256)
	}
	return b
}

func encryptBytes(t *testing.T, enc *Encryptor, plaintext []byte) ([]byte, *EncryptionData) {
	t.Helper()
	r, data, err := enc.Encrypt(context.Background(), bytes.NewReader(plaintext))
	require.NoError(t, err)
	defer r.Close()
	ciphertext, err := io.ReadAll(r)
	require.NoError(t, err)
	return ciphertext, data
}

func decryptRange(t *testing.T, dec *Decryptor, ciphertext []byte, data *EncryptionData, in BlobRange) ([]byte, error) {
	t.Helper()
	rng, err := NewEncryptedBlobRange(in)
	require.NoError(t, err)
	adj := rng.AdjustedRange()

	// Serve the adjusted range the way a blob service would.
	start := min(adj.Offset, int64(len(ciphertext)))
	end := int64(len(ciphertext))
	if adj.Count > 0 {
		end = min(end, adj.Offset+adj.Count)
	}
	body := io.NopCloser(bytes.NewReader(ciphertext[start:end]))

	r, err := dec.Decrypt(context.Background(), body, data, rng, int64(len(ciphertext)))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := testKey(t, "key-1", 0x11)
	enc, err := NewEncryptor(key, nil)
	require.NoError(t, err)
	dec, err := NewDecryptor(key, nil, nil)
	require.NoError(t, err)

	for _, size := range []int{0, 1, 15, 16, 17, 31, 32, 50, 1000, DefaultChunkSize, DefaultChunkSize + 5, 3*DefaultChunkSize + 17} {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			plaintext := testPlaintext(size)
			ciphertext, data := encryptBytes(t, enc, plaintext)
			assert.Equal(t, EncryptedSize(int64(size)), int64(len(ciphertext)))
			assert.Zero(t, len(ciphertext)%BlockSize)

			got, err := decryptRange(t, dec, ciphertext, data, BlobRange{})
			require.NoError(t, err)
			assert.Equal(t, plaintext, got)
		})
	}
}

func TestEncrypt_EmptyPlaintextIsOneBlock(t *testing.T) {
	key := testKey(t, "key-1", 0x11)
	enc, err := NewEncryptor(key, nil)
	require.NoError(t, err)

	ciphertext, data := encryptBytes(t, enc, nil)
	assert.Len(t, ciphertext, BlockSize)

	dec, err := NewDecryptor(key, nil, nil)
	require.NoError(t, err)
	got, err := decryptRange(t, dec, ciphertext, data, BlobRange{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEncrypt_EnvelopeContents(t *testing.T) {
	key := testKey(t, "key-1", 0x11)
	enc, err := NewEncryptor(key, nil)
	require.NoError(t, err)

	_, data := encryptBytes(t, enc, []byte("hello"))
	require.NoError(t, data.Validate())
	assert.Equal(t, EncryptionModeFullBlob, data.EncryptionMode)
	assert.Equal(t, "key-1", data.WrappedContentKey.KeyID)
	assert.Equal(t, KeyWrapA256KW, data.WrappedContentKey.Algorithm)
	assert.Equal(t, ProtocolVersion, data.EncryptionAgent.Protocol)
	assert.Equal(t, AlgorithmAESCBC256, data.EncryptionAgent.EncryptionAlgorithm)
	assert.Equal(t, LibraryName, data.KeyWrappingMetadata[MetaEncryptionLibrary])
	assert.Len(t, data.ContentEncryptionIV, BlockSize)
}

func TestEncrypt_FreshKeyAndIVPerCall(t *testing.T) {
	key := testKey(t, "key-1", 0x11)
	enc, err := NewEncryptor(key, nil)
	require.NoError(t, err)

	plaintext := testPlaintext(100)
	c1, d1 := encryptBytes(t, enc, plaintext)
	c2, d2 := encryptBytes(t, enc, plaintext)

	assert.NotEqual(t, d1.ContentEncryptionIV, d2.ContentEncryptionIV)
	assert.NotEqual(t, d1.WrappedContentKey.EncryptedKey, d2.WrappedContentKey.EncryptedKey)
	assert.NotEqual(t, c1, c2)
}

func TestEncrypt_SmallReadsAndChunks(t *testing.T) {
	key := testKey(t, "key-1", 0x11)
	opts := &Options{ChunkSize: 1}
	enc, err := NewEncryptor(key, opts)
	require.NoError(t, err)
	dec, err := NewDecryptor(key, nil, opts)
	require.NoError(t, err)

	plaintext := testPlaintext(257)
	r, data, err := enc.Encrypt(context.Background(), iotest.OneByteReader(bytes.NewReader(plaintext)))
	require.NoError(t, err)
	ciphertext, err := io.ReadAll(iotest.OneByteReader(r))
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Len(t, ciphertext, int(EncryptedSize(257)))

	rng, err := NewEncryptedBlobRange(BlobRange{Offset: 37, Count: 100})
	require.NoError(t, err)
	adj := rng.AdjustedRange()
	body := iotest.HalfReader(bytes.NewReader(ciphertext[adj.Offset : adj.Offset+adj.Count]))
	out, err := dec.Decrypt(context.Background(), body, data, rng, int64(len(ciphertext)))
	require.NoError(t, err)
	got, err := io.ReadAll(iotest.OneByteReader(out))
	require.NoError(t, err)
	assert.Equal(t, plaintext[37:137], got)
}

func TestEncrypt_SourceError(t *testing.T) {
	enc, err := NewEncryptor(testKey(t, "key-1", 0x11), nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	r, _, err := enc.Encrypt(context.Background(), iotest.ErrReader(boom))
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, boom)
}

func TestEncrypt_FinalizeError(t *testing.T) {
	cek := bytes.Repeat([]byte{0x22}, 32)
	block, err := aes.NewCipher(cek)
	require.NoError(t, err)
	iv := make([]byte, BlockSize)

	r := newEncryptReader(bytes.NewReader(nil), block, iv, cek, MinChunkSize)
	// A stream that cannot finalize: nothing pending, yet padding required.
	r.cbc = newCBCDecrypter(block, iv, true)

	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, ErrCipherFailure)
	assert.Equal(t, make([]byte, 32), cek, "content key is zeroed on failure")
	_, err = r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrCipherFailure, "the error is sticky")
}

func TestEncryptDecrypt_Concurrent(t *testing.T) {
	key := testKey(t, "shared-kek", 0x5a)
	static, err := NewStaticResolver(key)
	require.NoError(t, err)
	resolver, err := NewCachingResolver(static, time.Minute, 4)
	require.NoError(t, err)

	enc, err := NewEncryptor(key, &Options{ChunkSize: MinChunkSize})
	require.NoError(t, err)
	dec, err := NewDecryptor(nil, resolver, &Options{ChunkSize: MinChunkSize})
	require.NoError(t, err)

	roundTrip := func(worker int) error {
		ctx := context.Background()
		plaintext := testPlaintext(100 + worker*37)
		r, data, err := enc.Encrypt(ctx, bytes.NewReader(plaintext))
		if err != nil {
			return err
		}
		ciphertext, err := io.ReadAll(r)
		if err != nil {
			return err
		}

		in := BlobRange{Offset: int64(worker % 40), Count: int64(worker%25 + 1)}
		rng, err := NewEncryptedBlobRange(in)
		if err != nil {
			return err
		}
		adj := rng.AdjustedRange()
		end := int64(len(ciphertext))
		if adj.Count > 0 {
			end = min(end, adj.Offset+adj.Count)
		}
		out, err := dec.Decrypt(ctx, io.NopCloser(bytes.NewReader(ciphertext[adj.Offset:end])), data, rng, int64(len(ciphertext)))
		if err != nil {
			return err
		}
		defer out.Close()
		got, err := io.ReadAll(out)
		if err != nil {
			return err
		}
		if want := plaintext[in.Offset : in.Offset+in.Count]; !bytes.Equal(want, got) {
			return fmt.Errorf("worker %d: range %+v: got %x, want %x", worker, in, got, want)
		}
		return nil
	}

	const workers = 32
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			errs <- roundTrip(worker)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	stats := resolver.Stats()
	assert.EqualValues(t, workers, stats.Hits+stats.Misses, "one resolver lookup per decrypt")
}

type failingKey struct{ id string }

func (k failingKey) KeyID() string { return k.id }
func (k failingKey) WrapKey(context.Context, []byte, string) (*KeyWrapResult, error) {
	return nil, errors.New("hsm offline")
}
func (k failingKey) UnwrapKey(context.Context, []byte, string) ([]byte, error) {
	return nil, errors.New("hsm offline")
}

func TestEncrypt_KeyWrapFailure(t *testing.T) {
	enc, err := NewEncryptor(failingKey{id: "hsm"}, nil)
	require.NoError(t, err)

	r, data, err := enc.Encrypt(context.Background(), bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrKeyWrapFailed)
	assert.Nil(t, r)
	assert.Nil(t, data)
}

func TestEncrypt_UnsupportedWrapAlgorithm(t *testing.T) {
	enc, err := NewEncryptor(testKey(t, "key-1", 0x11), &Options{KeyWrapAlgorithm: KeyWrapRSAOAEP})
	require.NoError(t, err)

	_, _, err = enc.Encrypt(context.Background(), bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrKeyWrapFailed)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestDecrypt_EveryRange(t *testing.T) {
	key := testKey(t, "key-1", 0x11)
	enc, err := NewEncryptor(key, nil)
	require.NoError(t, err)
	dec, err := NewDecryptor(key, nil, nil)
	require.NoError(t, err)

	for _, size := range []int{1, 16, 50, 64, 70} {
		plaintext := testPlaintext(size)
		ciphertext, data := encryptBytes(t, enc, plaintext)
		for offset := 0; offset < size; offset++ {
			for count := 0; offset+count <= size+3; count++ {
				end := min(offset+count, size)
				if count == 0 {
					end = size
				}
				got, err := decryptRange(t, dec, ciphertext, data, BlobRange{Offset: int64(offset), Count: int64(count)})
				require.NoError(t, err, "size %d offset %d count %d", size, offset, count)
				require.Equal(t, plaintext[offset:end], got, "size %d offset %d count %d", size, offset, count)
			}
		}
	}
}

func TestDecrypt_RangeInsideSecondBlock(t *testing.T) {
	key := testKey(t, "key-1", 0x11)
	enc, err := NewEncryptor(key, nil)
	require.NoError(t, err)
	dec, err := NewDecryptor(key, nil, nil)
	require.NoError(t, err)

	plaintext := testPlaintext(50)
	ciphertext, data := encryptBytes(t, enc, plaintext)

	rng, err := NewEncryptedBlobRange(BlobRange{Offset: 20, Count: 10})
	require.NoError(t, err)
	assert.Equal(t, BlobRange{Offset: 0, Count: 32}, rng.AdjustedRange())
	assert.Equal(t, int64(20), rng.OffsetAdjustment())
	assert.False(t, rng.NeedsPadding(int64(len(ciphertext))))

	got, err := decryptRange(t, dec, ciphertext, data, BlobRange{Offset: 20, Count: 10})
	require.NoError(t, err)
	assert.Equal(t, plaintext[20:30], got)
}

func TestEstablishIV(t *testing.T) {
	contentIV := bytes.Repeat([]byte{0x5A}, BlockSize)
	for _, adj := range []int64{0, 1, 15, 16} {
		iv, selfIV := establishIV(contentIV, adj)
		assert.Equal(t, contentIV, iv, "adjustment %d", adj)
		assert.False(t, selfIV)
	}
	for _, adj := range []int64{17, 20, 31} {
		iv, selfIV := establishIV(contentIV, adj)
		assert.Equal(t, make([]byte, BlockSize), iv, "adjustment %d", adj)
		assert.True(t, selfIV)
	}
}

func TestDecrypt_KeyMismatch(t *testing.T) {
	enc, err := NewEncryptor(testKey(t, "key-1", 0x11), nil)
	require.NoError(t, err)
	ciphertext, data := encryptBytes(t, enc, []byte("secret"))

	dec, err := NewDecryptor(testKey(t, "key-2", 0x22), nil, nil)
	require.NoError(t, err)
	_, err = decryptRange(t, dec, ciphertext, data, BlobRange{})
	assert.ErrorIs(t, err, ErrDecryptionFailed)
	assert.ErrorIs(t, err, ErrKeyMismatch)

	// Same id, different key material: caught by the key wrap integrity check.
	dec, err = NewDecryptor(testKey(t, "key-1", 0x33), nil, nil)
	require.NoError(t, err)
	_, err = decryptRange(t, dec, ciphertext, data, BlobRange{})
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestDecrypt_ResolverPreferredOverDefaultKey(t *testing.T) {
	oldKey := testKey(t, "key-old", 0x11)
	newKey := testKey(t, "key-new", 0x22)

	enc, err := NewEncryptor(oldKey, nil)
	require.NoError(t, err)
	ciphertext, data := encryptBytes(t, enc, []byte("rotated"))

	resolver, err := NewStaticResolver(oldKey, newKey)
	require.NoError(t, err)
	dec, err := NewDecryptor(newKey, resolver, nil)
	require.NoError(t, err)

	got, err := decryptRange(t, dec, ciphertext, data, BlobRange{})
	require.NoError(t, err)
	assert.Equal(t, []byte("rotated"), got)
}

func TestDecrypt_KeyResolutionFailed(t *testing.T) {
	enc, err := NewEncryptor(testKey(t, "key-1", 0x11), nil)
	require.NoError(t, err)
	ciphertext, data := encryptBytes(t, enc, []byte("secret"))

	resolver, err := NewStaticResolver(testKey(t, "key-9", 0x99))
	require.NoError(t, err)
	dec, err := NewDecryptor(testKey(t, "key-2", 0x22), resolver, nil)
	require.NoError(t, err)
	_, err = decryptRange(t, dec, ciphertext, data, BlobRange{})
	assert.ErrorIs(t, err, ErrKeyResolutionFailed)

	broken := KeyResolverFunc(func(context.Context, string) (KeyProvider, error) {
		return nil, errors.New("directory unavailable")
	})
	dec, err = NewDecryptor(nil, broken, nil)
	require.NoError(t, err)
	_, err = decryptRange(t, dec, ciphertext, data, BlobRange{})
	assert.ErrorIs(t, err, ErrKeyResolutionFailed)
}

func TestDecrypt_TruncatedCiphertext(t *testing.T) {
	key := testKey(t, "key-1", 0x11)
	enc, err := NewEncryptor(key, nil)
	require.NoError(t, err)
	ciphertext, data := encryptBytes(t, enc, testPlaintext(100))

	dec, err := NewDecryptor(key, nil, nil)
	require.NoError(t, err)
	r, err := dec.Decrypt(context.Background(), bytes.NewReader(ciphertext[:64]), data, nil, int64(len(ciphertext)))
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
	assert.ErrorIs(t, err, ErrCipherFailure)

	// The failure is sticky.
	_, err = r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrCipherFailure)
	assert.NoError(t, r.Close())
}

func TestDecrypt_CorruptPadding(t *testing.T) {
	key := testKey(t, "key-1", 0x11)
	enc, err := NewEncryptor(key, nil)
	require.NoError(t, err)
	ciphertext, data := encryptBytes(t, enc, testPlaintext(32))

	// Flipping a byte of the second to last block scrambles the final block's padding.
	corrupt := bytes.Clone(ciphertext)
	corrupt[len(corrupt)-BlockSize-1] ^= 0xFF

	dec, err := NewDecryptor(key, nil, nil)
	require.NoError(t, err)
	_, err = decryptRange(t, dec, corrupt, data, BlobRange{})
	assert.ErrorIs(t, err, ErrCipherFailure)
}

func TestDecrypt_EnvelopeErrors(t *testing.T) {
	key := testKey(t, "key-1", 0x11)
	enc, err := NewEncryptor(key, nil)
	require.NoError(t, err)
	ciphertext, data := encryptBytes(t, enc, []byte("secret"))
	dec, err := NewDecryptor(key, nil, nil)
	require.NoError(t, err)

	unknownAlg := *data
	agent := *data.EncryptionAgent
	agent.EncryptionAlgorithm = "AES_CTR_256"
	unknownAlg.EncryptionAgent = &agent
	_, err = decryptRange(t, dec, ciphertext, &unknownAlg, BlobRange{})
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	noIV := *data
	noIV.ContentEncryptionIV = nil
	_, err = decryptRange(t, dec, ciphertext, &noIV, BlobRange{})
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	unknownWrap := *data
	wrapped := *data.WrappedContentKey
	wrapped.Algorithm = "X25519"
	unknownWrap.WrappedContentKey = &wrapped
	_, err = decryptRange(t, dec, ciphertext, &unknownWrap, BlobRange{})
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestNewDecryptor_RequiresKeyOrResolver(t *testing.T) {
	_, err := NewDecryptor(nil, nil, nil)
	assert.Error(t, err)
}

func TestEncryptedSize(t *testing.T) {
	for n, want := range map[int64]int64{0: 16, 1: 16, 15: 16, 16: 32, 17: 32, 50: 64} {
		assert.Equal(t, want, EncryptedSize(n), "plaintext size %d", n)
	}
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, "", ErrorType(nil))
	assert.Equal(t, "key_mismatch", ErrorType(fmt.Errorf("%w: %w", ErrDecryptionFailed, ErrKeyMismatch)))
	assert.Equal(t, "cipher_failure", ErrorType(fmt.Errorf("wrapped: %w", ErrCipherFailure)))
	assert.Equal(t, "internal", ErrorType(errors.New("other")))
}
