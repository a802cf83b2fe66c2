package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/kenneth/blob-encryption-gateway/internal/crypto"
)

// DefaultBufferLimit is the largest ciphertext response decrypted eagerly to
// learn the exact plaintext length.
const DefaultBufferLimit = 64 * 1024

// FetchFunc fetches a ciphertext range of the blob being decrypted.
type FetchFunc func(ctx context.Context, rng crypto.BlobRange) (io.ReadCloser, error)

// DecryptRequest is a ciphertext response for rng's adjusted range.
type DecryptRequest struct {
	Decryptor *crypto.Decryptor
	Data      *crypto.EncryptionData
	Range     *crypto.EncryptedBlobRange
	// BlobSize is the total ciphertext size.
	BlobSize int64
	Body     io.ReadCloser
	// Fetch, when set, is used to read the final blocks of a blob whose
	// plaintext size cannot otherwise be known before streaming.
	Fetch FetchFunc
	// BufferLimit bounds eager decryption; zero selects DefaultBufferLimit and
	// a negative value disables it.
	BufferLimit int64
}

// Decrypted is the plaintext side of a DecryptRequest.
type Decrypted struct {
	Body io.ReadCloser
	// Length is the number of bytes Body yields, or -1 when unknown.
	Length int64
	// Total is the plaintext size of the blob, or -1 when unknown.
	Total int64
}

// DecryptRange decrypts req.Body and works out how many plaintext bytes it
// yields. A range that ends before the final block has its requested length.
// Otherwise the fetch runs to the end of the blob and the padding decides the
// length: small responses are decrypted in memory, larger ones learn it from
// a separate fetch of the final blocks.
func DecryptRange(ctx context.Context, req DecryptRequest) (*Decrypted, error) {
	rng := req.Range
	orig := rng.OriginalRange()

	if !rng.NeedsPadding(req.BlobSize) {
		body, err := req.Decryptor.Decrypt(ctx, req.Body, req.Data, rng, req.BlobSize)
		if err != nil {
			req.Body.Close()
			return nil, err
		}
		return &Decrypted{Body: body, Length: orig.Count, Total: -1}, nil
	}

	limit := req.BufferLimit
	if limit == 0 {
		limit = DefaultBufferLimit
	}
	if limit > 0 && rng.TotalAdjustedCount(req.BlobSize) <= limit {
		return decryptBuffered(ctx, req)
	}

	body, err := req.Decryptor.Decrypt(ctx, req.Body, req.Data, rng, req.BlobSize)
	if err != nil {
		req.Body.Close()
		return nil, err
	}
	if req.Fetch == nil {
		return &Decrypted{Body: body, Length: -1, Total: -1}, nil
	}

	total, err := PlaintextSize(ctx, req.Decryptor, req.Data, req.BlobSize, req.Fetch)
	if err != nil {
		body.Close()
		return nil, err
	}
	if orig.Offset >= total && orig.Offset > 0 {
		body.Close()
		return nil, fmt.Errorf("%w: offset %d, plaintext size %d", ErrRangeNotSatisfiable, orig.Offset, total)
	}
	length := total - orig.Offset
	if orig.Count > 0 && orig.Count < length {
		length = orig.Count
	}
	return &Decrypted{Body: body, Length: length, Total: total}, nil
}

// decryptBuffered decrypts a response that runs to the end of the blob in
// memory. The body holds the same bytes as an open-ended fetch from the
// original offset, so decrypting it that way exposes the plaintext size.
func decryptBuffered(ctx context.Context, req DecryptRequest) (*Decrypted, error) {
	orig := req.Range.OriginalRange()
	open, err := crypto.NewEncryptedBlobRange(crypto.BlobRange{Offset: orig.Offset})
	if err != nil {
		req.Body.Close()
		return nil, err
	}
	body, err := req.Decryptor.Decrypt(ctx, req.Body, req.Data, open, req.BlobSize)
	if err != nil {
		req.Body.Close()
		return nil, err
	}
	plain, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return nil, err
	}
	if len(plain) == 0 && orig.Offset > 0 {
		return nil, fmt.Errorf("%w: offset %d is past the end of the blob", ErrRangeNotSatisfiable, orig.Offset)
	}
	total := orig.Offset + int64(len(plain))
	if orig.Count > 0 && orig.Count < int64(len(plain)) {
		plain = plain[:orig.Count]
	}
	return &Decrypted{
		Body:   io.NopCloser(bytes.NewReader(plain)),
		Length: int64(len(plain)),
		Total:  total,
	}, nil
}

// PlaintextSize decrypts the final block of a blob of blobSize ciphertext
// bytes to learn how much padding it carries.
func PlaintextSize(ctx context.Context, dec *crypto.Decryptor, data *crypto.EncryptionData, blobSize int64, fetch FetchFunc) (int64, error) {
	if blobSize < crypto.BlockSize || blobSize%crypto.BlockSize != 0 {
		return 0, fmt.Errorf("%w: %w: ciphertext size %d is not a positive multiple of %d",
			crypto.ErrDecryptionFailed, crypto.ErrCipherFailure, blobSize, crypto.BlockSize)
	}
	tail, err := crypto.NewEncryptedBlobRange(crypto.BlobRange{Offset: blobSize - crypto.BlockSize})
	if err != nil {
		return 0, err
	}
	body, err := fetch(ctx, tail.AdjustedRange())
	if err != nil {
		return 0, fmt.Errorf("failed to fetch final ciphertext block: %w", err)
	}
	plain, err := dec.Decrypt(ctx, body, data, tail, blobSize)
	if err != nil {
		body.Close()
		return 0, err
	}
	defer plain.Close()
	n, err := io.Copy(io.Discard, plain)
	if err != nil {
		return 0, err
	}
	return blobSize - crypto.BlockSize + n, nil
}

// ServedLength is the number of bytes a range of an unencrypted blob of size
// bytes yields, or -1 when size is unknown.
func ServedLength(rng crypto.BlobRange, size int64) (int64, error) {
	if size < 0 {
		return -1, nil
	}
	if rng.Offset >= size && rng.Offset > 0 {
		return 0, fmt.Errorf("%w: offset %d, blob size %d", ErrRangeNotSatisfiable, rng.Offset, size)
	}
	length := size - rng.Offset
	if rng.Count > 0 && rng.Count < length {
		length = rng.Count
	}
	return length, nil
}

// TrimReader narrows the response to an adjusted range of an unencrypted blob
// back to the requested range: it skips the first skip bytes and, when count
// is positive, stops after count bytes.
func TrimReader(body io.ReadCloser, skip, count int64) io.ReadCloser {
	return &trimReader{body: body, skip: skip, count: count}
}

type trimReader struct {
	body    io.ReadCloser
	skip    int64
	count   int64
	limited io.Reader
}

func (t *trimReader) Read(p []byte) (int, error) {
	if t.limited == nil {
		if t.skip > 0 {
			if _, err := io.CopyN(io.Discard, t.body, t.skip); err != nil {
				if err == io.EOF {
					return 0, io.EOF
				}
				return 0, err
			}
		}
		t.limited = t.body
		if t.count > 0 {
			t.limited = io.LimitReader(t.body, t.count)
		}
	}
	return t.limited.Read(p)
}

func (t *trimReader) Close() error {
	return t.body.Close()
}
