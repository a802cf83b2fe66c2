// Package blobstore defines the storage backends the gateway encrypts for and
// the download steps they share.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kenneth/blob-encryption-gateway/internal/crypto"
)

var (
	// ErrNotFound is returned when the container or blob does not exist.
	ErrNotFound = errors.New("blob not found")

	// ErrRangeNotSatisfiable is returned when a range starts at or after the
	// end of the plaintext.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)

// Properties describe a blob as clients of the gateway see it. Sizes are
// plaintext sizes.
type Properties struct {
	// ContentLength is the plaintext size, or -1 when it is not known.
	ContentLength int64
	ContentType   string
	ETag          string
	LastModified  time.Time
	// Metadata is the user metadata; the encryption envelope is never included.
	Metadata map[string]string
	// Encrypted reports whether the blob carries an encryption envelope.
	Encrypted bool
	// KeyID names the key that wrapped the content key of an encrypted blob.
	KeyID string
}

// UploadOptions carry the request properties of an upload.
type UploadOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Download is an open download of a plaintext range.
type Download struct {
	Body io.ReadCloser
	Properties
	// Offset is the first plaintext byte in Body.
	Offset int64
	// Length is the number of bytes in Body, or -1 when unknown.
	Length int64
	// Total is the plaintext size of the blob, or -1 when unknown.
	Total int64
	// Partial is set when a range was requested.
	Partial bool
}

// ContentRange formats the Content-Range header value of a partial download.
// It returns "" when the served length is unknown.
func (d *Download) ContentRange() string {
	if !d.Partial {
		return ""
	}
	return FormatContentRange(d.Offset, d.Length, d.Total)
}

// FormatContentRange formats "bytes first-last/total" for length bytes at
// offset. An unknown total formats as "*"; an unknown or zero length yields "".
func FormatContentRange(offset, length, total int64) string {
	if length <= 0 {
		return ""
	}
	size := "*"
	if total >= 0 {
		size = strconv.FormatInt(total, 10)
	}
	return fmt.Sprintf("bytes %d-%d/%s", offset, offset+length-1, size)
}

// ParseContentRangeTotal returns the total of a Content-Range value, or -1
// when it is absent or "*".
func ParseContentRangeTotal(value string) int64 {
	_, total, ok := strings.Cut(value, "/")
	if !ok {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// Store is a blob backend that encrypts on upload and decrypts on download.
type Store interface {
	// Name labels the backend in metrics and logs.
	Name() string
	Upload(ctx context.Context, container, blob string, body io.Reader, opts *UploadOptions) (*Properties, error)
	// Download opens rng of the blob's plaintext. The zero range is the whole blob.
	Download(ctx context.Context, container, blob string, rng crypto.BlobRange) (*Download, error)
	GetProperties(ctx context.Context, container, blob string) (*Properties, error)
	Delete(ctx context.Context, container, blob string) error
}

// UserMetadata returns metadata without the encryption envelope.
func UserMetadata(metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if strings.EqualFold(k, crypto.MetadataKey) {
			continue
		}
		out[k] = v
	}
	return out
}

// EnvelopeMetadata returns user metadata extended by the encoded envelope.
func EnvelopeMetadata(user map[string]string, data *crypto.EncryptionData) (map[string]string, error) {
	encoded, err := crypto.EncodeEncryptionData(data)
	if err != nil {
		return nil, err
	}
	out := UserMetadata(user)
	out[crypto.MetadataKey] = encoded
	return out, nil
}
