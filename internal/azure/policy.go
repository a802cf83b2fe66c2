package azure

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/blob-encryption-gateway/internal/blobstore"
	"github.com/kenneth/blob-encryption-gateway/internal/crypto"
)

const (
	headerRange        = "Range"
	headerMSRange      = "x-ms-range"
	headerContentRange = "Content-Range"
	headerMetaPrefix   = "x-ms-meta-"
)

// headers describing the stored bytes that no longer match a decrypted body.
var ciphertextHeaders = []string{
	"Content-MD5",
	"x-ms-blob-content-md5",
	"x-ms-content-crc64",
}

type rawDownloadKey struct{}

// withRawDownload marks ctx so that downloads made with it bypass decryption.
func withRawDownload(ctx context.Context) context.Context {
	return context.WithValue(ctx, rawDownloadKey{}, true)
}

func isRawDownload(ctx context.Context) bool {
	raw, _ := ctx.Value(rawDownloadKey{}).(bool)
	return raw
}

// PolicyOptions configure a DecryptionPolicy.
type PolicyOptions struct {
	Decryptor *crypto.Decryptor
	// RequireEncryption fails downloads of blobs without an envelope.
	RequireEncryption bool
	// BufferLimit is passed to blobstore.DecryptRange.
	BufferLimit int64
	Logger      logrus.FieldLogger
}

// DecryptionPolicy is a per-call pipeline policy that decrypts Get Blob
// responses in flight. It widens the requested range to what decryption
// needs, and hands the SDK a response that looks as if the plaintext were
// stored: body, Content-Length and Content-Range all describe plaintext.
type DecryptionPolicy struct {
	dec         *crypto.Decryptor
	require     bool
	bufferLimit int64
	logger      logrus.FieldLogger
}

// NewDecryptionPolicy creates a DecryptionPolicy.
func NewDecryptionPolicy(opts PolicyOptions) (*DecryptionPolicy, error) {
	if opts.Decryptor == nil {
		return nil, fmt.Errorf("azure: decryptor is required")
	}
	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &DecryptionPolicy{
		dec:         opts.Decryptor,
		require:     opts.RequireEncryption,
		bufferLimit: opts.BufferLimit,
		logger:      logger,
	}, nil
}

// Do implements policy.Policy.
func (p *DecryptionPolicy) Do(req *policy.Request) (*http.Response, error) {
	raw := req.Raw()
	if !isGetBlob(raw) || isRawDownload(raw.Context()) {
		return req.Next()
	}

	requested, err := crypto.ParseHTTPRange(requestRange(raw.Header))
	if err != nil {
		return nil, err
	}
	rng, err := crypto.NewEncryptedBlobRange(requested)
	if err != nil {
		return nil, err
	}
	setRequestRange(raw.Header, rng.AdjustedRange())

	resp, err := req.Next()
	if err != nil || (resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent) {
		return resp, err
	}

	data, err := crypto.EncryptionDataFromMetadata(responseMetadata(resp.Header))
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %w", crypto.ErrDecryptionFailed, err)
	}
	blobSize := storedSize(resp)

	if data == nil {
		if p.require {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %s", crypto.ErrEncryptionRequired, raw.URL.Path)
		}
		return p.passthrough(resp, rng, blobSize)
	}
	if blobSize < 0 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: response does not describe the ciphertext size", crypto.ErrDecryptionFailed)
	}

	logger := p.logger.WithFields(logrus.Fields{
		"blob":      raw.URL.Path,
		"key_id":    data.WrappedContentKey.KeyID,
		"range":     requested.HTTPHeader(),
		"blob_size": blobSize,
	})
	logger.Debug("Decrypting blob download")

	etag := resp.Header.Get("ETag")
	fetch := func(ctx context.Context, r crypto.BlobRange) (io.ReadCloser, error) {
		probe := req.Clone(ctx)
		setRequestRange(probe.Raw().Header, r)
		if etag != "" {
			probe.Raw().Header.Set("If-Match", etag)
		}
		presp, err := probe.Next()
		if err != nil {
			return nil, err
		}
		if presp.StatusCode != http.StatusOK && presp.StatusCode != http.StatusPartialContent {
			return nil, runtime.NewResponseError(presp)
		}
		return presp.Body, nil
	}

	plain, err := blobstore.DecryptRange(raw.Context(), blobstore.DecryptRequest{
		Decryptor:   p.dec,
		Data:        data,
		Range:       rng,
		BlobSize:    blobSize,
		Body:        resp.Body,
		Fetch:       fetch,
		BufferLimit: p.bufferLimit,
	})
	if err != nil {
		logger.WithError(err).Warn("Blob decryption failed")
		return nil, err
	}

	resp.Body = plain.Body
	for _, h := range ciphertextHeaders {
		resp.Header.Del(h)
	}
	rewriteLength(resp, requested, plain.Length, plain.Total)
	return resp, nil
}

// passthrough serves an unencrypted blob, trimming what the widened range
// fetched in excess of the request.
func (p *DecryptionPolicy) passthrough(resp *http.Response, rng *crypto.EncryptedBlobRange, size int64) (*http.Response, error) {
	requested := rng.OriginalRange()
	if rng.AdjustedRange() == requested {
		return resp, nil
	}

	length, err := blobstore.ServedLength(requested, size)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}

	resp.Body = blobstore.TrimReader(resp.Body, rng.OffsetAdjustment(), requested.Count)
	resp.Header.Del("Content-MD5")
	rewriteLength(resp, requested, length, size)
	return resp, nil
}

func rewriteLength(resp *http.Response, requested crypto.BlobRange, length, total int64) {
	if length >= 0 {
		resp.ContentLength = length
		resp.Header.Set("Content-Length", strconv.FormatInt(length, 10))
	} else {
		resp.ContentLength = -1
		resp.Header.Del("Content-Length")
	}

	if requested == (crypto.BlobRange{}) {
		resp.StatusCode = http.StatusOK
		resp.Status = "200 OK"
		resp.Header.Del(headerContentRange)
		return
	}
	resp.StatusCode = http.StatusPartialContent
	resp.Status = "206 Partial Content"
	if cr := blobstore.FormatContentRange(requested.Offset, length, total); cr != "" {
		resp.Header.Set(headerContentRange, cr)
	} else {
		resp.Header.Del(headerContentRange)
	}
}

// isGetBlob reports whether req is a Get Blob call. Other GETs on the blob
// service carry a comp or restype query parameter.
func isGetBlob(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	q := req.URL.Query()
	return !q.Has("comp") && !q.Has("restype")
}

// The SDK writes x-ms-* request headers under their lower-case names, which
// http.Header.Get does not find.
func headerValue(h http.Header, name string) string {
	if v := h.Get(name); v != "" {
		return v
	}
	if v := h[strings.ToLower(name)]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func deleteHeader(h http.Header, name string) {
	h.Del(name)
	delete(h, strings.ToLower(name))
}

func requestRange(h http.Header) string {
	if v := headerValue(h, headerMSRange); v != "" {
		return v
	}
	return headerValue(h, headerRange)
}

func setRequestRange(h http.Header, r crypto.BlobRange) {
	deleteHeader(h, headerRange)
	deleteHeader(h, headerMSRange)
	if v := r.HTTPHeader(); v != "" {
		h[headerMSRange] = []string{v}
	}
}

// responseMetadata collects x-ms-meta-* headers with lower-cased names.
func responseMetadata(h http.Header) map[string]string {
	md := make(map[string]string)
	for k, v := range h {
		if len(k) > len(headerMetaPrefix) && strings.EqualFold(k[:len(headerMetaPrefix)], headerMetaPrefix) && len(v) > 0 {
			md[strings.ToLower(k[len(headerMetaPrefix):])] = v[0]
		}
	}
	return md
}

// storedSize is the size of the stored blob: the Content-Range total of a
// partial response, the length of a full one, or -1.
func storedSize(resp *http.Response) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		return blobstore.ParseContentRangeTotal(resp.Header.Get(headerContentRange))
	}
	if resp.ContentLength >= 0 {
		return resp.ContentLength
	}
	n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
