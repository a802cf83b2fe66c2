// Package azure stores encrypted blobs in Azure Blob Storage. Downloads are
// decrypted by a pipeline policy so that every azblob call returning blob
// content sees plaintext.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/blob-encryption-gateway/internal/blobstore"
	"github.com/kenneth/blob-encryption-gateway/internal/config"
	"github.com/kenneth/blob-encryption-gateway/internal/crypto"
)

// Options configure a Store.
type Options struct {
	Config    config.AzureConfig
	Encryptor *crypto.Encryptor
	Decryptor *crypto.Decryptor
	// RequireEncryption refuses to serve blobs without an envelope.
	RequireEncryption bool
	// BufferLimit is passed to the decryption policy.
	BufferLimit int64
	Logger      logrus.FieldLogger
	// RoundTripper replaces the HTTP transport under the retrying client.
	RoundTripper http.RoundTripper
}

// Store implements blobstore.Store on an azblob client.
type Store struct {
	client      *azblob.Client
	encryptor   *crypto.Encryptor
	decryptor   *crypto.Decryptor
	blockSize   int64
	concurrency int
	logger      logrus.FieldLogger
}

// New creates a Store. Credentials come from the SAS token when set, the
// account key otherwise, and the client is anonymous when neither is given.
func New(opts Options) (*Store, error) {
	if opts.Encryptor == nil || opts.Decryptor == nil {
		return nil, fmt.Errorf("azure: encryptor and decryptor are required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}

	decryption, err := NewDecryptionPolicy(PolicyOptions{
		Decryptor:         opts.Decryptor,
		RequireEncryption: opts.RequireEncryption,
		BufferLimit:       opts.BufferLimit,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	clientOpts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: newTransport(cfg, opts.RoundTripper, logger),
			// retries happen in the transport
			Retry:           policy.RetryOptions{MaxRetries: -1},
			PerCallPolicies: []policy.Policy{decryption},
		},
	}

	endpoint := cfg.ServiceURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	}

	var client *azblob.Client
	switch {
	case cfg.SASToken != "":
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	case cfg.AccountKey != "":
		cred, credErr := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	default:
		client, err = azblob.NewClientWithNoCredential(endpoint, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Store{
		client:      client,
		encryptor:   opts.Encryptor,
		decryptor:   opts.Decryptor,
		blockSize:   cfg.BlockSize,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

func newTransport(cfg config.AzureConfig, rt http.RoundTripper, logger logrus.FieldLogger) policy.Transporter {
	retryClient := retryablehttp.NewClient()
	if rt != nil {
		retryClient.HTTPClient = &http.Client{Transport: rt}
	}
	retryClient.RetryMax = cfg.MaxRetries
	if cfg.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = cfg.RetryWaitMax
	}
	retryClient.Logger = &retryLogger{logger: logger}
	// Hand the last response to azcore so it can build a ResponseError.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return retryClient.StandardClient()
}

// retryLogger implements retryablehttp.LeveledLogger on logrus.
type retryLogger struct {
	logger logrus.FieldLogger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(retryFields(keysAndValues)).Error(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(retryFields(keysAndValues)).Info(msg)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(retryFields(keysAndValues)).Debug(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(retryFields(keysAndValues)).Warn(msg)
}

// retryFields converts key/value pairs to fields. Requests are reduced to
// method and path so SAS signatures stay out of the log.
func retryFields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		switch v := keysAndValues[i+1].(type) {
		case *http.Request:
			fields[key] = v.Method + " " + v.URL.Path
		case *url.URL:
			fields[key] = v.Path
		case error:
			fields[key] = v.Error()
		default:
			fields[key] = v
		}
	}
	return fields
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

var _ blobstore.Store = (*Store)(nil)

// Name implements blobstore.Store.
func (s *Store) Name() string { return config.BackendAzure }

// Client exposes the underlying azblob client. Its downloads are decrypted.
func (s *Store) Client() *azblob.Client { return s.client }

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// Upload encrypts body and stores it with the envelope in the blob metadata.
func (s *Store) Upload(ctx context.Context, container, blobName string, body io.Reader, opts *blobstore.UploadOptions) (*blobstore.Properties, error) {
	if opts == nil {
		opts = &blobstore.UploadOptions{}
	}
	counter := &countingReader{r: body}
	ciphertext, data, err := s.encryptor.Encrypt(ctx, counter)
	if err != nil {
		return nil, err
	}
	defer ciphertext.Close()

	metadata, err := blobstore.EnvelopeMetadata(opts.Metadata, data)
	if err != nil {
		return nil, err
	}

	uploadOpts := &azblob.UploadStreamOptions{
		BlockSize:   s.blockSize,
		Concurrency: s.concurrency,
		Metadata:    toAzureMetadata(metadata),
	}
	if opts.ContentType != "" {
		uploadOpts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: to.Ptr(opts.ContentType)}
	}
	resp, err := s.client.UploadStream(ctx, container, blobName, ciphertext, uploadOpts)
	if err != nil {
		return nil, translateError(err, container, blobName)
	}

	props := &blobstore.Properties{
		ContentLength: counter.n.Load(),
		ContentType:   opts.ContentType,
		Metadata:      blobstore.UserMetadata(metadata),
		Encrypted:     true,
		KeyID:         data.WrappedContentKey.KeyID,
	}
	if resp.ETag != nil {
		props.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		props.LastModified = *resp.LastModified
	}
	s.logger.WithFields(logrus.Fields{
		"container": container,
		"blob":      blobName,
		"key_id":    props.KeyID,
		"size":      props.ContentLength,
	}).Debug("Uploaded encrypted blob")
	return props, nil
}

// Download opens rng of the blob's plaintext.
func (s *Store) Download(ctx context.Context, container, blobName string, rng crypto.BlobRange) (*blobstore.Download, error) {
	resp, err := s.client.DownloadStream(ctx, container, blobName, &azblob.DownloadStreamOptions{
		Range: azblob.HTTPRange{Offset: rng.Offset, Count: rng.Count},
	})
	if err != nil {
		return nil, translateError(err, container, blobName)
	}

	props, err := properties(resp.Metadata, resp.ContentType, resp.ETag, resp.LastModified)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	length := int64(-1)
	if resp.ContentLength != nil {
		length = *resp.ContentLength
	}
	partial := rng != (crypto.BlobRange{})
	total := int64(-1)
	switch {
	case partial && resp.ContentRange != nil:
		total = blobstore.ParseContentRangeTotal(*resp.ContentRange)
	case !partial:
		total = length
	}
	props.ContentLength = total

	return &blobstore.Download{
		Body:       resp.Body,
		Properties: *props,
		Offset:     rng.Offset,
		Length:     length,
		Total:      total,
		Partial:    partial,
	}, nil
}

// GetProperties returns the blob's properties. The plaintext size of an
// encrypted blob is read from its padding, which costs one small download.
func (s *Store) GetProperties(ctx context.Context, container, blobName string) (*blobstore.Properties, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(container).NewBlobClient(blobName)
	resp, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		return nil, translateError(err, container, blobName)
	}

	props, err := properties(resp.Metadata, resp.ContentType, resp.ETag, resp.LastModified)
	if err != nil {
		return nil, err
	}
	stored := int64(-1)
	if resp.ContentLength != nil {
		stored = *resp.ContentLength
	}
	props.ContentLength = stored
	if !props.Encrypted {
		return props, nil
	}

	data, err := crypto.EncryptionDataFromMetadata(rawMetadata(resp.Metadata))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", crypto.ErrDecryptionFailed, err)
	}
	etag := props.ETag
	fetch := func(ctx context.Context, r crypto.BlobRange) (io.ReadCloser, error) {
		opts := &azblob.DownloadStreamOptions{Range: azblob.HTTPRange{Offset: r.Offset, Count: r.Count}}
		if etag != "" {
			opts.AccessConditions = &blob.AccessConditions{
				ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(etag))},
			}
		}
		dresp, err := s.client.DownloadStream(withRawDownload(ctx), container, blobName, opts)
		if err != nil {
			return nil, translateError(err, container, blobName)
		}
		return dresp.Body, nil
	}
	size, err := blobstore.PlaintextSize(ctx, s.decryptor, data, stored, fetch)
	if err != nil {
		return nil, err
	}
	props.ContentLength = size
	return props, nil
}

// Delete removes the blob.
func (s *Store) Delete(ctx context.Context, container, blobName string) error {
	if _, err := s.client.DeleteBlob(ctx, container, blobName, nil); err != nil {
		return translateError(err, container, blobName)
	}
	return nil
}

func properties(md map[string]*string, contentType *string, etag *azcore.ETag, lastModified *time.Time) (*blobstore.Properties, error) {
	raw := rawMetadata(md)
	data, err := crypto.EncryptionDataFromMetadata(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", crypto.ErrDecryptionFailed, err)
	}
	props := &blobstore.Properties{
		ContentLength: -1,
		Metadata:      blobstore.UserMetadata(raw),
		Encrypted:     data != nil,
	}
	if data != nil {
		props.KeyID = data.WrappedContentKey.KeyID
	}
	if contentType != nil {
		props.ContentType = *contentType
	}
	if etag != nil {
		props.ETag = string(*etag)
	}
	if lastModified != nil {
		props.LastModified = *lastModified
	}
	return props, nil
}

// rawMetadata lower-cases names; the service compares them case-insensitively
// and net/http canonicalizes them on the way back.
func rawMetadata(md map[string]*string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		if v != nil {
			out[strings.ToLower(k)] = *v
		}
	}
	return out
}

func toAzureMetadata(md map[string]string) map[string]*string {
	out := make(map[string]*string, len(md))
	for k, v := range md {
		out[k] = to.Ptr(v)
	}
	return out
}

// translateError maps service errors onto blobstore errors, keeping the
// original in the chain.
func translateError(err error, container, blobName string) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s/%s: %w", blobstore.ErrNotFound, container, blobName, err)
		case http.StatusRequestedRangeNotSatisfiable:
			return fmt.Errorf("%w: %s/%s: %w", blobstore.ErrRangeNotSatisfiable, container, blobName, err)
		}
	}
	return err
}
