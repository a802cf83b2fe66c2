package s3

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/blob-encryption-gateway/internal/blobstore"
	"github.com/kenneth/blob-encryption-gateway/internal/config"
	"github.com/kenneth/blob-encryption-gateway/internal/crypto"
)

// StoreOptions configure a Store.
type StoreOptions struct {
	Encryptor *crypto.Encryptor
	Decryptor *crypto.Decryptor
	// RequireEncryption refuses to serve objects without an envelope.
	RequireEncryption bool
	// BufferLimit is passed to blobstore.DecryptRange.
	BufferLimit int64
	Logger      logrus.FieldLogger
}

// Store implements blobstore.Store on an S3 bucket. Containers map to buckets
// and blob names to object keys.
type Store struct {
	client      Client
	encryptor   *crypto.Encryptor
	decryptor   *crypto.Decryptor
	require     bool
	bufferLimit int64
	logger      logrus.FieldLogger
}

var _ blobstore.Store = (*Store)(nil)

// NewStore wraps client with envelope encryption.
func NewStore(client Client, opts StoreOptions) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("s3: client is required")
	}
	if opts.Encryptor == nil || opts.Decryptor == nil {
		return nil, fmt.Errorf("s3: encryptor and decryptor are required")
	}
	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Store{
		client:      client,
		encryptor:   opts.Encryptor,
		decryptor:   opts.Decryptor,
		require:     opts.RequireEncryption,
		bufferLimit: opts.BufferLimit,
		logger:      logger,
	}, nil
}

// Name implements blobstore.Store.
func (s *Store) Name() string { return config.BackendS3 }

// Upload encrypts body and puts it with the envelope in the object metadata.
func (s *Store) Upload(ctx context.Context, bucket, key string, body io.Reader, opts *blobstore.UploadOptions) (*blobstore.Properties, error) {
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
	info, err := s.client.PutObject(ctx, bucket, key, ciphertext, &PutOptions{
		ContentType: opts.ContentType,
		Metadata:    metadata,
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"bucket": bucket,
		"key":    key,
		"key_id": data.WrappedContentKey.KeyID,
		"size":   counter.n,
	}).Debug("Uploaded encrypted object")

	return &blobstore.Properties{
		ContentLength: counter.n,
		ContentType:   opts.ContentType,
		ETag:          info.ETag,
		LastModified:  info.LastModified,
		Metadata:      blobstore.UserMetadata(metadata),
		Encrypted:     true,
		KeyID:         data.WrappedContentKey.KeyID,
	}, nil
}

// Download opens rng of the object's plaintext.
func (s *Store) Download(ctx context.Context, bucket, key string, rng crypto.BlobRange) (*blobstore.Download, error) {
	erng, err := crypto.NewEncryptedBlobRange(rng)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, bucket, key, erng.HTTPHeader())
	if err != nil {
		return nil, err
	}

	props, data, err := properties(&obj.ObjectInfo)
	if err != nil {
		obj.Body.Close()
		return nil, err
	}
	download := &blobstore.Download{
		Properties: *props,
		Offset:     rng.Offset,
		Partial:    rng != (crypto.BlobRange{}),
	}
	size := obj.Size()

	if data == nil {
		if s.require {
			obj.Body.Close()
			return nil, fmt.Errorf("%w: %s/%s", crypto.ErrEncryptionRequired, bucket, key)
		}
		length, err := blobstore.ServedLength(rng, size)
		if err != nil {
			obj.Body.Close()
			return nil, err
		}
		download.Body = blobstore.TrimReader(obj.Body, erng.OffsetAdjustment(), rng.Count)
		download.Length = length
		download.Total = size
		download.ContentLength = size
		return download, nil
	}
	if size < 0 {
		obj.Body.Close()
		return nil, fmt.Errorf("%w: response does not describe the ciphertext size", crypto.ErrDecryptionFailed)
	}

	etag := obj.ETag
	plain, err := blobstore.DecryptRange(ctx, blobstore.DecryptRequest{
		Decryptor:   s.decryptor,
		Data:        data,
		Range:       erng,
		BlobSize:    size,
		Body:        obj.Body,
		Fetch:       s.fetcher(bucket, key, etag),
		BufferLimit: s.bufferLimit,
	})
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"bucket": bucket, "key": key}).Warn("Object decryption failed")
		return nil, err
	}
	download.Body = plain.Body
	download.Length = plain.Length
	download.Total = plain.Total
	download.ContentLength = plain.Total
	return download, nil
}

// fetcher reads ciphertext ranges and fails if the object changed since etag.
func (s *Store) fetcher(bucket, key, etag string) blobstore.FetchFunc {
	return func(ctx context.Context, rng crypto.BlobRange) (io.ReadCloser, error) {
		obj, err := s.client.GetObject(ctx, bucket, key, rng.HTTPHeader())
		if err != nil {
			return nil, err
		}
		if etag != "" && obj.ETag != "" && obj.ETag != etag {
			obj.Body.Close()
			return nil, fmt.Errorf("object %s/%s changed during download", bucket, key)
		}
		return obj.Body, nil
	}
}

// GetProperties returns the object's properties. The plaintext size of an
// encrypted object is read from its padding.
func (s *Store) GetProperties(ctx context.Context, bucket, key string) (*blobstore.Properties, error) {
	info, err := s.client.HeadObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	props, data, err := properties(info)
	if err != nil {
		return nil, err
	}
	props.ContentLength = info.ContentLength
	if data == nil {
		return props, nil
	}
	size, err := blobstore.PlaintextSize(ctx, s.decryptor, data, info.ContentLength, s.fetcher(bucket, key, info.ETag))
	if err != nil {
		return nil, err
	}
	props.ContentLength = size
	return props, nil
}

// Delete removes the object.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	return s.client.DeleteObject(ctx, bucket, key)
}

func properties(info *ObjectInfo) (*blobstore.Properties, *crypto.EncryptionData, error) {
	data, err := crypto.EncryptionDataFromMetadata(info.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", crypto.ErrDecryptionFailed, err)
	}
	props := &blobstore.Properties{
		ContentLength: -1,
		ContentType:   info.ContentType,
		ETag:          info.ETag,
		LastModified:  info.LastModified,
		Metadata:      blobstore.UserMetadata(info.Metadata),
		Encrypted:     data != nil,
	}
	if data != nil {
		props.KeyID = data.WrappedContentKey.KeyID
	}
	return props, data, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
