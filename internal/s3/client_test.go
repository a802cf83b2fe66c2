package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/blob-encryption-gateway/internal/blobstore"
	"github.com/kenneth/blob-encryption-gateway/internal/config"
	"github.com/kenneth/blob-encryption-gateway/internal/crypto"
)

type mockObject struct {
	data        []byte
	metadata    map[string]string
	contentType string
	etag        string
}

// mockClient is a mock implementation for testing.
type mockClient struct {
	mu      sync.Mutex
	objects map[string]*mockObject
	gets    []string
	version int
}

func newMockClient() *mockClient {
	return &mockClient{objects: make(map[string]*mockObject)}
}

func (m *mockClient) PutObject(_ context.Context, bucket, key string, reader io.Reader, opts *PutOptions) (*ObjectInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version++
	obj := &mockObject{data: data, metadata: extractMetadata(opts.Metadata), contentType: opts.ContentType, etag: fmt.Sprintf("\"etag-%d\"", m.version)}
	m.objects[bucket+"/"+key] = obj
	return &ObjectInfo{ContentLength: int64(len(data)), ETag: obj.etag, Metadata: obj.metadata}, nil
}

func (m *mockClient) lookup(bucket, key string) (*mockObject, error) {
	obj, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, translateError(fmt.Errorf("get %s/%s: %w", bucket, key, &types.NoSuchKey{}))
	}
	return obj, nil
}

func (m *mockClient) GetObject(_ context.Context, bucket, key, rangeHeader string) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets = append(m.gets, rangeHeader)
	obj, err := m.lookup(bucket, key)
	if err != nil {
		return nil, err
	}
	info := ObjectInfo{ContentType: obj.contentType, ETag: obj.etag, Metadata: obj.metadata, LastModified: time.Unix(0, 0)}
	size := int64(len(obj.data))
	if rangeHeader == "" {
		info.ContentLength = size
		return &Object{Body: io.NopCloser(bytes.NewReader(obj.data)), ObjectInfo: info}, nil
	}
	rng, err := crypto.ParseHTTPRange(rangeHeader)
	if err != nil {
		return nil, err
	}
	if rng.Offset >= size {
		return nil, translateError(&smithy.GenericAPIError{Code: "InvalidRange", Message: "out of range"})
	}
	end := size
	if rng.Count > 0 && rng.Offset+rng.Count < size {
		end = rng.Offset + rng.Count
	}
	info.ContentLength = end - rng.Offset
	return &Object{
		Body:         io.NopCloser(bytes.NewReader(obj.data[rng.Offset:end])),
		ObjectInfo:   info,
		ContentRange: fmt.Sprintf("bytes %d-%d/%d", rng.Offset, end-1, size),
	}, nil
}

func (m *mockClient) HeadObject(_ context.Context, bucket, key string) (*ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := m.lookup(bucket, key)
	if err != nil {
		return nil, err
	}
	return &ObjectInfo{ContentLength: int64(len(obj.data)), ContentType: obj.contentType, ETag: obj.etag, Metadata: obj.metadata}, nil
}

func (m *mockClient) DeleteObject(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(bucket, key); err != nil {
		return err
	}
	delete(m.objects, bucket+"/"+key)
	return nil
}

func newTestStore(t *testing.T, client Client, keyFill byte, strict bool) *Store {
	t.Helper()
	key, err := crypto.NewSymmetricKey("kek-1", bytes.Repeat([]byte{keyFill}, 32), nil)
	require.NoError(t, err)
	enc, err := crypto.NewEncryptor(key, nil)
	require.NoError(t, err)
	dec, err := crypto.NewDecryptor(key, nil, nil)
	require.NoError(t, err)
	store, err := NewStore(client, StoreOptions{Encryptor: enc, Decryptor: dec, RequireEncryption: strict})
	require.NoError(t, err)
	return store
}

func testData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*13 + 7)
	}
	return b
}

func TestNewStore_Validation(t *testing.T) {
	_, err := NewStore(nil, StoreOptions{})
	assert.Error(t, err)
	_, err = NewStore(newMockClient(), StoreOptions{})
	assert.Error(t, err)
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	mock := newMockClient()
	store := newTestStore(t, mock, 1, false)
	data := testData(5000)

	props, err := store.Upload(ctx, "bucket", "dir/file.bin", bytes.NewReader(data), &blobstore.UploadOptions{
		ContentType: "application/x-tar",
		Metadata:    map[string]string{"Owner": "ops"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), props.ContentLength)
	assert.Equal(t, "kek-1", props.KeyID)
	assert.Equal(t, "s3", store.Name())

	stored := mock.objects["bucket/dir/file.bin"]
	assert.Equal(t, crypto.EncryptedSize(int64(len(data))), int64(len(stored.data)))
	assert.Contains(t, stored.metadata, crypto.MetadataKey)

	ranges := []crypto.BlobRange{{}, {Offset: 0, Count: 1}, {Offset: 33, Count: 100}, {Offset: 4990}, {Offset: 4000, Count: 5000}}
	for _, rng := range ranges {
		d, err := store.Download(ctx, "bucket", "dir/file.bin", rng)
		require.NoError(t, err, "%+v", rng)
		got, err := io.ReadAll(d.Body)
		require.NoError(t, err)
		require.NoError(t, d.Body.Close())

		end := int64(len(data))
		if rng.Count > 0 {
			end = min(end, rng.Offset+rng.Count)
		}
		assert.Equal(t, data[rng.Offset:end], got, "%+v", rng)
		assert.Equal(t, int64(len(got)), d.Length, "%+v", rng)
		assert.Equal(t, map[string]string{"owner": "ops"}, d.Metadata)
		assert.Equal(t, "application/x-tar", d.ContentType)
	}
}

func TestStore_DownloadRequestsAdjustedRange(t *testing.T) {
	ctx := context.Background()
	mock := newMockClient()
	store := newTestStore(t, mock, 1, false)
	_, err := store.Upload(ctx, "bucket", "key", bytes.NewReader(testData(4096)), nil)
	require.NoError(t, err)

	d, err := store.Download(ctx, "bucket", "key", crypto.BlobRange{Offset: 100, Count: 50})
	require.NoError(t, err)
	d.Body.Close()
	assert.Equal(t, []string{"bytes=80-159"}, mock.gets)
	assert.Equal(t, "bytes 100-149/*", d.ContentRange())
}

func TestStore_ProbesLargeObjects(t *testing.T) {
	ctx := context.Background()
	mock := newMockClient()
	store := newTestStore(t, mock, 1, false)
	data := testData(100 * 1024)
	_, err := store.Upload(ctx, "bucket", "key", bytes.NewReader(data), nil)
	require.NoError(t, err)

	d, err := store.Download(ctx, "bucket", "key", crypto.BlobRange{})
	require.NoError(t, err)
	got, err := io.ReadAll(d.Body)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(len(data)), d.Length)
	assert.Equal(t, int64(len(data)), d.Total)
	// the tail probe starts one block before the final block
	assert.Equal(t, []string{"", fmt.Sprintf("bytes=%d-", len(data)-16)}, mock.gets)
}

func TestStore_GetProperties(t *testing.T) {
	ctx := context.Background()
	for _, size := range []int{0, 16, 31, 2048} {
		mock := newMockClient()
		store := newTestStore(t, mock, 1, false)
		_, err := store.Upload(ctx, "bucket", "key", bytes.NewReader(testData(size)), &blobstore.UploadOptions{ContentType: "text/plain"})
		require.NoError(t, err)

		props, err := store.GetProperties(ctx, "bucket", "key")
		require.NoError(t, err)
		assert.Equal(t, int64(size), props.ContentLength, "size %d", size)
		assert.Equal(t, "text/plain", props.ContentType)
		assert.True(t, props.Encrypted)
		assert.Empty(t, props.Metadata)
	}
}

func TestStore_Unencrypted(t *testing.T) {
	ctx := context.Background()
	mock := newMockClient()
	_, err := mock.PutObject(ctx, "bucket", "plain.txt", strings.NewReader("0123456789abcdefghijklmnopqrstuvwxyz"), &PutOptions{})
	require.NoError(t, err)

	store := newTestStore(t, mock, 1, false)
	d, err := store.Download(ctx, "bucket", "plain.txt", crypto.BlobRange{Offset: 20, Count: 6})
	require.NoError(t, err)
	got, err := io.ReadAll(d.Body)
	require.NoError(t, err)
	assert.Equal(t, "klmnop", string(got))
	assert.Equal(t, int64(6), d.Length)
	assert.Equal(t, int64(36), d.Total)
	assert.False(t, d.Encrypted)

	_, err = newTestStore(t, mock, 1, true).Download(ctx, "bucket", "plain.txt", crypto.BlobRange{})
	assert.ErrorIs(t, err, crypto.ErrEncryptionRequired)
}

func TestStore_Errors(t *testing.T) {
	ctx := context.Background()
	mock := newMockClient()
	store := newTestStore(t, mock, 1, false)

	_, err := store.Download(ctx, "bucket", "missing", crypto.BlobRange{})
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
	_, err = store.GetProperties(ctx, "bucket", "missing")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "bucket", "missing"), blobstore.ErrNotFound)

	_, err = store.Upload(ctx, "bucket", "small", bytes.NewReader(testData(10)), nil)
	require.NoError(t, err)
	_, err = store.Download(ctx, "bucket", "small", crypto.BlobRange{Offset: 12})
	assert.ErrorIs(t, err, blobstore.ErrRangeNotSatisfiable)
	_, err = store.Download(ctx, "bucket", "small", crypto.BlobRange{Offset: 64})
	assert.ErrorIs(t, err, blobstore.ErrRangeNotSatisfiable)

	_, err = newTestStore(t, mock, 9, false).Download(ctx, "bucket", "small", crypto.BlobRange{})
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)

	require.NoError(t, store.Delete(ctx, "bucket", "small"))
	assert.Empty(t, mock.objects)
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no such key", &types.NoSuchKey{}, blobstore.ErrNotFound},
		{"head not found", &types.NotFound{}, blobstore.ErrNotFound},
		{"no such bucket", &smithy.GenericAPIError{Code: "NoSuchBucket"}, blobstore.ErrNotFound},
		{"invalid range", &smithy.GenericAPIError{Code: "InvalidRange"}, blobstore.ErrRangeNotSatisfiable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translateError(fmt.Errorf("op: %w", tt.err))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	other := errors.New("access denied")
	assert.Equal(t, other, translateError(other))
}

func TestObjectSize(t *testing.T) {
	assert.Equal(t, int64(1008), (&Object{ContentRange: "bytes 0-15/1008", ObjectInfo: ObjectInfo{ContentLength: 16}}).Size())
	assert.Equal(t, int64(64), (&Object{ObjectInfo: ObjectInfo{ContentLength: 64}}).Size())
}

func TestNewClient(t *testing.T) {
	cfg := &config.S3Config{
		Endpoint:     "http://localhost:9000",
		Region:       "us-east-1",
		AccessKey:    "test-key",
		SecretKey:    "test-secret",
		UsePathStyle: true,
	}
	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotNil(t, client)
}
