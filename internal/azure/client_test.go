package azure

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/blob-encryption-gateway/internal/blobstore"
	"github.com/kenneth/blob-encryption-gateway/internal/config"
	"github.com/kenneth/blob-encryption-gateway/internal/crypto"
)

const testContainer = "backups"

func testConfig() config.AzureConfig {
	return config.AzureConfig{
		AccountName:  "devstoreaccount1",
		MaxRetries:   2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 2 * time.Millisecond,
		BlockSize:    16 * 1024,
		Concurrency:  2,
	}
}

func newTestStore(t *testing.T, service *fakeBlobService, keyFill byte, strict bool) *Store {
	t.Helper()
	key, err := crypto.NewSymmetricKey("kek-1", bytes.Repeat([]byte{keyFill}, 32), nil)
	require.NoError(t, err)
	enc, err := crypto.NewEncryptor(key, nil)
	require.NoError(t, err)
	dec, err := crypto.NewDecryptor(key, nil, nil)
	require.NoError(t, err)

	store, err := New(Options{
		Config:            testConfig(),
		Encryptor:         enc,
		Decryptor:         dec,
		RequireEncryption: strict,
		RoundTripper:      service,
	})
	require.NoError(t, err)
	return store
}

func plaintextOf(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + i/256)
	}
	return b
}

func uploadBytes(t *testing.T, store *Store, name string, data []byte) *blobstore.Properties {
	t.Helper()
	props, err := store.Upload(context.Background(), testContainer, name, bytes.NewReader(data), &blobstore.UploadOptions{
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"owner": "ops"},
	})
	require.NoError(t, err)
	return props
}

func readDownload(t *testing.T, d *blobstore.Download) []byte {
	t.Helper()
	defer d.Body.Close()
	got, err := io.ReadAll(d.Body)
	require.NoError(t, err)
	return got
}

func TestNew_RequiresCrypto(t *testing.T) {
	_, err := New(Options{Config: testConfig()})
	assert.Error(t, err)
}

func TestStore_UploadStoresCiphertext(t *testing.T) {
	service := newFakeBlobService()
	store := newTestStore(t, service, 1, false)
	data := plaintextOf(40 * 1024)

	props := uploadBytes(t, store, "db/dump.sql", data)
	assert.Equal(t, int64(len(data)), props.ContentLength)
	assert.True(t, props.Encrypted)
	assert.Equal(t, "kek-1", props.KeyID)
	assert.NotEmpty(t, props.ETag)
	assert.Equal(t, map[string]string{"owner": "ops"}, props.Metadata)

	stored := service.blob(testContainer + "/db/dump.sql")
	require.NotNil(t, stored)
	assert.Equal(t, crypto.EncryptedSize(int64(len(data))), int64(len(stored.data)))
	assert.NotEqual(t, data, stored.data[:len(data)])
	assert.Equal(t, "ops", stored.metadata["owner"])

	envelope, err := crypto.EncryptionDataFromMetadata(stored.metadata)
	require.NoError(t, err)
	require.NotNil(t, envelope)
	assert.Equal(t, "kek-1", envelope.WrappedContentKey.KeyID)
}

func TestStore_DownloadRanges(t *testing.T) {
	for _, size := range []int{0, 15, 16, 1000, 40 * 1024} {
		service := newFakeBlobService()
		store := newTestStore(t, service, 1, false)
		data := plaintextOf(size)
		uploadBytes(t, store, "blob", data)

		ranges := []crypto.BlobRange{
			{},
			{Offset: 0, Count: 16},
			{Offset: 5, Count: 10},
			{Offset: 16, Count: 16},
			{Offset: 100, Count: 50},
			{Offset: 17, Count: 1000},
			{Offset: 990},
			{Offset: int64(size) - 1},
			{Offset: int64(size) - 1, Count: 1},
			{Offset: 20 * 1024, Count: 100},
		}
		for _, rng := range ranges {
			if rng.Offset < 0 || (rng.Offset >= int64(size) && rng.Offset > 0) {
				continue
			}
			d, err := store.Download(context.Background(), testContainer, "blob", rng)
			require.NoError(t, err, "size %d range %+v", size, rng)

			end := int64(size)
			if rng.Count > 0 {
				end = min(end, rng.Offset+rng.Count)
			}
			want := data[rng.Offset:end]
			got := readDownload(t, d)
			assert.Equal(t, want, got, "size %d range %+v", size, rng)
			assert.Equal(t, int64(len(want)), d.Length, "size %d range %+v", size, rng)
			assert.Equal(t, "ops", d.Metadata["owner"])
			assert.NotContains(t, d.Metadata, crypto.MetadataKey)
			assert.True(t, d.Encrypted)
			// The total is known whenever the fetch reached the padding.
			if rng.Count == 0 {
				assert.Equal(t, int64(size), d.Total, "size %d range %+v", size, rng)
			} else if d.Total != -1 {
				assert.Equal(t, int64(size), d.Total, "size %d range %+v", size, rng)
			}
		}
	}
}

func TestStore_DownloadWidensRange(t *testing.T) {
	service := newFakeBlobService()
	store := newTestStore(t, service, 1, false)
	uploadBytes(t, store, "blob", plaintextOf(4096))

	d, err := store.Download(context.Background(), testContainer, "blob", crypto.BlobRange{Offset: 100, Count: 50})
	require.NoError(t, err)
	readDownload(t, d)
	assert.Equal(t, "bytes 100-149/*", d.ContentRange())
	assert.Equal(t, []string{"bytes=80-159"}, service.ranges)
}

func TestStore_DownloadProbesLargeTail(t *testing.T) {
	service := newFakeBlobService()
	store := newTestStore(t, service, 1, false)
	data := plaintextOf(200 * 1024)
	uploadBytes(t, store, "big", data)

	d, err := store.Download(context.Background(), testContainer, "big", crypto.BlobRange{Offset: 1000})
	require.NoError(t, err)
	got := readDownload(t, d)
	assert.Equal(t, data[1000:], got)
	assert.Equal(t, int64(len(data)-1000), d.Length)
	assert.Equal(t, int64(len(data)), d.Total)
	assert.Equal(t, "bytes 1000-204799/204800", d.ContentRange())
	assert.Equal(t, 2, service.gets)
}

func TestStore_RangeNotSatisfiable(t *testing.T) {
	service := newFakeBlobService()
	store := newTestStore(t, service, 1, false)
	uploadBytes(t, store, "blob", plaintextOf(10))

	for _, offset := range []int64{12, 40} {
		_, err := store.Download(context.Background(), testContainer, "blob", crypto.BlobRange{Offset: offset})
		assert.ErrorIs(t, err, blobstore.ErrRangeNotSatisfiable, "offset %d", offset)
	}
}

func TestStore_GetProperties(t *testing.T) {
	for _, size := range []int{0, 16, 17, 1000} {
		service := newFakeBlobService()
		store := newTestStore(t, service, 1, false)
		uploadBytes(t, store, "blob", plaintextOf(size))

		props, err := store.GetProperties(context.Background(), testContainer, "blob")
		require.NoError(t, err)
		assert.Equal(t, int64(size), props.ContentLength, "size %d", size)
		assert.True(t, props.Encrypted)
		assert.Equal(t, "kek-1", props.KeyID)
		assert.Equal(t, "application/octet-stream", props.ContentType)
		assert.Equal(t, map[string]string{"owner": "ops"}, props.Metadata)
		assert.Equal(t, 2026, props.LastModified.Year())
	}
}

func TestStore_Unencrypted(t *testing.T) {
	service := newFakeBlobService()
	data := []byte("plain text written by another client")
	service.put(testContainer+"/legacy.txt", data, map[string]string{"source": "import"})

	store := newTestStore(t, service, 1, false)
	d, err := store.Download(context.Background(), testContainer, "legacy.txt", crypto.BlobRange{Offset: 20, Count: 6})
	require.NoError(t, err)
	assert.Equal(t, data[20:26], readDownload(t, d))
	assert.False(t, d.Encrypted)
	assert.Equal(t, int64(6), d.Length)
	assert.Equal(t, int64(len(data)), d.Total)

	props, err := store.GetProperties(context.Background(), testContainer, "legacy.txt")
	require.NoError(t, err)
	assert.False(t, props.Encrypted)
	assert.Equal(t, int64(len(data)), props.ContentLength)

	strict := newTestStore(t, service, 1, true)
	_, err = strict.Download(context.Background(), testContainer, "legacy.txt", crypto.BlobRange{})
	assert.ErrorIs(t, err, crypto.ErrEncryptionRequired)
}

func TestStore_WrongKey(t *testing.T) {
	service := newFakeBlobService()
	uploadBytes(t, newTestStore(t, service, 1, false), "blob", plaintextOf(100))

	other := newTestStore(t, service, 2, false)
	_, err := other.Download(context.Background(), testContainer, "blob", crypto.BlobRange{})
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
}

func TestStore_NotFound(t *testing.T) {
	service := newFakeBlobService()
	store := newTestStore(t, service, 1, false)
	ctx := context.Background()

	_, err := store.Download(ctx, testContainer, "missing", crypto.BlobRange{})
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
	var respErr *azcore.ResponseError
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, "BlobNotFound", respErr.ErrorCode)

	_, err = store.GetProperties(ctx, testContainer, "missing")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, testContainer, "missing"), blobstore.ErrNotFound)
}

func TestStore_Delete(t *testing.T) {
	service := newFakeBlobService()
	store := newTestStore(t, service, 1, false)
	uploadBytes(t, store, "blob", plaintextOf(10))

	require.NoError(t, store.Delete(context.Background(), testContainer, "blob"))
	assert.Nil(t, service.blob(testContainer+"/blob"))
}

func TestStore_RetriesServerBusy(t *testing.T) {
	service := newFakeBlobService()
	store := newTestStore(t, service, 1, false)
	data := plaintextOf(100)
	uploadBytes(t, store, "blob", data)

	service.failNext = 1
	d, err := store.Download(context.Background(), testContainer, "blob", crypto.BlobRange{})
	require.NoError(t, err)
	assert.Equal(t, data, readDownload(t, d))
	assert.Equal(t, 2, service.gets)
}

func TestStore_SASToken(t *testing.T) {
	service := newFakeBlobService()
	key, err := crypto.NewSymmetricKey("kek-1", bytes.Repeat([]byte{1}, 32), nil)
	require.NoError(t, err)
	enc, err := crypto.NewEncryptor(key, nil)
	require.NoError(t, err)
	dec, err := crypto.NewDecryptor(key, nil, nil)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.SASToken = "?sv=2024-01-01&sig=secret"
	store, err := New(Options{Config: cfg, Encryptor: enc, Decryptor: dec, RoundTripper: service})
	require.NoError(t, err)
	uploadBytes(t, store, "blob", []byte("x"))
	assert.NotNil(t, service.blob(testContainer+"/blob"))
}

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net/", "?sv=1&sig=abc")
	require.NoError(t, err)
	assert.Equal(t, "https://acct.blob.core.windows.net/?sv=1&sig=abc", got)

	got, err = appendSASToken("https://acct.blob.core.windows.net/?a=b", "sv=1")
	require.NoError(t, err)
	assert.Equal(t, "https://acct.blob.core.windows.net/?a=b&sv=1", got)
}

func TestRetryLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	rl := &retryLogger{logger: logger}

	req, err := http.NewRequest(http.MethodGet, "https://acct.blob.core.windows.net/c/b?sig=secret", nil)
	require.NoError(t, err)
	rl.Debug("performing request", "method", "GET", "url", req.URL, "request", req)
	rl.Error("request failed", "error", errors.New("boom"))

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "/c/b", entries[0].Data["url"])
	assert.Equal(t, "GET /c/b", entries[0].Data["request"])
	assert.Equal(t, "boom", entries[1].Data["error"])
	assert.Equal(t, logrus.ErrorLevel, entries[1].Level)
}
