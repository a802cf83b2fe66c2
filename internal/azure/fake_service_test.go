package azure

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kenneth/blob-encryption-gateway/internal/crypto"
)

type fakeBlob struct {
	data        []byte
	metadata    map[string]string
	contentType string
	etag        string
	modified    time.Time
}

// fakeBlobService answers the blob service calls the Store makes: Put Blob,
// Put Block, Put Block List, Get Blob, Get Blob Properties and Delete Blob.
type fakeBlobService struct {
	mu      sync.Mutex
	blobs   map[string]*fakeBlob
	blocks  map[string]map[string][]byte
	version int

	gets     int
	failNext int
	ranges   []string
}

func newFakeBlobService() *fakeBlobService {
	return &fakeBlobService{
		blobs:  make(map[string]*fakeBlob),
		blocks: make(map[string]map[string][]byte),
	}
}

func (f *fakeBlobService) put(path string, data []byte, metadata map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeLocked(path, data, metadata, "application/octet-stream")
}

func (f *fakeBlobService) blob(path string) *fakeBlob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blobs[path]
}

func (f *fakeBlobService) storeLocked(path string, data []byte, metadata map[string]string, contentType string) *fakeBlob {
	f.version++
	b := &fakeBlob{
		data:        data,
		metadata:    metadata,
		contentType: contentType,
		etag:        fmt.Sprintf("\"0x%X\"", f.version),
		modified:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	f.blobs[path] = b
	return b
}

func (f *fakeBlobService) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	path := strings.TrimPrefix(req.URL.Path, "/")
	q := req.URL.Query()

	switch req.Method {
	case http.MethodPut:
		switch q.Get("comp") {
		case "":
			b := f.storeLocked(path, body, requestMetadata(req.Header), header(req.Header, "x-ms-blob-content-type"))
			return f.created(req, b), nil
		case "block":
			if f.blocks[path] == nil {
				f.blocks[path] = make(map[string][]byte)
			}
			f.blocks[path][q.Get("blockid")] = body
			return f.respond(req, http.StatusCreated, nil, nil), nil
		case "blocklist":
			var list struct {
				Blocks []string `xml:",any"`
			}
			if err := xml.Unmarshal(body, &list); err != nil {
				return f.failure(req, http.StatusBadRequest, "InvalidXmlDocument"), nil
			}
			var data []byte
			for _, id := range list.Blocks {
				block, ok := f.blocks[path][id]
				if !ok {
					return f.failure(req, http.StatusBadRequest, "InvalidBlockList"), nil
				}
				data = append(data, block...)
			}
			delete(f.blocks, path)
			b := f.storeLocked(path, data, requestMetadata(req.Header), header(req.Header, "x-ms-blob-content-type"))
			return f.created(req, b), nil
		}
	case http.MethodGet:
		if q.Get("comp") != "" {
			break
		}
		f.gets++
		if f.failNext > 0 {
			f.failNext--
			return f.failure(req, http.StatusServiceUnavailable, "ServerBusy"), nil
		}
		b, ok := f.blobs[path]
		if !ok {
			return f.failure(req, http.StatusNotFound, "BlobNotFound"), nil
		}
		if match := req.Header.Get("If-Match"); match != "" && match != b.etag {
			return f.failure(req, http.StatusPreconditionFailed, "ConditionNotMet"), nil
		}
		rangeHeader := header(req.Header, "x-ms-range")
		if rangeHeader == "" {
			rangeHeader = req.Header.Get("Range")
		}
		f.ranges = append(f.ranges, rangeHeader)
		h := f.blobHeaders(b)
		if rangeHeader == "" {
			h.Set("Content-MD5", "c29tZS1tZDU=")
			return f.respond(req, http.StatusOK, h, b.data), nil
		}
		rng, err := crypto.ParseHTTPRange(rangeHeader)
		if err != nil {
			return f.failure(req, http.StatusBadRequest, "InvalidHeaderValue"), nil
		}
		size := int64(len(b.data))
		if rng.Offset >= size {
			return f.failure(req, http.StatusRequestedRangeNotSatisfiable, "InvalidRange"), nil
		}
		end := size
		if rng.Count > 0 && rng.Offset+rng.Count < size {
			end = rng.Offset + rng.Count
		}
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Offset, end-1, size))
		return f.respond(req, http.StatusPartialContent, h, b.data[rng.Offset:end]), nil
	case http.MethodHead:
		b, ok := f.blobs[path]
		if !ok {
			return f.failure(req, http.StatusNotFound, "BlobNotFound"), nil
		}
		h := f.blobHeaders(b)
		h.Set("Content-Length", strconv.Itoa(len(b.data)))
		resp := f.respond(req, http.StatusOK, h, nil)
		resp.ContentLength = int64(len(b.data))
		return resp, nil
	case http.MethodDelete:
		if _, ok := f.blobs[path]; !ok {
			return f.failure(req, http.StatusNotFound, "BlobNotFound"), nil
		}
		delete(f.blobs, path)
		return f.respond(req, http.StatusAccepted, nil, nil), nil
	}
	return f.failure(req, http.StatusNotImplemented, "NotImplemented"), nil
}

func (f *fakeBlobService) blobHeaders(b *fakeBlob) http.Header {
	h := http.Header{}
	for k, v := range b.metadata {
		h.Set("x-ms-meta-"+k, v)
	}
	h.Set("Content-Type", b.contentType)
	h.Set("ETag", b.etag)
	h.Set("Last-Modified", b.modified.Format(http.TimeFormat))
	h.Set("x-ms-blob-type", "BlockBlob")
	return h
}

func (f *fakeBlobService) created(req *http.Request, b *fakeBlob) *http.Response {
	h := http.Header{}
	h.Set("ETag", b.etag)
	h.Set("Last-Modified", b.modified.Format(http.TimeFormat))
	return f.respond(req, http.StatusCreated, h, nil)
}

func (f *fakeBlobService) failure(req *http.Request, status int, code string) *http.Response {
	h := http.Header{}
	h.Set("x-ms-error-code", code)
	h.Set("Content-Type", "application/xml")
	var body []byte
	if req.Method != http.MethodHead {
		body = []byte(fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, http.StatusText(status)))
	}
	return f.respond(req, status, h, body)
}

func (f *fakeBlobService) respond(req *http.Request, status int, h http.Header, body []byte) *http.Response {
	if h == nil {
		h = http.Header{}
	}
	h.Set("x-ms-request-id", "fake-request")
	h.Set("x-ms-version", "2025-01-05")
	if req.Method != http.MethodHead {
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// header reads a request header the SDK may have set under its lower-case name.
func header(h http.Header, name string) string {
	if v := h.Get(name); v != "" {
		return v
	}
	if v := h[strings.ToLower(name)]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func requestMetadata(h http.Header) map[string]string {
	md := make(map[string]string)
	for k, v := range h {
		if len(k) > len("x-ms-meta-") && strings.EqualFold(k[:len("x-ms-meta-")], "x-ms-meta-") && len(v) > 0 {
			md[strings.ToLower(k[len("x-ms-meta-"):])] = v[0]
		}
	}
	return md
}
