package crypto

import (
	"fmt"
	"strconv"
	"strings"
)

// BlobRange is a byte range of a blob. A zero Count means "to the end of the blob",
// matching the convention of azblob.HTTPRange.
type BlobRange struct {
	Offset int64
	Count  int64
}

// HTTPHeader formats the range as a Range / x-ms-range header value. The zero
// range formats as the empty string.
func (r BlobRange) HTTPHeader() string {
	if r.Offset == 0 && r.Count == 0 {
		return ""
	}
	if r.Count == 0 {
		return fmt.Sprintf("bytes=%d-", r.Offset)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Count-1)
}

// ParseHTTPRange parses a single "bytes=start-end" or "bytes=start-" range.
// Suffix ranges and multiple ranges are rejected with ErrInvalidRange.
func ParseHTTPRange(header string) (BlobRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return BlobRange{}, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return BlobRange{}, fmt.Errorf("%w: %q: unit must be bytes", ErrInvalidRange, header)
	}
	if strings.Contains(spec, ",") {
		return BlobRange{}, fmt.Errorf("%w: %q: multiple ranges are not supported", ErrInvalidRange, header)
	}
	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok || startStr == "" {
		return BlobRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		return BlobRange{}, fmt.Errorf("%w: %q: bad start", ErrInvalidRange, header)
	}
	if strings.TrimSpace(endStr) == "" {
		return BlobRange{Offset: start}, nil
	}
	end, err := strconv.ParseInt(strings.TrimSpace(endStr), 10, 64)
	if err != nil || end < start {
		return BlobRange{}, fmt.Errorf("%w: %q: bad end", ErrInvalidRange, header)
	}
	return BlobRange{Offset: start, Count: end - start + 1}, nil
}

// EncryptedBlobRange maps a plaintext range onto the ciphertext range that has
// to be fetched to decrypt it.
//
// A start inside the blob is moved back to its block boundary, and one block
// further when a preceding block exists so that block can act as the CBC IV.
// The end is extended to the next block boundary.
type EncryptedBlobRange struct {
	original         BlobRange
	adjusted         BlobRange
	offsetAdjustment int64
}

// NewEncryptedBlobRange computes the aligned fetch range for r.
func NewEncryptedBlobRange(r BlobRange) (*EncryptedBlobRange, error) {
	if r.Offset < 0 || r.Count < 0 {
		return nil, fmt.Errorf("%w: offset %d count %d", ErrInvalidRange, r.Offset, r.Count)
	}

	var adjustment int64
	if r.Offset != 0 {
		adjustment = r.Offset % BlockSize
		if r.Offset >= BlockSize {
			adjustment += BlockSize
		}
	}
	if err := checkOffsetAdjustment(adjustment); err != nil {
		return nil, err
	}

	adjusted := BlobRange{Offset: r.Offset - adjustment}
	if r.Count != 0 {
		count := r.Count + adjustment
		if rem := count % BlockSize; rem != 0 {
			count += BlockSize - rem
		}
		adjusted.Count = count
	}

	return &EncryptedBlobRange{
		original:         r,
		adjusted:         adjusted,
		offsetAdjustment: adjustment,
	}, nil
}

// checkOffsetAdjustment asserts the adjustment bound. Range arithmetic never
// produces more than one partial block plus one IV block of retreat.
func checkOffsetAdjustment(adjustment int64) error {
	if adjustment < 0 || adjustment > 2*BlockSize {
		return fmt.Errorf("%w: offset adjustment %d outside [0, %d]", ErrRangeInvariantViolation, adjustment, 2*BlockSize)
	}
	return nil
}

// OriginalRange returns the range requested by the caller.
func (r *EncryptedBlobRange) OriginalRange() BlobRange { return r.original }

// AdjustedRange returns the block aligned ciphertext range to fetch.
func (r *EncryptedBlobRange) AdjustedRange() BlobRange { return r.adjusted }

// OffsetAdjustment is the number of fetched bytes preceding the caller's start.
func (r *EncryptedBlobRange) OffsetAdjustment() int64 { return r.offsetAdjustment }

// HTTPHeader formats the adjusted range as a request header value.
func (r *EncryptedBlobRange) HTTPHeader() string { return r.adjusted.HTTPHeader() }

// NeedsPadding reports whether the fetch includes the final ciphertext block of
// a blob of blobSize bytes, in which case PKCS7 padding must be removed.
func (r *EncryptedBlobRange) NeedsPadding(blobSize int64) bool {
	if r.adjusted.Count == 0 {
		return true
	}
	return r.adjusted.Offset+r.adjusted.Count > blobSize-BlockSize
}

// TotalAdjustedCount is the number of ciphertext bytes the transport returns
// for the adjusted range of a blob of blobSize bytes.
func (r *EncryptedBlobRange) TotalAdjustedCount(blobSize int64) int64 {
	remaining := blobSize - r.adjusted.Offset
	if remaining <= 0 {
		return 0
	}
	if r.adjusted.Count == 0 || r.adjusted.Count > remaining {
		return remaining
	}
	return r.adjusted.Count
}

func (r *EncryptedBlobRange) String() string {
	return fmt.Sprintf("original=%+v adjusted=%+v offsetAdjustment=%d", r.original, r.adjusted, r.offsetAdjustment)
}
