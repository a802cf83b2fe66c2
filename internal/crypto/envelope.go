package crypto

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// MetadataKey is the blob metadata key holding the JSON encoded EncryptionData.
	MetadataKey = "encryptiondata"

	// EncryptionModeFullBlob marks envelopes that encrypt the whole blob as one CBC stream.
	EncryptionModeFullBlob = "FullBlob"

	// ProtocolVersion is the only envelope protocol version read and written.
	ProtocolVersion = "1.0"

	// MetaEncryptionLibrary is the wrap metadata key identifying the writer.
	MetaEncryptionLibrary = "EncryptionLibrary"
)

// WrappedContentKey holds the wrapped CEK and how it was wrapped.
type WrappedContentKey struct {
	KeyID        string `json:"KeyId"`
	EncryptedKey []byte `json:"EncryptedKey"`
	Algorithm    string `json:"Algorithm"`
}

// EncryptionAgent identifies the protocol and content algorithm of the envelope.
type EncryptionAgent struct {
	Protocol            string `json:"Protocol"`
	EncryptionAlgorithm string `json:"EncryptionAlgorithm"`
}

// EncryptionData is the envelope persisted next to every encrypted blob.
// Byte fields are base64 encoded in JSON.
type EncryptionData struct {
	EncryptionMode      string             `json:"EncryptionMode"`
	WrappedContentKey   *WrappedContentKey `json:"WrappedContentKey"`
	EncryptionAgent     *EncryptionAgent   `json:"EncryptionAgent"`
	ContentEncryptionIV []byte             `json:"ContentEncryptionIV"`
	KeyWrappingMetadata map[string]string  `json:"KeyWrappingMetadata,omitempty"`
}

// Validate checks the envelope invariants.
func (d *EncryptionData) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: envelope is nil", ErrMalformedEnvelope)
	}
	if d.EncryptionAgent == nil {
		return fmt.Errorf("%w: missing EncryptionAgent", ErrMalformedEnvelope)
	}
	if d.EncryptionAgent.Protocol != ProtocolVersion {
		return fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedProtocolVersion, d.EncryptionAgent.Protocol, ProtocolVersion)
	}
	if d.EncryptionMode != EncryptionModeFullBlob {
		return fmt.Errorf("%w: unsupported EncryptionMode %q", ErrMalformedEnvelope, d.EncryptionMode)
	}
	if d.WrappedContentKey == nil {
		return fmt.Errorf("%w: missing WrappedContentKey", ErrMalformedEnvelope)
	}
	if len(d.WrappedContentKey.EncryptedKey) == 0 {
		return fmt.Errorf("%w: missing WrappedContentKey.EncryptedKey", ErrMalformedEnvelope)
	}
	if len(d.ContentEncryptionIV) == 0 {
		return fmt.Errorf("%w: missing ContentEncryptionIV", ErrMalformedEnvelope)
	}
	if len(d.ContentEncryptionIV) != BlockSize {
		return fmt.Errorf("%w: ContentEncryptionIV must be %d bytes, got %d", ErrMalformedEnvelope, BlockSize, len(d.ContentEncryptionIV))
	}
	return nil
}

// EncodeEncryptionData serializes the envelope to its metadata value.
// Output is deterministic for a given envelope.
func EncodeEncryptionData(d *EncryptionData) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal encryption data: %w", err)
	}
	return string(data), nil
}

// DecodeEncryptionData parses and validates a metadata value.
func DecodeEncryptionData(value string) (*EncryptionData, error) {
	if strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("%w: empty value", ErrMalformedEnvelope)
	}
	var d EncryptionData
	if err := json.Unmarshal([]byte(value), &d); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// EncryptionDataFromMetadata extracts the envelope from blob metadata. Keys are
// matched case-insensitively since both Azure and S3 normalize metadata names.
// It returns (nil, nil) when the blob carries no envelope.
func EncryptionDataFromMetadata(metadata map[string]string) (*EncryptionData, error) {
	value, ok := lookupMetadata(metadata, MetadataKey)
	if !ok {
		return nil, nil
	}
	return DecodeEncryptionData(value)
}

func lookupMetadata(metadata map[string]string, key string) (string, bool) {
	if v, ok := metadata[key]; ok {
		return v, true
	}
	for k, v := range metadata {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}
