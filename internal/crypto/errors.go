package crypto

import "errors"

// Errors returned by the encryption layer. None of them describe transient
// conditions; callers must not retry on them.
var (
	// ErrMalformedEnvelope is returned when the encryption metadata is missing required fields.
	ErrMalformedEnvelope = errors.New("malformed encryption envelope")
	// ErrUnsupportedProtocolVersion is returned for envelopes written by an unknown protocol version.
	ErrUnsupportedProtocolVersion = errors.New("unsupported encryption protocol version")
	// ErrUnsupportedAlgorithm is returned for unknown content or key wrap algorithms.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	// ErrKeyMismatch is returned when the available key is not the key that wrapped the CEK.
	ErrKeyMismatch = errors.New("key mismatch")
	// ErrKeyResolutionFailed is returned when no key could be found for the envelope's key id.
	ErrKeyResolutionFailed = errors.New("key resolution failed")
	// ErrKeyWrapFailed is returned when the content key could not be wrapped.
	ErrKeyWrapFailed = errors.New("key wrap failed")
	// ErrCipherFailure is returned for block cipher errors such as bad padding or truncated input.
	ErrCipherFailure = errors.New("cipher failure")
	// ErrRangeInvariantViolation signals an internal range arithmetic bug.
	ErrRangeInvariantViolation = errors.New("range invariant violation")

	// ErrDecryptionFailed wraps every failure raised while decrypting a blob.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrEncryptionRequired is returned when a blob without encryption metadata is read
	// by a client that requires encryption.
	ErrEncryptionRequired = errors.New("blob is not encrypted")
	// ErrInvalidRange is returned for negative or unparsable byte ranges.
	ErrInvalidRange = errors.New("invalid range")
)

// ErrorType returns a short label for err suitable for metrics and audit records.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedEnvelope):
		return "malformed_envelope"
	case errors.Is(err, ErrUnsupportedProtocolVersion):
		return "unsupported_protocol_version"
	case errors.Is(err, ErrUnsupportedAlgorithm):
		return "unsupported_algorithm"
	case errors.Is(err, ErrKeyMismatch):
		return "key_mismatch"
	case errors.Is(err, ErrKeyResolutionFailed):
		return "key_resolution_failed"
	case errors.Is(err, ErrKeyWrapFailed):
		return "key_wrap_failed"
	case errors.Is(err, ErrCipherFailure):
		return "cipher_failure"
	case errors.Is(err, ErrRangeInvariantViolation):
		return "range_invariant_violation"
	case errors.Is(err, ErrEncryptionRequired):
		return "encryption_required"
	case errors.Is(err, ErrInvalidRange):
		return "invalid_range"
	default:
		return "internal"
	}
}
