package crypto

import (
	"crypto/cipher"
	"fmt"
)

// cbcStream runs a CBC block mode incrementally. update processes every
// complete block it can and keeps the remainder; final flushes the remainder.
// When decrypting with padding, the last complete block is also held back by
// update so that final can strip the padding from it.
type cbcStream struct {
	mode    cipher.BlockMode
	decrypt bool
	unpad   bool
	pending []byte
}

func newCBCEncrypter(block cipher.Block, iv []byte) *cbcStream {
	return &cbcStream{
		mode:    cipher.NewCBCEncrypter(block, iv),
		pending: make([]byte, 0, BlockSize),
	}
}

func newCBCDecrypter(block cipher.Block, iv []byte, unpad bool) *cbcStream {
	return &cbcStream{
		mode:    cipher.NewCBCDecrypter(block, iv),
		decrypt: true,
		unpad:   unpad,
		pending: make([]byte, 0, 2*BlockSize),
	}
}

// update appends the transformed complete blocks of pending+src to dst.
func (s *cbcStream) update(dst, src []byte) []byte {
	s.pending = append(s.pending, src...)
	n := len(s.pending) - len(s.pending)%BlockSize
	if s.decrypt && s.unpad && n == len(s.pending) && n > 0 {
		n -= BlockSize
	}
	if n == 0 {
		return dst
	}
	start := len(dst)
	dst = append(dst, s.pending[:n]...)
	s.mode.CryptBlocks(dst[start:], dst[start:])
	s.pending = append(s.pending[:0], s.pending[n:]...)
	return dst
}

// final transforms whatever update held back. Encryption appends PKCS7 padding;
// decryption validates and strips it when unpad is set.
func (s *cbcStream) final(dst []byte) ([]byte, error) {
	defer func() { s.pending = s.pending[:0] }()

	if !s.decrypt {
		block := pkcs7Pad(s.pending, BlockSize)
		start := len(dst)
		dst = append(dst, block...)
		s.mode.CryptBlocks(dst[start:], dst[start:])
		return dst, nil
	}

	if len(s.pending)%BlockSize != 0 {
		return dst, fmt.Errorf("%w: ciphertext is not a multiple of the block size (%d trailing bytes)", ErrCipherFailure, len(s.pending)%BlockSize)
	}
	if len(s.pending) == 0 {
		if s.unpad {
			return dst, fmt.Errorf("%w: missing padding block", ErrCipherFailure)
		}
		return dst, nil
	}
	start := len(dst)
	dst = append(dst, s.pending...)
	s.mode.CryptBlocks(dst[start:], dst[start:])
	if !s.unpad {
		return dst, nil
	}
	unpadded, err := pkcs7Unpad(dst[start:])
	if err != nil {
		return dst[:start], err
	}
	return dst[:start+len(unpadded)], nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	out := make([]byte, len(data), len(data)+padding)
	copy(out, data)
	for i := 0; i < padding; i++ {
		out = append(out, byte(padding))
	}
	return out
}

// pkcs7Unpad verifies every padding byte before stripping it.
func pkcs7Unpad(data []byte) ([]byte, error) {
	length := len(data)
	if length == 0 {
		return nil, fmt.Errorf("%w: invalid padding: empty data", ErrCipherFailure)
	}
	padding := int(data[length-1])
	if padding == 0 || padding > BlockSize || padding > length {
		return nil, fmt.Errorf("%w: invalid padding size %d", ErrCipherFailure, padding)
	}
	for i := 0; i < padding; i++ {
		if data[length-1-i] != byte(padding) {
			return nil, fmt.Errorf("%w: invalid padding byte at position %d", ErrCipherFailure, i)
		}
	}
	return data[:length-padding], nil
}
