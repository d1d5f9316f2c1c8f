package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"
)

// AESCBC is AES-256 in CBC mode with a fixed IV. Identical plaintext always
// encrypts to identical ciphertext.
type AESCBC struct {
	block cipher.Block
	iv    [aes.BlockSize]byte
}

var _ Cipher = (*AESCBC)(nil)

// NewAESCBC builds an AES-256-CBC cipher from km.
func NewAESCBC(km KeyMaterial) (*AESCBC, error) {
	block, err := aes.NewCipher(km.Key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyMaterial, err)
	}
	return &AESCBC{block: block, iv: km.IV}, nil
}

// Encrypt pads plaintext to a whole number of blocks and encrypts it. The
// result is always between one and sixteen bytes longer than plaintext.
func (c *AESCBC) Encrypt(plaintext []byte) ([]byte, error) {
	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.iv[:]).CryptBlocks(out, padded)
	return out, nil
}

// Decrypt reverses Encrypt. It returns ErrDecode for input that is empty, not
// block aligned, or carries invalid padding.
func (c *AESCBC) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d is not a positive multiple of %d", ErrDecode, len(ciphertext), aes.BlockSize)
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, c.iv[:]).CryptBlocks(out, ciphertext)
	return unpad(out, aes.BlockSize)
}

// NewEncryptWriter streams CBC encryption into w, holding back at most one
// partial block between writes.
func (c *AESCBC) NewEncryptWriter(w io.Writer) io.WriteCloser {
	return &cbcWriter{
		mode: cipher.NewCBCEncrypter(c.block, c.iv[:]),
		w:    w,
	}
}

type cbcWriter struct {
	mode    cipher.BlockMode
	w       io.Writer
	pending []byte
	out     []byte
	closed  bool
}

func (cw *cbcWriter) Write(p []byte) (int, error) {
	if cw.closed {
		return 0, io.ErrClosedPipe
	}

	size := cw.mode.BlockSize()
	cw.pending = append(cw.pending, p...)

	full := len(cw.pending) - len(cw.pending)%size
	if full == 0 {
		return len(p), nil
	}

	if cap(cw.out) < full {
		cw.out = make([]byte, full)
	}
	out := cw.out[:full]
	cw.mode.CryptBlocks(out, cw.pending[:full])

	if _, err := cw.w.Write(out); err != nil {
		return 0, err
	}

	cw.pending = append(cw.pending[:0], cw.pending[full:]...)
	return len(p), nil
}

func (cw *cbcWriter) Close() error {
	if cw.closed {
		return nil
	}
	cw.closed = true

	last := pad(cw.pending, cw.mode.BlockSize())
	cw.mode.CryptBlocks(last, last)
	_, err := cw.w.Write(last)
	return err
}

// pad applies PKCS#7 padding. A full block of padding is added when data is
// already aligned.
func pad(data []byte, size int) []byte {
	n := size - len(data)%size
	out := make([]byte, len(data), len(data)+n)
	copy(out, data)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, size int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > size || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecode)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecode)
		}
	}
	return data[:len(data)-n], nil
}
