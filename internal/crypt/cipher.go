// Package crypt implements the symmetric transforms applied to object payloads
// on their way into and out of the backing store.
package crypt

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrDecode indicates a ciphertext that cannot be decrypted: wrong length,
	// bad padding or otherwise corrupt input.
	ErrDecode = errors.New("crypt: cannot decode ciphertext")

	// ErrKeyMaterial indicates key or IV material of the wrong size.
	ErrKeyMaterial = errors.New("crypt: invalid key material")

	// ErrUnknownCipher is returned by New for an unsupported cipher name.
	ErrUnknownCipher = errors.New("crypt: unknown cipher")
)

const (
	// NameAESCBC selects AES-256 in CBC mode with PKCS#7 padding.
	NameAESCBC = "aes-256-cbc"

	// NameXOR selects the repeating-key XOR transform. It offers no real
	// confidentiality and exists for compatibility only.
	NameXOR = "xor"
)

// Cipher encrypts payloads before they reach disk and decrypts them on the
// way out. Decrypt must be the inverse of Encrypt, and NewEncryptWriter must
// produce exactly the bytes Encrypt would for the concatenation of all writes.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)

	// NewEncryptWriter returns a writer that encrypts everything written to
	// it into w. Close flushes the final block; it does not close w.
	NewEncryptWriter(w io.Writer) io.WriteCloser
}

// New returns the cipher registered under name, keyed with km.
func New(name string, km KeyMaterial) (Cipher, error) {
	switch name {
	case "", NameAESCBC:
		return NewAESCBC(km)
	case NameXOR:
		return NewXOR(km), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCipher, name)
	}
}
