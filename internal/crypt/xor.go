package crypt

import "io"

// XOR is a repeating-key XOR over the 48 bytes of key and IV material. It is
// trivially reversible by anyone holding one plaintext/ciphertext pair and
// must not be treated as encryption.
type XOR struct {
	key []byte
}

var _ Cipher = (*XOR)(nil)

func NewXOR(km KeyMaterial) *XOR {
	key := make([]byte, 0, len(km.Key)+len(km.IV))
	key = append(key, km.Key[:]...)
	key = append(key, km.IV[:]...)
	return &XOR{key: key}
}

func (x *XOR) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	x.apply(out, plaintext, 0)
	return out, nil
}

func (x *XOR) Decrypt(ciphertext []byte) ([]byte, error) {
	return x.Encrypt(ciphertext)
}

func (x *XOR) NewEncryptWriter(w io.Writer) io.WriteCloser {
	return &xorWriter{x: x, w: w}
}

func (x *XOR) apply(dst, src []byte, offset int64) {
	n := int64(len(x.key))
	for i, b := range src {
		dst[i] = b ^ x.key[(offset+int64(i))%n]
	}
}

type xorWriter struct {
	x      *XOR
	w      io.Writer
	offset int64
	buf    []byte
}

func (xw *xorWriter) Write(p []byte) (int, error) {
	if cap(xw.buf) < len(p) {
		xw.buf = make([]byte, len(p))
	}
	out := xw.buf[:len(p)]
	xw.x.apply(out, p, xw.offset)

	n, err := xw.w.Write(out)
	xw.offset += int64(n)
	return n, err
}

func (xw *xorWriter) Close() error { return nil }
