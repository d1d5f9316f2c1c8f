package crypt

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

const (
	KeySize = 32
	IVSize  = 16
)

// KeyMaterial is the process-wide key and IV. It is loaded once at start-up
// and never rotated; losing either file makes every stored object
// unrecoverable.
type KeyMaterial struct {
	Key [KeySize]byte
	IV  [IVSize]byte
}

// LoadKeyMaterial reads the raw key and IV files. Both must have exactly the
// expected size.
func LoadKeyMaterial(keyPath string, ivPath string) (KeyMaterial, error) {
	var km KeyMaterial

	if err := readExact(keyPath, km.Key[:]); err != nil {
		return KeyMaterial{}, fmt.Errorf("load key: %w", err)
	}
	if err := readExact(ivPath, km.IV[:]); err != nil {
		return KeyMaterial{}, fmt.Errorf("load iv: %w", err)
	}

	return km, nil
}

// GenerateKeyMaterial creates the key and IV files from crypto/rand if they
// do not already exist. Existing files are left untouched. It reports which
// files were written.
func GenerateKeyMaterial(keyPath string, ivPath string) (keyCreated bool, ivCreated bool, err error) {
	if keyCreated, err = writeRandomIfAbsent(keyPath, KeySize); err != nil {
		return false, false, fmt.Errorf("generate key: %w", err)
	}
	if ivCreated, err = writeRandomIfAbsent(ivPath, IVSize); err != nil {
		return keyCreated, false, fmt.Errorf("generate iv: %w", err)
	}
	return keyCreated, ivCreated, nil
}

// RandomKeyMaterial returns fresh in-memory key material.
func RandomKeyMaterial() (KeyMaterial, error) {
	var km KeyMaterial
	if _, err := io.ReadFull(rand.Reader, km.Key[:]); err != nil {
		return KeyMaterial{}, err
	}
	if _, err := io.ReadFull(rand.Reader, km.IV[:]); err != nil {
		return KeyMaterial{}, err
	}
	return km, nil
}

func readExact(path string, dst []byte) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) != len(dst) {
		return fmt.Errorf("%w: %s is %d bytes, want %d", ErrKeyMaterial, path, len(data), len(dst))
	}
	copy(dst, data)
	return nil
}

func writeRandomIfAbsent(path string, size int) (bool, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return false, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return false, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return false, err
	}
	return true, nil
}
