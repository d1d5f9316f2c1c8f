package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
)

const (
	StrategyRandom = "random"
	StrategyHash   = "hash"

	HashSHA256  = "sha256"
	HashBLAKE2b = "blake2b"

	DefaultTokenLength   = 10
	DefaultTokenAttempts = 8

	// ContentHashExtension is appended to the file name of content-addressed
	// objects.
	ContentHashExtension = ".dat"
)

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Strategy decides which identifier an object is stored under.
//
// A content-addressed strategy derives the identifier from a digest of the
// plaintext and never needs to retry. Other strategies are asked for a new
// candidate on every attempt until one can be created exclusively.
type Strategy interface {
	// Name is a short label used in logs and configuration.
	Name() string

	// ContentAddressed reports whether identical plaintext always yields
	// the same identifier.
	ContentAddressed() bool

	// Extension is the suffix added to identifiers to form file names.
	Extension() string

	// Attempts bounds how many candidates Identify is asked for.
	Attempts() int

	// NewHash returns the digest to feed plaintext into during ingest, or
	// nil when identifiers do not depend on content.
	NewHash() hash.Hash

	// Identify returns the candidate identifier for attempt, given the
	// finished plaintext digest (nil for content-independent strategies).
	Identify(sum []byte, attempt int) (string, error)

	// Valid reports whether id could have been produced by this strategy.
	Valid(id string) bool
}

// NewStrategy resolves a strategy by name. algorithm only matters for
// StrategyHash.
func NewStrategy(name string, algorithm string) (Strategy, error) {
	switch name {
	case "", StrategyRandom:
		return RandomTokens{}, nil
	case StrategyHash:
		return NewContentHash(algorithm)
	default:
		return nil, fmt.Errorf("%w: unknown identifier strategy %q", ErrInvalidConfig, name)
	}
}

// RandomTokens issues fixed-length alphanumeric tokens drawn uniformly from
// Rand. The zero value uses DefaultTokenLength, DefaultTokenAttempts and
// crypto/rand.
type RandomTokens struct {
	Length      int
	MaxAttempts int
	Rand        io.Reader
}

var _ Strategy = RandomTokens{}

func (RandomTokens) Name() string           { return StrategyRandom }
func (RandomTokens) ContentAddressed() bool { return false }
func (RandomTokens) Extension() string      { return "" }
func (RandomTokens) NewHash() hash.Hash     { return nil }

func (p RandomTokens) Attempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultTokenAttempts
	}
	return p.MaxAttempts
}

func (p RandomTokens) length() int {
	if p.Length <= 0 {
		return DefaultTokenLength
	}
	return p.Length
}

func (p RandomTokens) Identify(_ []byte, _ int) (string, error) {
	src := p.Rand
	if src == nil {
		src = rand.Reader
	}

	// Rejection sampling: bytes at or above the largest multiple of the
	// alphabet size are discarded so every character is equally likely.
	const limit = 256 - 256%len(tokenAlphabet)

	out := make([]byte, 0, p.length())
	buf := make([]byte, p.length()*2)
	for len(out) < p.length() {
		if _, err := io.ReadFull(src, buf); err != nil {
			return "", fmt.Errorf("read random source: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, tokenAlphabet[int(b)%len(tokenAlphabet)])
			if len(out) == p.length() {
				break
			}
		}
	}
	return string(out), nil
}

func (p RandomTokens) Valid(id string) bool {
	if len(id) != p.length() {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9') {
			return false
		}
	}
	return true
}

// ContentHash uses the lowercase hex digest of the plaintext as identifier.
type ContentHash struct {
	algorithm string
}

var _ Strategy = ContentHash{}

func NewContentHash(algorithm string) (ContentHash, error) {
	switch algorithm {
	case "", HashSHA256:
		return ContentHash{algorithm: HashSHA256}, nil
	case HashBLAKE2b:
		return ContentHash{algorithm: HashBLAKE2b}, nil
	default:
		return ContentHash{}, fmt.Errorf("%w: unknown hash algorithm %q", ErrInvalidConfig, algorithm)
	}
}

func (ContentHash) Name() string           { return StrategyHash }
func (ContentHash) ContentAddressed() bool { return true }
func (ContentHash) Extension() string      { return ContentHashExtension }
func (ContentHash) Attempts() int          { return 1 }

// Algorithm is the digest in use.
func (p ContentHash) Algorithm() string {
	if p.algorithm == "" {
		return HashSHA256
	}
	return p.algorithm
}

func (p ContentHash) NewHash() hash.Hash {
	if p.Algorithm() == HashBLAKE2b {
		// New256 only fails for keys longer than 64 bytes.
		h, _ := blake2b.New256(nil)
		return h
	}
	return sha256.New()
}

func (p ContentHash) Identify(sum []byte, _ int) (string, error) {
	if len(sum) == 0 {
		return "", errors.New("content hash identifier requires a digest")
	}
	return hex.EncodeToString(sum), nil
}

func (p ContentHash) Valid(id string) bool {
	if len(id) != 2*p.NewHash().Size() {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}
