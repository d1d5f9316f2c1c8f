package storage_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rustycawk/rs-filestore/internal/storage"

	"github.com/stretchr/testify/require"
)

func TestRandomTokens(t *testing.T) {
	t.Parallel()

	var s storage.RandomTokens
	require.False(t, s.ContentAddressed())
	require.Equal(t, storage.DefaultTokenAttempts, s.Attempts())
	require.Empty(t, s.Extension())
	require.Nil(t, s.NewHash())

	seen := make(map[string]bool)
	for i := range 200 {
		id, err := s.Identify(nil, i)
		require.NoError(t, err)
		require.Len(t, id, storage.DefaultTokenLength)
		require.True(t, s.Valid(id), "generated token %q should be valid", id)
		seen[id] = true
	}
	require.Len(t, seen, 200)
}

func TestRandomTokensRejectsBiasedBytes(t *testing.T) {
	t.Parallel()

	// 0xff is above the rejection limit and must be skipped; 0x01 maps to 'B'.
	src := bytes.NewReader(append(bytes.Repeat([]byte{0xff}, 8), bytes.Repeat([]byte{0x01}, 16)...))
	s := storage.RandomTokens{Length: 4, Rand: src}

	id, err := s.Identify(nil, 0)
	require.NoError(t, err)
	require.Equal(t, "BBBB", id)
}

func TestRandomTokensExhaustedSource(t *testing.T) {
	t.Parallel()

	s := storage.RandomTokens{Rand: strings.NewReader("ab")}
	_, err := s.Identify(nil, 0)
	require.Error(t, err)
}

func TestRandomTokensValid(t *testing.T) {
	t.Parallel()

	s := storage.RandomTokens{}
	tests := map[string]bool{
		"AbCdEf0123":  true,
		"AbCdEf012":   false,
		"AbCdEf01234": false,
		"AbCdEf01.3":  false,
		"../secret/":  false,
		".uploads12":  false,
		"":            false,
	}
	for id, want := range tests {
		require.Equalf(t, want, s.Valid(id), "Valid(%q)", id)
	}
}

func TestContentHash(t *testing.T) {
	t.Parallel()

	tests := []struct {
		algorithm string
		want      string
	}{
		{"", "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
		{storage.HashSHA256, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
		{storage.HashBLAKE2b, "324dcf027dd4a30a932c441f365a25e86b173defa4b8e58948253471b81b72cf"},
	}

	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			t.Parallel()

			s, err := storage.NewContentHash(tt.algorithm)
			require.NoError(t, err)
			require.True(t, s.ContentAddressed())
			require.Equal(t, storage.ContentHashExtension, s.Extension())

			h := s.NewHash()
			h.Write([]byte("hello"))
			id, err := s.Identify(h.Sum(nil), 0)
			require.NoError(t, err)
			require.Equal(t, tt.want, id)
			require.True(t, s.Valid(id))
			require.False(t, s.Valid(strings.ToUpper(id)))
			require.False(t, s.Valid(id[:10]))
		})
	}
}

func TestContentHashRequiresDigest(t *testing.T) {
	t.Parallel()

	s, err := storage.NewContentHash(storage.HashSHA256)
	require.NoError(t, err)
	_, err = s.Identify(nil, 0)
	require.Error(t, err)
}

func TestNewStrategy(t *testing.T) {
	t.Parallel()

	s, err := storage.NewStrategy("", "")
	require.NoError(t, err)
	require.Equal(t, storage.StrategyRandom, s.Name())

	s, err = storage.NewStrategy(storage.StrategyHash, storage.HashBLAKE2b)
	require.NoError(t, err)
	require.Equal(t, storage.StrategyHash, s.Name())
	require.Equal(t, storage.HashBLAKE2b, s.(storage.ContentHash).Algorithm())

	_, err = storage.NewStrategy("sequential", "")
	require.ErrorIs(t, err, storage.ErrInvalidConfig)

	_, err = storage.NewStrategy(storage.StrategyHash, "md5")
	require.ErrorIs(t, err, storage.ErrInvalidConfig)
}
