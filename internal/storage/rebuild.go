package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// RebuildIndex repopulates the index from the objects already on disk. It is
// a no-op for strategies that are not content addressed.
//
// The identifier of a content-addressed object is its digest, so the file
// name alone is enough to restore the entry. With verify set each object is
// also decrypted and re-hashed, and files whose content does not match their
// name are skipped. Entries whose file no longer exists are removed first.
// It returns the number of entries added.
func (e *Engine) RebuildIndex(ctx context.Context, verify bool) (int, error) {
	if !e.strategy.ContentAddressed() {
		return 0, nil
	}

	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return 0, fmt.Errorf("%w: read dir: %w", ErrIO, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pruned, err := e.pruneIndex(ctx)
	if err != nil {
		return 0, err
	}

	var added atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.verifyConcurrency)

	ext := e.strategy.Extension()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || isHidden(name) || !strings.HasSuffix(name, ext) {
			continue
		}
		id := strings.TrimSuffix(name, ext)
		if !e.strategy.Valid(id) {
			slog.Debug("Skipping foreign file during index rebuild", "name", name)
			continue
		}

		g.Go(func() error {
			ok, err := e.restoreEntry(ctx, id, verify)
			if err != nil {
				return err
			}
			if ok {
				added.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(added.Load()), err
	}

	slog.Info("Rebuilt object index", "added", added.Load(), "pruned", pruned, "verified", verify)
	return int(added.Load()), nil
}

// pruneIndex drops entries whose object file is gone. e.mu must be held.
func (e *Engine) pruneIndex(ctx context.Context) (int, error) {
	entries, err := e.index.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: index list: %w", ErrIO, err)
	}

	pruned := 0
	for _, meta := range entries {
		if err := ctx.Err(); err != nil {
			return pruned, err
		}

		_, err := os.Stat(e.objectPath(meta.Identifier))
		if err == nil {
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return pruned, fmt.Errorf("%w: stat %s: %w", ErrIO, meta.Identifier, err)
		}

		if err := e.index.Delete(ctx, meta.ContentHash); err != nil {
			return pruned, fmt.Errorf("%w: index delete: %w", ErrIO, err)
		}
		slog.Debug("Pruned index entry without object", "id", meta.Identifier)
		pruned++
	}
	return pruned, nil
}

func (e *Engine) restoreEntry(ctx context.Context, id string, verify bool) (bool, error) {
	path := filepath.Join(e.dir, id+e.strategy.Extension())

	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("%w: stat %s: %w", ErrIO, id, err)
	}

	if verify {
		ok, err := e.verifyObject(path, id)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	added, err := e.index.Insert(ctx, ObjectMeta{
		Identifier:  id,
		ContentHash: id,
		Size:        info.Size(),
		CreatedAt:   info.ModTime().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("%w: index insert: %w", ErrIO, err)
	}
	return added, nil
}

// verifyObject reports whether the object at path decrypts to content whose
// digest is id.
func (e *Engine) verifyObject(path string, id string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("%w: read %s: %w", ErrIO, id, err)
	}

	plaintext, err := e.cipher.Decrypt(data)
	if err != nil {
		slog.Warn("Skipping undecryptable object during index rebuild", "id", id, "err", err)
		return false, nil
	}

	h := e.strategy.NewHash()
	h.Write(plaintext)
	want, err := hex.DecodeString(id)
	if err != nil || !bytes.Equal(h.Sum(nil), want) {
		slog.Warn("Skipping object whose content does not match its identifier", "id", id)
		return false, nil
	}
	return true, nil
}
