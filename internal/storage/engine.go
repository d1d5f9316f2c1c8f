// Package storage implements the object store engine: streaming ingest into
// a single flat directory, transparent encryption, pluggable identifier
// strategies and optional content-hash deduplication.
package storage

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rustycawk/rs-filestore/internal/crypt"
	"github.com/rustycawk/rs-filestore/internal/imaging"
)

const (
	spoolBufferSize          = 64 * 1024
	defaultVerifyConcurrency = 4
)

// Config configures an Engine.
type Config struct {
	// Dir is the flat directory holding one file per object.
	Dir string

	// BaseURL is prefixed to identifiers to form locators.
	BaseURL string

	Cipher   crypt.Cipher
	Strategy Strategy

	// Index backs deduplication for content-addressed strategies. A
	// MemoryIndex is used when nil.
	Index Index

	// MaxObjectSize limits the plaintext size of a single upload. Zero
	// means no limit beyond available disk space.
	MaxObjectSize int64

	// RenditionCacheSize is the number of resized images kept in memory.
	// Zero disables the cache.
	RenditionCacheSize int

	// VerifyConcurrency bounds the workers used by RebuildIndex when
	// verifying objects.
	VerifyConcurrency int
}

// Locator is the caller-facing reference to a stored object.
type Locator struct {
	Identifier string
	URL        string

	// Created is false when the content was already stored and the
	// existing object was returned instead.
	Created bool
}

// Object is a retrieved, decrypted and possibly transformed payload.
type Object struct {
	Identifier  string
	Data        []byte
	ContentType string
}

// RetrieveOptions tunes Retrieve. The zero value returns the payload as
// stored.
type RetrieveOptions struct {
	Resize *imaging.Directive
}

// Stats is a point-in-time view of the backing directory.
type Stats struct {
	Objects int64
	Bytes   int64
}

// Engine is safe for concurrent use.
type Engine struct {
	dir               string
	uploadsDir        string
	baseURL           string
	cipher            crypt.Cipher
	strategy          Strategy
	index             Index
	maxObjectSize     int64
	verifyConcurrency int
	renditions        *renditionCache

	// mu covers index lookup, publish and index insert for
	// content-addressed ingests.
	mu sync.Mutex
}

// New validates cfg, prepares the storage directory and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: Dir must not be empty", ErrInvalidConfig)
	}
	if cfg.Cipher == nil {
		return nil, fmt.Errorf("%w: Cipher must not be nil", ErrInvalidConfig)
	}
	if cfg.Strategy == nil {
		cfg.Strategy = RandomTokens{}
	}
	if cfg.Index == nil && cfg.Strategy.ContentAddressed() {
		cfg.Index = NewMemoryIndex()
	}
	if cfg.VerifyConcurrency <= 0 {
		cfg.VerifyConcurrency = defaultVerifyConcurrency
	}

	uploads := filepath.Join(cfg.Dir, uploadsDirName)
	if err := os.MkdirAll(uploads, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create storage dir: %w", ErrIO, err)
	}

	renditions, err := newRenditionCache(cfg.RenditionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: rendition cache: %w", ErrInvalidConfig, err)
	}

	return &Engine{
		dir:               cfg.Dir,
		uploadsDir:        uploads,
		baseURL:           cfg.BaseURL,
		cipher:            cfg.Cipher,
		strategy:          cfg.Strategy,
		index:             cfg.Index,
		maxObjectSize:     cfg.MaxObjectSize,
		verifyConcurrency: cfg.VerifyConcurrency,
		renditions:        renditions,
	}, nil
}

// Close releases the index, if any.
func (e *Engine) Close() error {
	if e.index == nil {
		return nil
	}
	return e.index.Close()
}

// Dir returns the backing directory.
func (e *Engine) Dir() string { return e.dir }

// Strategy returns the identifier strategy in use.
func (e *Engine) Strategy() Strategy { return e.strategy }

func (e *Engine) objectPath(id string) string {
	return filepath.Join(e.dir, id+e.strategy.Extension())
}

func (e *Engine) locator(id string, created bool) Locator {
	return Locator{Identifier: id, URL: e.baseURL + id, Created: created}
}

// Ingest stores everything read from r and returns its locator.
//
// The stream is encrypted incrementally into a private temporary file, so
// memory use does not grow with the object. Nothing becomes visible under
// an identifier until the whole stream was read and written; a cancelled
// context or failed read leaves no trace.
func (e *Engine) Ingest(ctx context.Context, r io.Reader) (Locator, error) {
	tmp, err := os.CreateTemp(e.uploadsDir, "upload-*")
	if err != nil {
		return Locator{}, fmt.Errorf("%w: create temp file: %w", ErrIO, err)
	}
	defer func() {
		if err := tmp.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			slog.Debug("Failed to close temp upload file", "path", tmp.Name(), "err", err)
		}

		// The published object is a separate link, so removing the temp
		// name never touches it.
		if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
			slog.Debug("Failed to remove temp upload file", "path", tmp.Name(), "err", err)
		}
	}()

	digest := e.strategy.NewHash()
	size, err := e.spool(ctx, tmp, r, digest)
	if err != nil {
		return Locator{}, err
	}

	if e.strategy.ContentAddressed() {
		return e.publishDeduplicated(ctx, tmp.Name(), digest.Sum(nil), size)
	}
	return e.publishExclusive(ctx, tmp.Name(), size)
}

// spool encrypts r into f and syncs it. It returns the ciphertext size.
func (e *Engine) spool(ctx context.Context, f *os.File, r io.Reader, digest hash.Hash) (int64, error) {
	src := r
	if e.maxObjectSize > 0 {
		src = io.LimitReader(src, e.maxObjectSize+1)
	}
	src = &contextReader{ctx: ctx, r: src}

	bw := bufio.NewWriterSize(f, spoolBufferSize)
	enc := e.cipher.NewEncryptWriter(bw)

	var dst io.Writer = enc
	if digest != nil {
		dst = io.MultiWriter(enc, digest)
	}

	n, err := io.Copy(dst, src)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, fmt.Errorf("upload aborted: %w", ctxErr)
		}
		return 0, fmt.Errorf("%w: spool upload: %w", ErrIO, err)
	}
	if e.maxObjectSize > 0 && n > e.maxObjectSize {
		return 0, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, e.maxObjectSize)
	}

	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("%w: finish encryption: %w", ErrIO, err)
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("%w: flush temp file: %w", ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("%w: sync temp file: %w", ErrIO, err)
	}

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat temp file: %w", ErrIO, err)
	}

	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("%w: close temp file: %w", ErrIO, err)
	}
	return info.Size(), nil
}

// publishExclusive tries fresh identifiers until one can be created
// exclusively. The filesystem is the only arbiter; no lock is taken.
func (e *Engine) publishExclusive(ctx context.Context, tmpPath string, size int64) (Locator, error) {
	attempts := e.strategy.Attempts()
	for attempt := range attempts {
		if err := ctx.Err(); err != nil {
			return Locator{}, fmt.Errorf("upload aborted: %w", err)
		}

		id, err := e.strategy.Identify(nil, attempt)
		if err != nil {
			return Locator{}, fmt.Errorf("%w: generate identifier: %w", ErrIO, err)
		}

		err = publishFile(tmpPath, e.objectPath(id))
		if errors.Is(err, fs.ErrExist) {
			slog.Debug("Identifier collision", "id", id, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return Locator{}, fmt.Errorf("%w: publish %s: %w", ErrIO, id, err)
		}

		slog.Debug("Stored object", "id", id, "bytes", size)
		return e.locator(id, true), nil
	}

	return Locator{}, fmt.Errorf("%w: %w: no free identifier after %d attempts", ErrResourceExhausted, ErrConflict, attempts)
}

// publishDeduplicated stores the object under its content hash unless the
// directory already has it. An index entry whose file is gone is dropped
// and the object is written again. The whole sequence runs under
// e.mu, so two identical uploads result in exactly one write and an index
// entry never precedes its file.
func (e *Engine) publishDeduplicated(ctx context.Context, tmpPath string, sum []byte, size int64) (Locator, error) {
	id, err := e.strategy.Identify(sum, 0)
	if err != nil {
		return Locator{}, fmt.Errorf("%w: %w", ErrIO, err)
	}
	contentHash := hex.EncodeToString(sum)

	e.mu.Lock()
	defer e.mu.Unlock()

	meta, ok, err := e.index.Lookup(ctx, contentHash)
	if err != nil {
		return Locator{}, fmt.Errorf("%w: index lookup: %w", ErrIO, err)
	}
	if ok {
		_, err := os.Stat(e.objectPath(meta.Identifier))
		switch {
		case err == nil:
			slog.Debug("Deduplicated object", "id", meta.Identifier)
			return e.locator(meta.Identifier, false), nil
		case errors.Is(err, fs.ErrNotExist):
			// Removed out of band; store it again under the same name.
			slog.Info("Index entry has no object, storing it again", "id", meta.Identifier)
			if err := e.index.Delete(ctx, contentHash); err != nil {
				return Locator{}, fmt.Errorf("%w: index delete: %w", ErrIO, err)
			}
		default:
			return Locator{}, fmt.Errorf("%w: stat %s: %w", ErrIO, meta.Identifier, err)
		}
	}

	created := true
	err = publishFile(tmpPath, e.objectPath(id))
	if errors.Is(err, fs.ErrExist) {
		// Same digest means same content; the file predates the index.
		created = false
	} else if err != nil {
		return Locator{}, fmt.Errorf("%w: publish %s: %w", ErrIO, id, err)
	}

	meta = ObjectMeta{
		Identifier:  id,
		ContentHash: contentHash,
		Size:        size,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := e.index.Insert(ctx, meta); err != nil {
		return Locator{}, fmt.Errorf("%w: index insert: %w", ErrIO, err)
	}

	if created {
		slog.Debug("Stored object", "id", id, "bytes", size)
	}
	return e.locator(id, created), nil
}

// Retrieve reads, decrypts and optionally resizes the object stored as id.
func (e *Engine) Retrieve(ctx context.Context, id string, opts RetrieveOptions) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	// Anything the strategy could not have issued, including path
	// separators and our own hidden entries, simply does not exist.
	if isHidden(id) || !e.strategy.Valid(id) {
		return Object{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	if opts.Resize != nil {
		if obj, ok := e.renditions.get(id, *opts.Resize); ok {
			return obj, nil
		}
	}

	data, err := os.ReadFile(e.objectPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return Object{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return Object{}, fmt.Errorf("%w: read %s: %w", ErrIO, id, err)
	}

	plaintext, err := e.cipher.Decrypt(data)
	if err != nil {
		return Object{}, fmt.Errorf("%w: decrypt %s: %w", ErrDecode, id, err)
	}

	if opts.Resize == nil {
		return Object{
			Identifier:  id,
			Data:        plaintext,
			ContentType: http.DetectContentType(plaintext),
		}, nil
	}

	resized, err := imaging.Resize(plaintext, *opts.Resize)
	if err != nil {
		return Object{}, fmt.Errorf("%w: resize %s: %w", ErrDecode, id, err)
	}

	obj := Object{
		Identifier:  id,
		Data:        resized,
		ContentType: imaging.ContentType,
	}
	e.renditions.add(id, *opts.Resize, obj)
	slog.Debug("Rendered object", "id", id, "resize", opts.Resize.String(), "cached", e.renditions.len())
	return obj, nil
}

// Stats scans the backing directory and reports the number of objects and
// their combined on-disk size. It is recomputed on every call.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: read dir: %w", ErrIO, err)
	}

	var stats Stats
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return Stats{}, err
		}
		if entry.IsDir() || isHidden(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Stats{}, fmt.Errorf("%w: stat %s: %w", ErrIO, entry.Name(), err)
		}
		if !info.Mode().IsRegular() {
			continue
		}

		stats.Objects++
		stats.Bytes += info.Size()
	}
	return stats, nil
}

// contextReader stops reading once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
