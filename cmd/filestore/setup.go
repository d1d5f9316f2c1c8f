package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli"

	"github.com/rustycawk/rs-filestore/internal/auth"
	"github.com/rustycawk/rs-filestore/internal/crypt"
	"github.com/rustycawk/rs-filestore/internal/storage"
)

func setupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           lvl,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    lvl == log.DebugLevel,
	})

	slog.SetDefault(slog.New(handler))
	return nil
}

func generateKeys(keyFile string, ivFile string) error {
	keyCreated, ivCreated, err := crypt.GenerateKeyMaterial(keyFile, ivFile)
	if err != nil {
		return fmt.Errorf("failed to generate key material: %w", err)
	}

	if keyCreated {
		slog.Info("Generated encryption key", "path", keyFile)
	}
	if ivCreated {
		slog.Info("Generated initialization vector", "path", ivFile)
	}
	if !keyCreated && !ivCreated {
		slog.Debug("Key material already present", "key", keyFile, "iv", ivFile)
	}
	return nil
}

type engineOptions struct {
	dataDir       string
	keyFile       string
	ivFile        string
	cipher        string
	policy        string
	hash          string
	indexDB       string
	baseURL       string
	maxObjectSize int64
	cacheSize     int

	// existingOnly refuses to create the data directory.
	existingOnly bool
}

// globalEngineOptions serves the commands that only inspect an existing
// store.
func globalEngineOptions(c *cli.Context) engineOptions {
	return engineOptions{
		dataDir: c.GlobalString("data-dir"),
		keyFile: c.GlobalString("key-file"),
		ivFile:  c.GlobalString("iv-file"),
		cipher:  c.GlobalString("cipher"),
		policy:  c.GlobalString("policy"),
		hash:    c.GlobalString("hash"),
		indexDB: c.GlobalString("index-db"),

		existingOnly: true,
	}
}

// openEngine loads the key material and assembles the storage engine.
// Every failure here is fatal for the process.
func openEngine(ctx context.Context, opts engineOptions) (*storage.Engine, error) {
	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(opts.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if opts.existingOnly {
		info, err := os.Stat(absDataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open data directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("data directory %s is not a directory", absDataDir)
		}
	}

	km, err := crypt.LoadKeyMaterial(opts.keyFile, opts.ivFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key material (run keygen first): %w", err)
	}

	cipher, err := crypt.New(opts.cipher, km)
	if err != nil {
		return nil, err
	}
	if opts.cipher == crypt.NameXOR {
		slog.Warn("Using the XOR cipher; stored objects are not meaningfully protected")
	}

	strategy, err := storage.NewStrategy(opts.policy, opts.hash)
	if err != nil {
		return nil, err
	}

	var index storage.Index
	if opts.indexDB != "" && strategy.ContentAddressed() {
		absIndex, err := filepath.Abs(opts.indexDB)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve index path: %w", err)
		}
		if rel, err := filepath.Rel(absDataDir, absIndex); err == nil && filepath.IsLocal(rel) {
			return nil, fmt.Errorf("%w: index database must live outside %s", storage.ErrInvalidConfig, absDataDir)
		}

		sqliteIndex, err := storage.OpenSQLiteIndex(ctx, absIndex)
		if err != nil {
			return nil, fmt.Errorf("failed to open index database: %w", err)
		}
		index = sqliteIndex
	}

	engine, err := storage.New(storage.Config{
		Dir:                absDataDir,
		BaseURL:            opts.baseURL,
		Cipher:             cipher,
		Strategy:           strategy,
		Index:              index,
		MaxObjectSize:      opts.maxObjectSize,
		RenditionCacheSize: opts.cacheSize,
	})
	if err != nil {
		if index != nil {
			_ = index.Close()
		}
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	slog.Info("Opened storage",
		"dir", absDataDir,
		"policy", strategy.Name(),
		"cipher", opts.cipher,
		"persistent_index", index != nil,
	)
	return engine, nil
}

// uploadAuthenticator returns nil when no upload credentials are configured.
func uploadAuthenticator(user string, password string, token string) auth.AuthEngine {
	var engines []auth.AuthEngine
	if user != "" {
		engines = append(engines, auth.NewBasicAuthEngine(user, password))
	}
	if token != "" {
		engines = append(engines, auth.NewTokenAuthEngine(token))
	}

	switch len(engines) {
	case 0:
		return nil
	case 1:
		return engines[0]
	default:
		return auth.NewCompoundAuthEngine(engines...)
	}
}
