package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/rustycawk/rs-filestore/internal/core"
)

const shutdownTimeout = 15 * time.Second

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:   "data-dir, d",
		Value:  "storage",
		Usage:  "directory holding the encrypted objects",
		EnvVar: "FILESTORE_DATA_DIR",
	},
	cli.StringFlag{
		Name:   "key-file",
		Value:  "key",
		Usage:  "file with the 32-byte encryption key",
		EnvVar: "FILESTORE_KEY_FILE",
	},
	cli.StringFlag{
		Name:   "iv-file",
		Value:  "iv",
		Usage:  "file with the 16-byte initialization vector",
		EnvVar: "FILESTORE_IV_FILE",
	},
	cli.StringFlag{
		Name:   "cipher",
		Value:  "aes-256-cbc",
		Usage:  "cipher applied at rest: aes-256-cbc or xor (insecure)",
		EnvVar: "FILESTORE_CIPHER",
	},
	cli.StringFlag{
		Name:   "policy",
		Value:  "random",
		Usage:  "identifier policy: random or hash",
		EnvVar: "FILESTORE_POLICY",
	},
	cli.StringFlag{
		Name:   "hash",
		Value:  "sha256",
		Usage:  "digest used by the hash policy: sha256 or blake2b",
		EnvVar: "FILESTORE_HASH",
	},
	cli.StringFlag{
		Name:   "index-db",
		Usage:  "SQLite file persisting the dedup index, kept outside the data dir (default: in memory)",
		EnvVar: "FILESTORE_INDEX_DB",
	},
	cli.StringFlag{
		Name:   "log-level",
		Value:  "info",
		Usage:  "debug, info, warn or error",
		EnvVar: "FILESTORE_LOG_LEVEL",
	},
}

var serveFlags = []cli.Flag{
	cli.StringFlag{
		Name:   "listen, l",
		Value:  "0.0.0.0:8471",
		Usage:  "HTTP listen address",
		EnvVar: "FILESTORE_LISTEN",
	},
	cli.StringFlag{
		Name:   "tls-listen",
		Value:  "0.0.0.0:8443",
		Usage:  "HTTPS listen address, used when a certificate is given",
		EnvVar: "FILESTORE_TLS_LISTEN",
	},
	cli.StringFlag{
		Name:   "tls-cert",
		EnvVar: "FILESTORE_TLS_CERT",
	},
	cli.StringFlag{
		Name:   "tls-key",
		EnvVar: "FILESTORE_TLS_KEY",
	},
	cli.StringFlag{
		Name:   "base-url",
		Value:  "http://localhost:8471/",
		Usage:  "prefix of the links returned by uploads",
		EnvVar: "FILESTORE_BASE_URL",
	},
	cli.Int64Flag{
		Name:   "max-upload-size",
		Value:  512 << 20,
		Usage:  "largest accepted upload in bytes, 0 for no limit",
		EnvVar: "FILESTORE_MAX_UPLOAD_SIZE",
	},
	cli.IntFlag{
		Name:   "cache-size",
		Value:  256,
		Usage:  "number of resized images kept in memory, 0 to disable",
		EnvVar: "FILESTORE_CACHE_SIZE",
	},
	cli.BoolFlag{
		Name:   "verify-index",
		Usage:  "decrypt and re-hash every object while rebuilding the dedup index at startup",
		EnvVar: "FILESTORE_VERIFY_INDEX",
	},
	cli.Int64Flag{
		Name:   "max-concurrent-uploads",
		Value:  64,
		Usage:  "uploads processed at once, 0 for no limit",
		EnvVar: "FILESTORE_MAX_CONCURRENT_UPLOADS",
	},
	cli.StringFlag{
		Name:   "upload-user",
		Usage:  "require HTTP Basic credentials for uploads (with --upload-password)",
		EnvVar: "FILESTORE_UPLOAD_USER",
	},
	cli.StringFlag{
		Name:   "upload-password",
		EnvVar: "FILESTORE_UPLOAD_PASSWORD",
	},
	cli.StringFlag{
		Name:   "upload-token",
		Usage:  "require this bearer token for uploads",
		EnvVar: "FILESTORE_UPLOAD_TOKEN",
	},
	cli.BoolFlag{
		Name:   "generate-keys",
		Usage:  "create missing key and IV files before starting",
		EnvVar: "FILESTORE_GENERATE_KEYS",
	},
}

func newApp(ctx context.Context) *cli.App {
	app := cli.NewApp()
	app.Name = "filestore"
	app.Usage = "encrypted single-directory object store"
	app.Flags = globalFlags
	app.Before = func(c *cli.Context) error {
		return setupLogging(c.GlobalString("log-level"))
	}
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "serve uploads and downloads over HTTP",
			Flags:  serveFlags,
			Action: func(c *cli.Context) error { return serve(ctx, c) },
		},
		{
			Name:   "keygen",
			Usage:  "create the key and IV files if they do not exist",
			Action: keygen,
		},
		{
			Name:   "stats",
			Usage:  "print the number of objects and their combined size",
			Action: func(c *cli.Context) error { return stats(ctx, c) },
		},
		{
			Name:  "reindex",
			Usage: "rebuild the dedup index from the objects on disk",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "verify",
					Usage: "decrypt and re-hash every object",
				},
			},
			Action: func(c *cli.Context) error { return reindex(ctx, c) },
		},
	}
	return app
}

func serve(ctx context.Context, c *cli.Context) error {
	if c.Bool("generate-keys") {
		if err := generateKeys(c.GlobalString("key-file"), c.GlobalString("iv-file")); err != nil {
			return err
		}
	}

	engine, err := openEngine(ctx, engineOptions{
		dataDir:       c.GlobalString("data-dir"),
		keyFile:       c.GlobalString("key-file"),
		ivFile:        c.GlobalString("iv-file"),
		cipher:        c.GlobalString("cipher"),
		policy:        c.GlobalString("policy"),
		hash:          c.GlobalString("hash"),
		indexDB:       c.GlobalString("index-db"),
		baseURL:       c.String("base-url"),
		maxObjectSize: c.Int64("max-upload-size"),
		cacheSize:     c.Int("cache-size"),
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	if _, err := engine.RebuildIndex(ctx, c.Bool("verify-index")); err != nil {
		return fmt.Errorf("failed to rebuild index: %w", err)
	}

	opts := []core.ConfigOption{
		core.WithEngine(engine),
		core.WithMaxUploadSize(c.Int64("max-upload-size")),
		core.WithMaxConcurrentUploads(c.Int64("max-concurrent-uploads")),
	}
	if authenticator := uploadAuthenticator(c.String("upload-user"), c.String("upload-password"), c.String("upload-token")); authenticator != nil {
		opts = append(opts, core.WithAuthEngine(authenticator))
	} else {
		slog.Warn("Uploads are open to anyone who can reach the server")
	}

	server, err := core.NewServer(core.NewConfig(opts...))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return run(ctx, server.Handler(), listenConfig{
		addr:     c.String("listen"),
		tlsAddr:  c.String("tls-listen"),
		certFile: c.String("tls-cert"),
		keyFile:  c.String("tls-key"),
	})
}

type listenConfig struct {
	addr     string
	tlsAddr  string
	certFile string
	keyFile  string
}

func run(ctx context.Context, router http.Handler, lc listenConfig) error {

	httpServer := &http.Server{
		Addr:              lc.addr,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
	}

	httpsServer := &http.Server{
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		Addr:              lc.tlsAddr,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	shutdown := func(srv *http.Server) func() error {
		return func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	}

	eg.Go(shutdown(httpsServer))
	eg.Go(shutdown(httpServer))

	eg.Go(func() error {
		if lc.certFile == "" || lc.keyFile == "" {
			slog.Debug("Skipping HTTPS service because no certificate was provided")
			return nil
		}

		slog.Info("Starting filestore HTTPS server", "addr", lc.tlsAddr)
		err := httpsServer.ListenAndServeTLS(lc.certFile, lc.keyFile)
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		slog.Info("Starting filestore HTTP server", "addr", lc.addr)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Filestore started")
	return eg.Wait()
}

func keygen(c *cli.Context) error {
	return generateKeys(c.GlobalString("key-file"), c.GlobalString("iv-file"))
}

func stats(ctx context.Context, c *cli.Context) error {
	engine, err := openEngine(ctx, globalEngineOptions(c))
	if err != nil {
		return err
	}
	defer engine.Close()

	st, err := engine.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "objects: %d\nbytes:   %d\n", st.Objects, st.Bytes)
	return nil
}

func reindex(ctx context.Context, c *cli.Context) error {
	engine, err := openEngine(ctx, globalEngineOptions(c))
	if err != nil {
		return err
	}
	defer engine.Close()

	if !engine.Strategy().ContentAddressed() {
		return errors.New("reindex only applies to the hash policy")
	}

	added, err := engine.RebuildIndex(ctx, c.Bool("verify"))
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "indexed %d objects\n", added)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp(ctx)
	if err := app.Run(os.Args); err != nil {
		slog.Error("Filestore exited with error", "error", err)
		stop()
		os.Exit(1)
	}
}
