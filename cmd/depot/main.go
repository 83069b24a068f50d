package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"depot/internal/auth"
	"depot/internal/core"
	"depot/internal/gc"
	"depot/internal/storage"
	"depot/internal/tasks"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func serve(srv *http.Server, certFile string, keyFile string) error {
	var err error
	if certFile != "" {
		err = srv.ListenAndServeTLS(certFile, keyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func Run(ctx context.Context) error {

	listen := flag.String("listen", getEnv("DEPOT_LISTEN", ":9000"), "HTTP listen address")
	listenTLS := flag.String("listen-tls", getEnv("DEPOT_LISTEN_TLS", ":9443"), "HTTPS listen address")
	dataDir := flag.String("data-dir", getEnv("DEPOT_DATA_DIR", "./data"), "directory to store objects and metadata")
	region := flag.String("region", getEnv("DEPOT_REGION", auth.DefaultRegion), "region reported by GetBucketLocation")
	accessKey := flag.String("access-key", getEnv("DEPOT_ACCESS_KEY", auth.DefaultAccessKeyID), "access key of the seeded admin user")
	secretKey := flag.String("secret-key", getEnv("DEPOT_SECRET_KEY", auth.DefaultSecretAccessKey), "secret key of the seeded admin user")
	gcInterval := flag.Duration("gc-interval", getEnvDuration("DEPOT_GC_INTERVAL", gc.DefaultInterval), "interval between garbage collection sweeps")
	uploadTTL := flag.Duration("upload-ttl", getEnvDuration("DEPOT_UPLOAD_TTL", gc.DefaultUploadTTL), "age after which an unfinished multipart upload expires")
	certFile := flag.String("tls-cert", getEnv("DEPOT_TLS_CERT", ""), "TLS certificate file")
	keyFile := flag.String("tls-key", getEnv("DEPOT_TLS_KEY", ""), "TLS key file")
	logLevel := flag.String("log-level", getEnv("DEPOT_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	lockTimeout := flag.Duration("lock-timeout", getEnvDuration("DEPOT_LOCK_TIMEOUT", storage.DefaultLockTimeout), "how long a blob write waits for its lock")
	lockPoll := flag.Duration("lock-poll", getEnvDuration("DEPOT_LOCK_POLL", storage.DefaultPollInterval), "interval between lock attempts")
	noCache := flag.Bool("no-cache", getEnv("DEPOT_NO_CACHE", "") == "true", "disable the credential and bucket lookup cache")

	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	opts := []core.ConfigOption{
		core.WithDataDir(absDataDir),
		core.WithRegion(*region),
		core.WithRootCredentials(*accessKey, *secretKey),
		core.WithGarbageCollection(*gcInterval, *uploadTTL),
		core.WithLockTimeout(*lockTimeout, *lockPoll),
	}
	if *noCache {
		opts = append(opts, core.WithCacheDisabled())
	}

	cfg := core.NewConfig(opts...)

	server, err := core.NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create depot server: %w", err)
	}

	defer server.Close()

	router := server.Handler()

	httpServer := &http.Server{
		Addr:              *listen,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	httpsServer := &http.Server{
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		Addr:              *listenTLS,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	scheduler := tasks.NewScheduler(server.Tasks()...)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(httpServer.Shutdown(shutdownCtx), httpsServer.Shutdown(shutdownCtx))
	})

	eg.Go(func() error {
		if *certFile == "" || *keyFile == "" {
			slog.Debug("Skipping HTTPS service because no certificate was provided")
			return nil
		}

		slog.Info("Starting depot HTTPS server", "addr", *listenTLS)
		return serve(httpsServer, *certFile, *keyFile)
	})

	eg.Go(func() error {
		slog.Info("Starting depot HTTP server", "addr", *listen)
		return serve(httpServer, "", "")
	})

	eg.Go(func() error {
		return scheduler.Run(ctx)
	})

	slog.Info("Depot started", "data_dir", absDataDir, "region", cfg.Region, "access_key", cfg.RootAccessKey)
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Depot exited with error", "error", err)
		os.Exit(1)
	}
}
