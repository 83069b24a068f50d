package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"depot/internal/auth"
)

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func Run(ctx context.Context) error {

	var (
		listen      = getEnv("DEPOT_CONSOLE_LISTEN", ":9100")
		s3Endpoint  = getEnv("DEPOT_CONSOLE_S3_ENDPOINT", "localhost:9000")
		s3Region    = getEnv("DEPOT_CONSOLE_S3_REGION", auth.DefaultRegion)
		s3AccessKey = getEnv("DEPOT_CONSOLE_S3_ACCESS_KEY", auth.DefaultAccessKeyID)
		s3SecretKey = getEnv("DEPOT_CONSOLE_S3_SECRET_KEY", auth.DefaultSecretAccessKey)
		s3UseSSL    = getEnv("DEPOT_CONSOLE_S3_SSL", "false") == "true"
	)

	// Logging setup consistent with the depot server.
	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})
	slog.SetDefault(slog.New(handler))

	client, err := minio.New(s3Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(s3AccessKey, s3SecretKey, ""),
		Secure:       s3UseSSL,
		Region:       s3Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return fmt.Errorf("failed to create S3 client: %w", err)
	}

	srv := &http.Server{
		Addr:              listen,
		Handler:           NewServer(client).Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Starting depot console", "addr", listen, "s3_endpoint", s3Endpoint)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("depot console failed: %w", err)
	}

	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
