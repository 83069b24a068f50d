package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"depot/internal/auth"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

var errUsage = errors.New("usage")

type command struct {
	usage string
	run   func(ctx context.Context, c *cli, args []string) error
}

var commands = map[string]command{
	"mb":      {"mb BUCKET", makeBucket},
	"rb":      {"rb BUCKET", removeBucket},
	"ls":      {"ls [-r] [BUCKET[/PREFIX]]", list},
	"put":     {"put [-part-size SIZE] [-content-type TYPE] FILE BUCKET/KEY", put},
	"get":     {"get BUCKET/KEY FILE", get},
	"cp":      {"cp SRC_BUCKET/KEY DST_BUCKET/KEY", copyObject},
	"rm":      {"rm BUCKET/KEY", remove},
	"presign": {"presign [-method GET|PUT|DELETE] [-expires DURATION] BUCKET/KEY", presign},
	"uploads": {"uploads [-prefix PREFIX] BUCKET", uploads},
	"abort":   {"abort BUCKET/KEY UPLOAD_ID", abort},
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "usage: depotctl [flags] COMMAND [args]")
	fmt.Fprintln(w, "\nflags:")
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintln(w, "\ncommands:")

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
}

func Run(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) error {
	fs := flag.NewFlagSet("depotctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	endpoint := fs.String("endpoint", getenv("DEPOT_ENDPOINT", "localhost:9000"), "depot server host:port")
	region := fs.String("region", getenv("DEPOT_REGION", auth.DefaultRegion), "region used for signing")
	accessKey := fs.String("access-key", getenv("DEPOT_ACCESS_KEY", auth.DefaultAccessKeyID), "access key")
	secretKey := fs.String("secret-key", getenv("DEPOT_SECRET_KEY", auth.DefaultSecretAccessKey), "secret key")
	secure := fs.Bool("secure", getenv("DEPOT_SECURE", "false") == "true", "use HTTPS")
	verbose := fs.Bool("v", false, "verbose logging")

	if err := fs.Parse(args); err != nil {
		return err
	}

	level := log.WarnLevel
	if *verbose {
		level = log.DebugLevel
	}
	handler := log.NewWithOptions(stderr, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})
	slog.SetDefault(slog.New(handler))

	if fs.NArg() == 0 {
		usage(stderr, fs)
		return errUsage
	}

	cmd, ok := commands[fs.Arg(0)]
	if !ok {
		usage(stderr, fs)
		return fmt.Errorf("unknown command %q", fs.Arg(0))
	}

	client, err := minio.New(*endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(*accessKey, *secretKey, ""),
		Secure:       *secure,
		Region:       *region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return fmt.Errorf("failed to create S3 client: %w", err)
	}

	c := &cli{
		client: client,
		core:   &minio.Core{Client: client},
		out:    stdout,
	}

	err = cmd.run(ctx, c, fs.Args()[1:])
	if errors.Is(err, errUsage) {
		fmt.Fprintf(stderr, "usage: depotctl %s\n", cmd.usage)
	}
	return err
}

// splitPath splits "bucket/key/with/slashes" at the first slash.
func splitPath(p string) (bucket string, key string) {
	p = strings.TrimPrefix(p, "/")
	bucket, key, _ = strings.Cut(p, "/")
	return bucket, key
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			slog.Error("depotctl failed", "err", err)
		}
		os.Exit(1)
	}
}
