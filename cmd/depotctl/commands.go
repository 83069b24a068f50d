package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/minio/minio-go/v7"
)

const defaultPartSize = 16 << 20

type cli struct {
	client *minio.Client
	core   *minio.Core
	out    io.Writer
}

func (c *cli) table() *tabwriter.Writer {
	return tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
}

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func makeBucket(ctx context.Context, c *cli, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	if err := c.client.MakeBucket(ctx, args[0], minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %q: %w", args[0], err)
	}
	fmt.Fprintf(c.out, "Bucket created: %s\n", args[0])
	return nil
}

func removeBucket(ctx context.Context, c *cli, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	if err := c.client.RemoveBucket(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to remove bucket %q: %w", args[0], err)
	}
	fmt.Fprintf(c.out, "Bucket removed: %s\n", args[0])
	return nil
}

func list(ctx context.Context, c *cli, args []string) error {
	fs := newFlags("ls")
	recursive := fs.Bool("r", false, "list recursively")
	if err := fs.Parse(args); err != nil || fs.NArg() > 1 {
		return errUsage
	}

	tw := c.table()
	defer tw.Flush()

	if fs.NArg() == 0 {
		buckets, err := c.client.ListBuckets(ctx)
		if err != nil {
			return fmt.Errorf("failed to list buckets: %w", err)
		}
		for _, b := range buckets {
			fmt.Fprintf(tw, "%s\t%s/\n", b.CreationDate.UTC().Format(time.RFC3339), b.Name)
		}
		return nil
	}

	bucket, prefix := splitPath(fs.Arg(0))
	opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: *recursive}
	for obj := range c.client.ListObjects(ctx, bucket, opts) {
		if obj.Err != nil {
			return fmt.Errorf("failed to list objects in bucket %q: %w", bucket, obj.Err)
		}
		if obj.LastModified.IsZero() {
			fmt.Fprintf(tw, "\tPRE\t%s\n", obj.Key)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", obj.LastModified.UTC().Format(time.RFC3339), humanize.IBytes(uint64(obj.Size)), obj.Key)
	}
	return nil
}

func put(ctx context.Context, c *cli, args []string) error {
	fs := newFlags("put")
	partSizeFlag := fs.String("part-size", humanize.IBytes(defaultPartSize), "multipart part size")
	contentType := fs.String("content-type", "", "content type of the object")
	if err := fs.Parse(args); err != nil || fs.NArg() != 2 {
		return errUsage
	}

	partSize, err := humanize.ParseBytes(*partSizeFlag)
	if err != nil || partSize == 0 {
		return fmt.Errorf("invalid part size %q", *partSizeFlag)
	}

	bucket, key := splitPath(fs.Arg(1))
	if key == "" {
		return errUsage
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	opts := minio.PutObjectOptions{ContentType: *contentType}

	if uint64(info.Size()) <= partSize {
		opts.DisableMultipart = true
		upload, err := c.client.PutObject(ctx, bucket, key, f, info.Size(), opts)
		if err != nil {
			return fmt.Errorf("failed to upload %q: %w", key, err)
		}
		fmt.Fprintf(c.out, "%s\t%s\t%s\n", upload.ETag, humanize.IBytes(uint64(upload.Size)), fs.Arg(1))
		return nil
	}

	etag, err := c.multipartPut(ctx, bucket, key, f, info.Size(), int64(partSize), opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s\t%s\t%s\n", etag, humanize.IBytes(uint64(info.Size())), fs.Arg(1))
	return nil
}

// multipartPut uploads r in partSize pieces. A failed upload is aborted.
func (c *cli) multipartPut(ctx context.Context, bucket string, key string, r io.ReaderAt, size int64, partSize int64, opts minio.PutObjectOptions) (etag string, err error) {
	uploadID, err := c.core.NewMultipartUpload(ctx, bucket, key, opts)
	if err != nil {
		return "", fmt.Errorf("failed to initiate multipart upload: %w", err)
	}

	log := slog.With("bucket", bucket, "key", key, "upload_id", uploadID)
	log.Debug("Started multipart upload", "part_size", humanize.IBytes(uint64(partSize)))

	defer func() {
		if err == nil {
			return
		}
		// The caller's context may be the reason we failed.
		abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if abortErr := c.core.AbortMultipartUpload(abortCtx, bucket, key, uploadID); abortErr != nil {
			log.Warn("Failed to abort multipart upload", "err", abortErr)
		}
	}()

	// Every part after the first must meet the server minimum, so the
	// remainder is folded into the last part.
	count := max(size/partSize, 1)

	var parts []minio.CompletePart
	for i := range count {
		partNumber := int(i) + 1
		offset := i * partSize
		length := partSize
		if i == count-1 {
			length = size - offset
		}

		part, err := c.core.PutObjectPart(ctx, bucket, key, uploadID, partNumber, io.NewSectionReader(r, offset, length), length, minio.PutObjectPartOptions{})
		if err != nil {
			return "", fmt.Errorf("failed to upload part %d: %w", partNumber, err)
		}

		log.Debug("Uploaded part", "part", partNumber, "size", humanize.IBytes(uint64(length)))
		parts = append(parts, minio.CompletePart{
			PartNumber: partNumber,
			ETag:       part.ETag,
		})
	}

	info, err := c.core.CompleteMultipartUpload(ctx, bucket, key, uploadID, parts, opts)
	if err != nil {
		return "", fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	log.Debug("Completed multipart upload", "parts", len(parts))
	return info.ETag, nil
}

func get(ctx context.Context, c *cli, args []string) error {
	if len(args) != 2 {
		return errUsage
	}

	bucket, key := splitPath(args[0])
	if key == "" {
		return errUsage
	}

	if err := c.client.FGetObject(ctx, bucket, key, args[1], minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("failed to download %q: %w", args[0], err)
	}
	fmt.Fprintf(c.out, "Downloaded %s to %s\n", args[0], args[1])
	return nil
}

func copyObject(ctx context.Context, c *cli, args []string) error {
	if len(args) != 2 {
		return errUsage
	}

	srcBucket, srcKey := splitPath(args[0])
	dstBucket, dstKey := splitPath(args[1])
	if srcKey == "" || dstKey == "" {
		return errUsage
	}

	src := minio.CopySrcOptions{Bucket: srcBucket, Object: srcKey}
	dst := minio.CopyDestOptions{Bucket: dstBucket, Object: dstKey}
	info, err := c.client.CopyObject(ctx, dst, src)
	if err != nil {
		return fmt.Errorf("failed to copy %q to %q: %w", args[0], args[1], err)
	}
	fmt.Fprintf(c.out, "%s\t%s\n", info.ETag, args[1])
	return nil
}

func remove(ctx context.Context, c *cli, args []string) error {
	if len(args) != 1 {
		return errUsage
	}

	bucket, key := splitPath(args[0])
	if key == "" {
		return errUsage
	}

	if err := c.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove %q: %w", args[0], err)
	}
	fmt.Fprintf(c.out, "Removed %s\n", args[0])
	return nil
}

func presign(ctx context.Context, c *cli, args []string) error {
	fs := newFlags("presign")
	method := fs.String("method", http.MethodGet, "HTTP method the URL is valid for")
	expires := fs.Duration("expires", time.Hour, "validity of the URL (1s to 7 days)")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return errUsage
	}

	bucket, key := splitPath(fs.Arg(0))
	if key == "" {
		return errUsage
	}

	m := strings.ToUpper(*method)
	switch m {
	case http.MethodGet, http.MethodPut, http.MethodDelete:
	default:
		return fmt.Errorf("unsupported method %q", *method)
	}

	u, err := c.client.Presign(ctx, m, bucket, key, *expires, url.Values{})
	if err != nil {
		return fmt.Errorf("failed to presign %q: %w", fs.Arg(0), err)
	}
	fmt.Fprintln(c.out, u.String())
	return nil
}

func uploads(ctx context.Context, c *cli, args []string) error {
	fs := newFlags("uploads")
	prefix := fs.String("prefix", "", "only list uploads for keys with this prefix")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return errUsage
	}

	bucket := fs.Arg(0)
	tw := c.table()
	defer tw.Flush()

	keyMarker, uploadIDMarker := "", ""
	for {
		result, err := c.core.ListMultipartUploads(ctx, bucket, *prefix, keyMarker, uploadIDMarker, "", 1000)
		if err != nil {
			return fmt.Errorf("failed to list uploads in bucket %q: %w", bucket, err)
		}

		for _, u := range result.Uploads {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", u.Initiated.UTC().Format(time.RFC3339), u.UploadID, u.Key)
		}

		if !result.IsTruncated {
			return nil
		}
		if result.NextKeyMarker == "" {
			return errors.New("truncated upload listing without a next marker")
		}
		keyMarker, uploadIDMarker = result.NextKeyMarker, result.NextUploadIDMarker
	}
}

func abort(ctx context.Context, c *cli, args []string) error {
	if len(args) != 2 {
		return errUsage
	}

	bucket, key := splitPath(args[0])
	if key == "" {
		return errUsage
	}

	if err := c.core.AbortMultipartUpload(ctx, bucket, key, args[1]); err != nil {
		return fmt.Errorf("failed to abort upload %q: %w", args[1], err)
	}
	fmt.Fprintf(c.out, "Aborted %s\n", args[1])
	return nil
}
