package main

import (
	"bytes"
	"html"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/require"

	"depot/internal/auth"
	"depot/internal/core"
)

var downloadLink = regexp.MustCompile(`<a href="([^"]+)" hx-boost="false">Download</a>`)

// newConsole starts a depot server and a console pointed at it.
func newConsole(t *testing.T) (*minio.Client, *httptest.Server) {
	t.Helper()

	srv, err := core.NewServer(t.Context(), core.NewConfig(core.WithDataDir(t.TempDir())))
	require.NoError(t, err, "creating depot server")
	t.Cleanup(func() { _ = srv.Close() })

	s3 := httptest.NewServer(srv.Handler())
	t.Cleanup(s3.Close)

	u, err := url.Parse(s3.URL)
	require.NoError(t, err, "parsing server URL")

	client, err := minio.New(u.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(auth.DefaultAccessKeyID, auth.DefaultSecretAccessKey, ""),
		Region:       auth.DefaultRegion,
		BucketLookup: minio.BucketLookupPath,
	})
	require.NoError(t, err, "creating MinIO client")

	console := httptest.NewServer(NewServer(client).Handler())
	t.Cleanup(console.Close)

	return client, console
}

func noRedirects() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func getPage(t *testing.T, target string) (int, string) {
	t.Helper()

	resp, err := http.Get(target)
	require.NoError(t, err, "GET %s", target)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "reading page")
	return resp.StatusCode, string(body)
}

func TestHomeListsBuckets(t *testing.T) {
	t.Parallel()

	client, console := newConsole(t)
	require.NoError(t, client.MakeBucket(t.Context(), "alpha", minio.MakeBucketOptions{}))
	require.NoError(t, client.MakeBucket(t.Context(), "beta", minio.MakeBucketOptions{}))

	status, page := getPage(t, console.URL+"/")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, page, `<a href="/bucket/alpha/">alpha</a>`)
	require.Contains(t, page, `<a href="/bucket/beta/">beta</a>`)
}

func TestCreateBucket(t *testing.T) {
	t.Parallel()

	client, console := newConsole(t)
	hc := noRedirects()

	resp, err := hc.PostForm(console.URL+"/buckets", url.Values{"name": {"  fresh-bucket "}})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/bucket/fresh-bucket/", resp.Header.Get("Location"))

	exists, err := client.BucketExists(t.Context(), "fresh-bucket")
	require.NoError(t, err)
	require.True(t, exists, "bucket created through the console")

	req, err := http.NewRequest(http.MethodPost, console.URL+"/buckets", strings.NewReader("name=htmx-bucket"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("HX-Request", "true")
	resp, err = hc.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "/bucket/htmx-bucket/", resp.Header.Get("HX-Redirect"))
}

func TestCreateBucketErrorsAreFragments(t *testing.T) {
	t.Parallel()

	_, console := newConsole(t)

	cases := []struct {
		name string
		form string
		want string
	}{
		{name: "missing name", form: "name=", want: "bucket name is required"},
		{name: "invalid name", form: "name=UPPER", want: "failed to create bucket"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, console.URL+"/buckets", strings.NewReader(tc.form))
			require.NoError(t, err)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.Header.Set("HX-Request", "true")

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			require.True(t, strings.HasPrefix(string(body), `<p class="error-message">`), "htmx gets a fragment, got %q", body)
			require.Contains(t, string(body), tc.want)
		})
	}
}

func TestBucketContents(t *testing.T) {
	t.Parallel()

	client, console := newConsole(t)
	ctx := t.Context()

	const bucket = "browse"
	require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))

	payload := []byte("hello from the console")
	for _, key := range []string{"readme.txt", "docs/a.txt", "docs/b.txt"} {
		_, err := client.PutObject(ctx, bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{})
		require.NoError(t, err, "PutObject %s", key)
	}

	status, page := getPage(t, console.URL+"/bucket/"+bucket+"/")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, page, "readme.txt")
	require.Contains(t, page, `<a href="/bucket/browse/docs/">docs/</a>`, "common prefix is a folder link")
	require.NotContains(t, page, "a.txt", "nested keys are folded")

	m := downloadLink.FindStringSubmatch(page)
	require.Len(t, m, 2, "download link present")

	resp, err := http.Get(html.UnescapeString(m[1]))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "presigned download")
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	status, page = getPage(t, console.URL+"/bucket/"+bucket+"/docs/")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, page, "a.txt")
	require.Contains(t, page, "b.txt")
	require.NotContains(t, page, "readme.txt")
}

func TestBucketContentsMissingBucket(t *testing.T) {
	t.Parallel()

	_, console := newConsole(t)

	status, _ := getPage(t, console.URL+"/bucket/nowhere/")
	require.Equal(t, http.StatusNotFound, status)
}

func TestAbortUpload(t *testing.T) {
	t.Parallel()

	client, console := newConsole(t)
	ctx := t.Context()

	const (
		bucket = "uploads"
		key    = "pending.bin"
	)
	require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))

	c := &minio.Core{Client: client}
	uploadID, err := c.NewMultipartUpload(ctx, bucket, key, minio.PutObjectOptions{})
	require.NoError(t, err, "NewMultipartUpload")

	status, page := getPage(t, console.URL+"/bucket/"+bucket+"/")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, page, "Multipart uploads in progress")
	require.Contains(t, page, "<code>"+uploadID+"</code>")

	resp, err := noRedirects().PostForm(console.URL+"/bucket/"+bucket+"/uploads/abort", url.Values{
		"key":       {key},
		"upload_id": {uploadID},
	})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	result, err := c.ListMultipartUploads(ctx, bucket, "", "", "", "", 100)
	require.NoError(t, err)
	require.Empty(t, result.Uploads, "upload aborted")

	status, page = getPage(t, console.URL+"/bucket/"+bucket+"/")
	require.Equal(t, http.StatusOK, status)
	require.NotContains(t, page, uploadID)

	resp, err = noRedirects().PostForm(console.URL+"/bucket/"+bucket+"/uploads/abort", url.Values{"key": {key}})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "upload_id is required")
}
