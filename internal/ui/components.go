package ui

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/a-h/templ"
	"github.com/dustin/go-humanize"
)

// Bucket represents a single S3 bucket for display.
type Bucket struct {
	Name         string
	CreationDate time.Time
}

// Object represents a single object or common prefix within a bucket.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
	// DownloadURL is a presigned GET link, empty for prefixes.
	DownloadURL string
}

// IsPrefix reports whether the entry is a folded common prefix.
func (o Object) IsPrefix() bool {
	return strings.HasSuffix(o.Key, "/") && o.DownloadURL == ""
}

// Upload is an initiated multipart upload that has not been completed or
// aborted.
type Upload struct {
	Key       string
	UploadID  string
	Initiated time.Time
	Size      int64
}

// pageWriter keeps the first write error so components can emit markup
// without checking every call.
type pageWriter struct {
	w   io.Writer
	err error
}

func (p *pageWriter) raw(s string) {
	if p.err != nil {
		return
	}
	_, p.err = io.WriteString(p.w, s)
}

// printf writes a formatted fragment. String arguments are escaped.
func (p *pageWriter) printf(format string, args ...any) {
	for i, a := range args {
		if s, ok := a.(string); ok {
			args[i] = templ.EscapeString(s)
		}
	}
	p.raw(fmt.Sprintf(format, args...))
}

func component(fn func(ctx context.Context, p *pageWriter)) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &pageWriter{w: w}
		fn(ctx, p)
		return p.err
	})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s (%s)", t.UTC().Format(time.RFC3339), humanize.Time(t))
}

func bucketPath(bucket string, prefix string) string {
	return "/bucket/" + url.PathEscape(bucket) + "/" + (&url.URL{Path: prefix}).EscapedPath()
}

// Layout renders a full HTML page with a title and body component.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &pageWriter{w: w}
		p.raw("<!DOCTYPE html><html lang=\"en\">")
		p.raw("<head><meta charset=\"utf-8\">")
		p.raw("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">")
		p.printf("<title>%s</title>", title)
		// Minimal modern CSS framework (Pico.css) via CDN.
		p.raw("<link rel=\"stylesheet\" href=\"https://unpkg.com/@picocss/pico@2/css/pico.min.css\">")
		// HTMX via CDN.
		p.raw("<script src=\"https://unpkg.com/htmx.org@1.9.12\" integrity=\"sha384-srD8tA5lZgUlAXb/DvBy1UG775H8sG8vyXK3w63U1zrtRXkuTDIaTzGvX2UksI0M\" crossorigin=\"anonymous\"></script>")
		p.raw("</head>")

		// Body with global htmx boost for links/forms.
		p.raw("<body hx-boost=\"true\"><main class=\"container\">")
		if p.err != nil {
			return p.err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		p.raw("</main></body></html>")
		return p.err
	})
}

// CreateBucketForm posts to /buckets and shows errors inline.
func CreateBucketForm() templ.Component {
	return component(func(_ context.Context, p *pageWriter) {
		p.raw("<form hx-post=\"/buckets\" hx-target=\"#create-bucket-error\" hx-swap=\"innerHTML\" method=\"post\" action=\"/buckets\">")
		p.raw("<fieldset role=\"group\"><input name=\"name\" placeholder=\"new-bucket-name\" required>")
		p.raw("<button type=\"submit\">Create bucket</button></fieldset>")
		p.raw("<div id=\"create-bucket-error\"></div></form>")
	})
}

// ErrorMessage is the fragment returned to htmx requests that fail.
func ErrorMessage(msg string) templ.Component {
	return component(func(_ context.Context, p *pageWriter) {
		p.printf("<p class=\"error-message\">%s</p>", msg)
	})
}

// BucketsPage renders the list of buckets.
func BucketsPage(buckets []Bucket) templ.Component {
	return Layout("Depot Console - Buckets", component(func(ctx context.Context, p *pageWriter) {
		p.raw("<section><header><h1>Buckets</h1>")
		p.raw("<p>Browse buckets and objects via the S3-compatible API.</p></header>")
		if p.err != nil {
			return
		}
		p.err = CreateBucketForm().Render(ctx, p.w)

		if len(buckets) == 0 {
			p.raw("<p>No buckets found.</p></section>")
			return
		}

		p.raw("<table><thead><tr><th>Name</th><th>Created</th></tr></thead><tbody>")
		for _, b := range buckets {
			p.printf("<tr><td><a href=\"%s\">%s</a></td><td>%s</td></tr>", bucketPath(b.Name, ""), b.Name, formatTime(b.CreationDate))
		}
		p.raw("</tbody></table></section>")
	}))
}

func bucketNav(p *pageWriter, buckets []Bucket, current string) {
	p.raw("<aside><nav><ul>")
	for _, b := range buckets {
		if b.Name == current {
			p.printf("<li><strong>%s</strong></li>", b.Name)
			continue
		}
		p.printf("<li><a href=\"%s\">%s</a></li>", bucketPath(b.Name, ""), b.Name)
	}
	p.raw("</ul></nav></aside>")
}

func breadcrumbs(p *pageWriter, bucket string, prefix string) {
	p.printf("<nav aria-label=\"breadcrumb\"><ul><li><a href=\"/\">Buckets</a></li><li><a href=\"%s\">%s</a></li>", bucketPath(bucket, ""), bucket)
	acc := ""
	for _, part := range strings.Split(strings.TrimSuffix(prefix, "/"), "/") {
		if part == "" {
			continue
		}
		acc += part + "/"
		p.printf("<li><a href=\"%s\">%s</a></li>", bucketPath(bucket, acc), part)
	}
	p.raw("</ul></nav>")
}

// ObjectsPage renders one level of a bucket below prefix, with the bucket
// list alongside and any unfinished multipart uploads underneath.
func ObjectsPage(buckets []Bucket, bucket string, prefix string, objects []Object, uploads []Upload) templ.Component {
	return Layout("Depot Console - "+bucket, component(func(ctx context.Context, p *pageWriter) {
		p.raw("<div class=\"grid\">")
		bucketNav(p, buckets, bucket)

		p.raw("<section><header>")
		p.printf("<h1>Bucket: %s</h1>", bucket)
		breadcrumbs(p, bucket, prefix)
		p.raw("</header>")

		if len(objects) == 0 {
			p.raw("<p>No objects under this prefix.</p>")
		} else {
			p.raw("<table><thead><tr><th>Key</th><th>Size</th><th>Last Modified</th><th></th></tr></thead><tbody>")
			for _, o := range objects {
				name := strings.TrimPrefix(o.Key, prefix)
				if o.IsPrefix() {
					p.printf("<tr><td><a href=\"%s\">%s</a></td><td></td><td></td><td></td></tr>", bucketPath(bucket, o.Key), name)
					continue
				}
				p.printf("<tr><td>%s</td><td title=\"%d bytes\">%s</td><td>%s</td>", name, o.Size, humanize.IBytes(uint64(o.Size)), formatTime(o.LastModified))
				if o.DownloadURL != "" {
					p.printf("<td><a href=\"%s\" hx-boost=\"false\">Download</a></td></tr>", o.DownloadURL)
				} else {
					p.raw("<td></td></tr>")
				}
			}
			p.raw("</tbody></table>")
		}
		if p.err != nil {
			return
		}

		p.err = UploadsTable(bucket, uploads).Render(ctx, p.w)
		p.raw("</section></div>")
	}))
}

// UploadsTable lists in-progress multipart uploads with an abort button
// for each.
func UploadsTable(bucket string, uploads []Upload) templ.Component {
	return component(func(_ context.Context, p *pageWriter) {
		if len(uploads) == 0 {
			return
		}

		p.raw("<h2>Multipart uploads in progress</h2>")
		p.raw("<table><thead><tr><th>Key</th><th>Upload ID</th><th>Initiated</th><th>Uploaded</th><th></th></tr></thead><tbody>")
		for _, u := range uploads {
			p.printf("<tr><td>%s</td><td><code>%s</code></td><td>%s</td><td>%s</td>", u.Key, u.UploadID, formatTime(u.Initiated), humanize.IBytes(uint64(u.Size)))
			p.printf("<td><form method=\"post\" action=\"/bucket/%s/uploads/abort\">", url.PathEscape(bucket))
			p.printf("<input type=\"hidden\" name=\"key\" value=\"%s\"><input type=\"hidden\" name=\"upload_id\" value=\"%s\">", u.Key, u.UploadID)
			p.raw("<button type=\"submit\" class=\"secondary\">Abort</button></form></td></tr>")
		}
		p.raw("</tbody></table>")
	})
}
