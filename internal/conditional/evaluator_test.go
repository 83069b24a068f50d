package conditional_test

import (
	"net/http"
	"testing"
	"time"

	"depot/internal/conditional"

	"github.com/stretchr/testify/require"
)

var modifiedAt = time.Date(2025, 3, 14, 15, 9, 26, 500_000_000, time.UTC)

func tenByteObject() conditional.ObjectState {
	return conditional.ObjectState{
		ETag:         `"0123456789abcdef0123456789abcdef"`,
		LastModified: modifiedAt,
		Size:         10,
	}
}

func headers(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	etag := `"0123456789abcdef0123456789abcdef"`
	before := modifiedAt.Add(-time.Hour).Format(http.TimeFormat)
	same := modifiedAt.Format(http.TimeFormat)
	after := modifiedAt.Add(time.Hour).Format(http.TimeFormat)

	tests := []struct {
		name   string
		header http.Header
		status int
	}{
		{name: "no preconditions", header: headers(), status: http.StatusOK},
		{name: "if-match hit", header: headers("If-Match", etag), status: http.StatusOK},
		{name: "if-match unquoted", header: headers("If-Match", " 0123456789abcdef0123456789abcdef "), status: http.StatusOK},
		{name: "if-match list", header: headers("If-Match", `"aaa", `+etag), status: http.StatusOK},
		{name: "if-match star", header: headers("If-Match", "*"), status: http.StatusOK},
		{name: "if-match miss", header: headers("If-Match", `"different"`), status: http.StatusPreconditionFailed},
		{name: "if-none-match hit", header: headers("If-None-Match", etag), status: http.StatusNotModified},
		{name: "if-none-match weak", header: headers("If-None-Match", "W/"+etag), status: http.StatusNotModified},
		{name: "if-none-match star", header: headers("If-None-Match", "*"), status: http.StatusNotModified},
		{name: "if-none-match miss", header: headers("If-None-Match", `"different"`), status: http.StatusOK},
		{name: "if-modified-since same second", header: headers("If-Modified-Since", same), status: http.StatusNotModified},
		{name: "if-modified-since later", header: headers("If-Modified-Since", after), status: http.StatusNotModified},
		{name: "if-modified-since earlier", header: headers("If-Modified-Since", before), status: http.StatusOK},
		{name: "if-modified-since garbage", header: headers("If-Modified-Since", "yesterday"), status: http.StatusOK},
		{name: "if-unmodified-since earlier", header: headers("If-Unmodified-Since", before), status: http.StatusPreconditionFailed},
		{name: "if-unmodified-since same second", header: headers("If-Unmodified-Since", same), status: http.StatusOK},
		{name: "if-match beats if-none-match", header: headers("If-Match", `"different"`, "If-None-Match", etag), status: http.StatusPreconditionFailed},
		{name: "if-none-match beats range", header: headers("If-None-Match", etag, "Range", "bytes=0-0"), status: http.StatusNotModified},
		{name: "precondition beats bad range", header: headers("If-Match", `"different"`, "Range", "bytes=20-30"), status: http.StatusPreconditionFailed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			result := conditional.Evaluate(tenByteObject(), tc.header)
			require.Equal(t, tc.status, result.Status)
			require.Nil(t, result.Range)
		})
	}
}

func TestEvaluateRange(t *testing.T) {
	t.Parallel()

	result := conditional.Evaluate(tenByteObject(), headers("Range", "bytes=0-0"))
	require.Equal(t, http.StatusPartialContent, result.Status)
	require.NotNil(t, result.Range)
	require.Equal(t, int64(1), result.Range.Length())
	require.Equal(t, "bytes 0-0/10", result.Range.ContentRange(10))

	result = conditional.Evaluate(tenByteObject(), headers("Range", "bytes=20-30"))
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, result.Status)
	require.Equal(t, "bytes */10", conditional.UnsatisfiedContentRange(10))
}

func TestParseRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		header  string
		want    *conditional.ByteRange
		wantErr bool
	}{
		{header: "", want: nil},
		{header: "items=0-1", want: nil},
		{header: "bytes=a-b", want: nil},
		{header: "bytes=0-1,4-5", want: nil},
		{header: "bytes=2-5", want: &conditional.ByteRange{Start: 2, End: 5}},
		{header: "bytes=7-", want: &conditional.ByteRange{Start: 7, End: 9}},
		{header: "bytes=-4", want: &conditional.ByteRange{Start: 0, End: 4}},
		{header: "bytes=9-9", want: &conditional.ByteRange{Start: 9, End: 9}},
		{header: "bytes=5-4", wantErr: true},
		{header: "bytes=0-10", wantErr: true},
		{header: "bytes=10-", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.header, func(t *testing.T) {
			t.Parallel()

			got, err := conditional.ParseRange(tc.header, 10)
			if tc.wantErr {
				require.ErrorIs(t, err, conditional.ErrRangeNotSatisfiable)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseRangeEmptyObject(t *testing.T) {
	t.Parallel()

	_, err := conditional.ParseRange("bytes=0-0", 0)
	require.ErrorIs(t, err, conditional.ErrRangeNotSatisfiable)
}
