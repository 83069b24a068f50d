// Package conditional evaluates HTTP precondition and Range headers against
// the state of a stored object.
package conditional

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var ErrRangeNotSatisfiable = errors.New("requested range not satisfiable")

// ObjectState is the subset of object metadata preconditions are checked
// against. ETag may be given with or without surrounding quotes.
type ObjectState struct {
	ETag         string
	LastModified time.Time
	Size         int64
}

// ByteRange is an inclusive span of object bytes.
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// UnsatisfiedContentRange is the Content-Range value sent with a 416.
func UnsatisfiedContentRange(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}

// Result is the outcome of Evaluate. Range is set only for 206.
type Result struct {
	Status int
	Range  *ByteRange
}

// Evaluate applies If-Match, If-None-Match, If-Modified-Since,
// If-Unmodified-Since and then Range, in that order. The first failing
// precondition decides the status.
func Evaluate(state ObjectState, h http.Header) Result {
	if v := h.Get("If-Match"); v != "" && !etagListMatches(v, state.ETag) {
		return Result{Status: http.StatusPreconditionFailed}
	}

	if v := h.Get("If-None-Match"); v != "" && etagListMatches(v, state.ETag) {
		return Result{Status: http.StatusNotModified}
	}

	modified := state.LastModified.Truncate(time.Second)

	if t, ok := parseHTTPDate(h.Get("If-Modified-Since")); ok && !modified.After(t) {
		return Result{Status: http.StatusNotModified}
	}

	if t, ok := parseHTTPDate(h.Get("If-Unmodified-Since")); ok && modified.After(t) {
		return Result{Status: http.StatusPreconditionFailed}
	}

	rng, err := ParseRange(h.Get("Range"), state.Size)
	switch {
	case err != nil:
		return Result{Status: http.StatusRequestedRangeNotSatisfiable}
	case rng != nil:
		return Result{Status: http.StatusPartialContent, Range: rng}
	}

	return Result{Status: http.StatusOK}
}

// ParseRange parses a single "bytes=start-end" range against an object of
// the given size. An empty start means 0 and an empty end means the last
// byte. Headers that are absent or not of that form yield a nil range and
// no error, so the caller serves the whole object.
func ParseRange(header string, size int64) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, nil
	}

	startStr, endStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok || strings.Contains(endStr, ",") {
		return nil, nil
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	start := int64(0)
	if startStr != "" {
		v, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			return nil, nil
		}
		start = v
	}

	end := size - 1
	if endStr != "" {
		v, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return nil, nil
		}
		end = v
	}

	if start < 0 || start > end || end >= size {
		return nil, fmt.Errorf("%w: %s of %d bytes", ErrRangeNotSatisfiable, header, size)
	}

	return &ByteRange{Start: start, End: end}, nil
}

func etagListMatches(list string, etag string) bool {
	want := normalizeETag(etag)
	for _, candidate := range strings.Split(list, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if normalizeETag(candidate) == want {
			return true
		}
	}
	return false
}

func normalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

func parseHTTPDate(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
