package core

import (
	"net"
	"net/http"
	"regexp"
	"strings"
)

const (
	maxTags         = 50
	maxTagKeyLength = 128
	maxTagValLength = 256
)

// Regex for validating S3 bucket names.
// matches lowercase letters, digits, dots, and hyphens,
// must start and end with a letter or digit, and must be between 3 and 63 characters long.
var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// isValidBucketName implements the standard S3 bucket naming rules for
// "virtual hosted-style" buckets.
func isValidBucketName(name string) bool {
	if !bucketNamePattern.MatchString(name) {
		return false
	}

	// Disallow patterns like "..", ".-", "-.".
	if strings.Contains(name, "..") {
		return false
	}

	for i := 1; i < len(name); i++ {
		if (name[i-1] == '.' && name[i] == '-') || (name[i-1] == '-' && name[i] == '.') {
			return false
		}
	}

	// Bucket name must not be formatted as an IPv4 address.
	return net.ParseIP(name) == nil
}

// isValidObjectKey enforces basic S3 object key constraints: non-empty,
// at most 1024 bytes, and no control characters.
func isValidObjectKey(key string) bool {
	if len(key) == 0 || len(key) > 1024 {
		return false
	}

	return !strings.ContainsFunc(key, func(c rune) bool {
		return c < 0x20 || c == 0x7f
	})
}

// validateBucketNameOrError writes an S3 InvalidBucketName error and returns
// false if the provided name does not meet S3 bucket naming rules.
func validateBucketNameOrError(w http.ResponseWriter, r *http.Request, bucket string) bool {
	if !isValidBucketName(bucket) {
		writeS3Error(w, "InvalidBucketName", "The specified bucket is not valid.", r.URL.Path, http.StatusBadRequest)
		return false
	}
	return true
}

// validateObjectKeyOrError writes an S3-style error for invalid object keys.
func validateObjectKeyOrError(w http.ResponseWriter, r *http.Request, key string) bool {
	if !isValidObjectKey(key) {
		writeS3Error(w, "InvalidObjectName", "The specified key is not valid.", r.URL.Path, http.StatusBadRequest)
		return false
	}
	return true
}

// validateTagSetOrError checks a tag set against the S3 limits and writes
// the matching error when it is rejected.
func validateTagSetOrError(w http.ResponseWriter, r *http.Request, tags []Tag) bool {
	if len(tags) > maxTags {
		writeS3Error(w, "InvalidRequest", "The TagSet cannot contain more than 50 tags.", r.URL.Path, http.StatusBadRequest)
		return false
	}

	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		switch {
		case tag.Key == "" || len(tag.Key) > maxTagKeyLength || len(tag.Value) > maxTagValLength:
			writeS3Error(w, "InvalidTag", "The TagKey you have provided is invalid.", r.URL.Path, http.StatusBadRequest)
			return false
		case strings.HasPrefix(strings.ToLower(tag.Key), "aws:"):
			writeS3Error(w, "InvalidTag", "System tags prefixed with 'aws:' are reserved and cannot be modified.", r.URL.Path, http.StatusBadRequest)
			return false
		}

		if _, dup := seen[tag.Key]; dup {
			writeS3Error(w, "InvalidTag", "Cannot provide multiple Tags with the same key.", r.URL.Path, http.StatusBadRequest)
			return false
		}
		seen[tag.Key] = struct{}{}
	}
	return true
}
