package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const LegacyPrefix = "AWS "

// legacySubresources are the query parameters that take part in the
// canonicalized resource of a version 2 signature.
var legacySubresources = map[string]bool{
	"acl":            true,
	"lifecycle":      true,
	"location":       true,
	"logging":        true,
	"notification":   true,
	"partNumber":     true,
	"policy":         true,
	"requestPayment": true,
	"torrent":        true,
	"uploadId":       true,
	"uploads":        true,
	"versionId":      true,
	"versioning":     true,
	"versions":       true,
	"website":        true,
}

// LegacyAuthEngine handles "Authorization: AWS <accessKey>:<signature>"
// headers. With VerifySignature unset it only resolves the access key, and
// the bare "AWS <accessKey>" form is accepted too.
type LegacyAuthEngine struct {
	Credentials     CredentialStore
	VerifySignature bool
}

func NewLegacyAuthEngine(creds CredentialStore, verify bool) *LegacyAuthEngine {
	return &LegacyAuthEngine{
		Credentials:     creds,
		VerifySignature: verify,
	}
}

func (e *LegacyAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, LegacyPrefix) {
		return nil, nil
	}

	accessKey, signature, ok := strings.Cut(strings.TrimSpace(header[len(LegacyPrefix):]), ":")
	if accessKey == "" || (e.VerifySignature && (!ok || signature == "")) {
		return nil, fmt.Errorf("%w: expected AWS <access-key>:<signature>", ErrMalformedAuth)
	}

	cred, err := e.Credentials.LookupCredential(ctx, accessKey)
	if err != nil {
		return nil, err
	}

	if e.VerifySignature {
		expected := LegacySignature(cred.SecretKey, LegacyStringToSign(r))
		if !hmac.Equal([]byte(expected), []byte(signature)) {
			return nil, ErrSignatureInvalid
		}
	}

	return cred.User(), nil
}

// LegacySignature returns base64(HMAC-SHA1(secret, stringToSign)).
func LegacySignature(secret string, stringToSign string) string {
	h := hmac.New(sha1.New, []byte(secret))
	h.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// LegacyStringToSign renders the version 2 string to sign for r.
func LegacyStringToSign(r *http.Request) string {
	date := r.Header.Get("Date")
	if date == "" {
		date = r.Header.Get("X-Amz-Date")
	}

	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteString("\n")
	b.WriteString(r.Header.Get("Content-Md5"))
	b.WriteString("\n")
	b.WriteString(r.Header.Get("Content-Type"))
	b.WriteString("\n")
	b.WriteString(date)
	b.WriteString("\n")
	b.WriteString(canonicalAmzHeaders(r.Header))
	b.WriteString(canonicalResource(r))
	return b.String()
}

func canonicalAmzHeaders(h http.Header) string {
	var names []string
	for name := range h {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-amz-") {
			names = append(names, lower)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		var values []string
		for _, v := range h.Values(name) {
			values = append(values, canonicalHeaderValue(v))
		}
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(strings.Join(values, ","))
		b.WriteString("\n")
	}
	return b.String()
}

func canonicalResource(r *http.Request) string {
	resource := awsURLEncode(r.URL.Path, false)
	if resource == "" {
		resource = "/"
	}

	query := r.URL.Query()
	var keys []string
	for k := range query {
		if legacySubresources[k] {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return resource
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := query.Get(k); v != "" {
			parts = append(parts, k+"="+v)
		} else {
			parts = append(parts, k)
		}
	}
	return resource + "?" + strings.Join(parts, "&")
}
