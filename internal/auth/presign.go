package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultRegion  = "us-east-1"
	DefaultService = "s3"

	MinPresignExpiry     = 1
	MaxPresignExpiry     = 7 * 24 * 60 * 60
	DefaultPresignExpiry = 3600

	amzDateFormat   = "20060102T150405Z"
	amzDayFormat    = "20060102"
	presignSigParam = "X-Amz-Signature"
)

var ErrInvalidExpiry = errors.New("expiry must be between 1 and 604800 seconds")

// ValidateExpiry reports whether seconds is an acceptable presigned URL
// lifetime.
func ValidateExpiry(seconds int64) error {
	if seconds < MinPresignExpiry || seconds > MaxPresignExpiry {
		return fmt.Errorf("%w: got %d", ErrInvalidExpiry, seconds)
	}
	return nil
}

type PresignRequest struct {
	Method    string
	Endpoint  string
	Bucket    string
	Key       string
	AccessKey string
	SecretKey string
	Expires   time.Duration
	Headers   http.Header
	Query     url.Values
}

// Presigner generates and verifies SigV4 query-string signatures.
type Presigner struct {
	Region  string
	Service string
	Now     func() time.Time
}

func NewPresigner() *Presigner {
	return &Presigner{
		Region:  DefaultRegion,
		Service: DefaultService,
		Now:     time.Now,
	}
}

func (p *Presigner) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now().UTC()
}

// Generate returns a presigned URL for the request. The URL is valid for
// req.Expires from the presigner's current time.
func (p *Presigner) Generate(req PresignRequest) (string, error) {
	seconds := int64(req.Expires / time.Second)
	if err := ValidateExpiry(seconds); err != nil {
		return "", err
	}

	endpoint, err := url.Parse(req.Endpoint)
	if err != nil || endpoint.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q", req.Endpoint)
	}

	path := "/" + req.Bucket
	if req.Key != "" {
		path += "/" + req.Key
	}

	u := *endpoint
	u.Path = strings.TrimSuffix(endpoint.Path, "/") + path
	u.RawPath = awsURLEncode(u.Path, false)

	now := p.now()
	scope := credentialScope{
		AccessKey: req.AccessKey,
		Date:      now.Format(amzDayFormat),
		Region:    p.Region,
		Service:   p.Service,
	}

	headers := req.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	signed := []string{"host"}
	for name := range headers {
		signed = append(signed, strings.ToLower(name))
	}
	sort.Strings(signed)

	query := url.Values{}
	for k, vs := range req.Query {
		query[k] = append([]string(nil), vs...)
	}
	query.Set("X-Amz-Algorithm", AWSv4Algorithm)
	query.Set("X-Amz-Credential", req.AccessKey+"/"+scope.String())
	query.Set("X-Amz-Date", now.Format(amzDateFormat))
	query.Set("X-Amz-Expires", strconv.FormatInt(seconds, 10))
	query.Set("X-Amz-SignedHeaders", strings.Join(signed, ";"))

	rq := &http.Request{
		Method: req.Method,
		URL:    &u,
		Host:   u.Host,
		Header: headers,
	}

	canonicalQS := canonicalQueryValues(query, "")
	canonicalReq := buildCanonicalRequest(rq, canonicalQS, signed, UnsignedPayload)
	signature := HmacSHA256(
		SigningKey(req.SecretKey, scope.Date, scope.Region, scope.Service),
		StringToSign(now.Format(amzDateFormat), scope.String(), canonicalReq),
	)

	u.RawQuery = canonicalQS + "&" + presignSigParam + "=" + hex.EncodeToString(signature)
	return u.String(), nil
}

// IsPresigned reports whether r carries query-string authentication.
func IsPresigned(r *http.Request) bool {
	q := r.URL.Query()
	return q.Has("X-Amz-Algorithm") && q.Has(presignSigParam)
}

// PresignedAccessKey extracts the access key from a presigned request.
func PresignedAccessKey(r *http.Request) (string, error) {
	scope, err := parseCredentialScope(r.URL.Query().Get("X-Amz-Credential"))
	if err != nil {
		return "", err
	}
	return scope.AccessKey, nil
}

// Verify checks the query-string signature of r against secret.
func (p *Presigner) Verify(r *http.Request, secret string) error {
	q := r.URL.Query()

	if q.Get("X-Amz-Algorithm") != AWSv4Algorithm {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedAuth, q.Get("X-Amz-Algorithm"))
	}

	scope, err := parseCredentialScope(q.Get("X-Amz-Credential"))
	if err != nil {
		return err
	}

	amzDate := q.Get("X-Amz-Date")
	signedAt, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return fmt.Errorf("%w: X-Amz-Date %q", ErrMalformedAuth, amzDate)
	}
	if signedAt.Format(amzDayFormat) != scope.Date {
		return fmt.Errorf("%w: credential date does not match X-Amz-Date", ErrMalformedAuth)
	}

	seconds, err := strconv.ParseInt(q.Get("X-Amz-Expires"), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: X-Amz-Expires %q", ErrMalformedAuth, q.Get("X-Amz-Expires"))
	}
	if err := ValidateExpiry(seconds); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedAuth, err)
	}

	if p.now().After(signedAt.Add(time.Duration(seconds) * time.Second)) {
		return ErrRequestExpired
	}

	signed := strings.Split(q.Get("X-Amz-SignedHeaders"), ";")
	payloadHash := q.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = UnsignedPayload
	}

	canonicalReq := buildCanonicalRequest(r, canonicalQueryValues(q, presignSigParam), signed, payloadHash)
	return verifySignature(secret, scope, amzDate, canonicalReq, q.Get(presignSigParam))
}

type PresignAuthEngine struct {
	Credentials CredentialStore
	Presigner   *Presigner
}

func NewPresignAuthEngine(creds CredentialStore, presigner *Presigner) *PresignAuthEngine {
	return &PresignAuthEngine{
		Credentials: creds,
		Presigner:   presigner,
	}
}

// AuthenticateRequest verifies presigned query parameters. Requests without
// them are ignored.
func (e *PresignAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	if !IsPresigned(r) {
		return nil, nil
	}

	accessKey, err := PresignedAccessKey(r)
	if err != nil {
		return nil, err
	}

	cred, err := e.Credentials.LookupCredential(ctx, accessKey)
	if err != nil {
		return nil, err
	}

	if err := e.Presigner.Verify(r, cred.SecretKey); err != nil {
		return nil, err
	}

	return cred.User(), nil
}
