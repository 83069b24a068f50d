package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const (
	AWSv4Prefix     = "AWS4-HMAC-SHA256 "
	AWSv4Algorithm  = "AWS4-HMAC-SHA256"
	AWSv4Terminator = "aws4_request"

	UnsignedPayload = "UNSIGNED-PAYLOAD"
)

type AwsHmacAuthEngine struct {
	Credentials CredentialStore
}

// NewAwsHmacAuthEngine creates a new AwsHmacAuthEngine that resolves secrets
// through the given credential store.
func NewAwsHmacAuthEngine(creds CredentialStore) *AwsHmacAuthEngine {
	return &AwsHmacAuthEngine{
		Credentials: creds,
	}
}

func awsURLEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		if c == '/' && !encodeSlash {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

func canonicalQueryValues(values url.Values, exclude string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == exclude {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, awsURLEncode(k, true)+"="+awsURLEncode(v, true))
		}
	}

	return strings.Join(parts, "&")
}

func canonicalQueryString(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	return canonicalQueryValues(u.Query(), "")
}

func canonicalHeaderValue(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	fields := strings.Fields(v)
	return strings.Join(fields, " ")
}

// BuildCanonicalRequest renders the SigV4 canonical request for r using the
// full query string.
func BuildCanonicalRequest(r *http.Request, signedHeaderNames []string, payloadHash string) string {
	return buildCanonicalRequest(r, canonicalQueryString(r.URL), signedHeaderNames, payloadHash)
}

func buildCanonicalRequest(r *http.Request, canonicalQS string, signedHeaderNames []string, payloadHash string) string {
	canonicalURI := awsURLEncode(r.URL.Path, false)
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	// Headers
	lowerNames := make([]string, 0, len(signedHeaderNames))
	for _, h := range signedHeaderNames {
		name := strings.ToLower(strings.TrimSpace(h))
		if name == "" {
			continue
		}
		lowerNames = append(lowerNames, name)
	}

	var hdrBuilder strings.Builder
	for _, name := range lowerNames {
		var value string
		if name == "host" {
			value = r.Host
			if value == "" {
				value = r.URL.Host
			}
		} else {
			value = strings.Join(r.Header.Values(name), ",")
		}
		value = canonicalHeaderValue(value)
		hdrBuilder.WriteString(name)
		hdrBuilder.WriteString(":")
		hdrBuilder.WriteString(value)
		hdrBuilder.WriteString("\n")
	}
	canonicalHeaders := hdrBuilder.String()
	canonicalSignedHeaders := strings.Join(lowerNames, ";")

	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteString("\n")
	b.WriteString(canonicalURI)
	b.WriteString("\n")
	b.WriteString(canonicalQS)
	b.WriteString("\n")
	b.WriteString(canonicalHeaders)
	b.WriteString("\n")
	b.WriteString(canonicalSignedHeaders)
	b.WriteString("\n")
	b.WriteString(payloadHash)

	return b.String()
}

func HmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// SigningKey derives the SigV4 signing key for one day, region and service.
func SigningKey(secret string, dateStamp string, region string, service string) []byte {
	kSecret := []byte("AWS4" + secret)
	kDate := HmacSHA256(kSecret, dateStamp)
	kRegion := HmacSHA256(kDate, region)
	kService := HmacSHA256(kRegion, service)
	return HmacSHA256(kService, AWSv4Terminator)
}

// StringToSign renders the SigV4 string to sign for a canonical request.
func StringToSign(amzDate string, credentialScope string, canonicalRequest string) string {
	crHash := sha256.Sum256([]byte(canonicalRequest))

	var b strings.Builder
	b.WriteString(AWSv4Algorithm)
	b.WriteString("\n")
	b.WriteString(amzDate)
	b.WriteString("\n")
	b.WriteString(credentialScope)
	b.WriteString("\n")
	b.WriteString(hex.EncodeToString(crHash[:]))
	return b.String()
}

type credentialScope struct {
	AccessKey string
	Date      string
	Region    string
	Service   string
}

func (c credentialScope) String() string {
	return strings.Join([]string{c.Date, c.Region, c.Service, AWSv4Terminator}, "/")
}

func parseCredentialScope(s string) (credentialScope, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 5 {
		return credentialScope{}, fmt.Errorf("%w: credential %q", ErrMalformedAuth, s)
	}
	if parts[4] != AWSv4Terminator || parts[0] == "" || parts[2] == "" || parts[3] == "" || len(parts[1]) != 8 {
		return credentialScope{}, fmt.Errorf("%w: credential %q", ErrMalformedAuth, s)
	}
	return credentialScope{
		AccessKey: parts[0],
		Date:      parts[1],
		Region:    parts[2],
		Service:   parts[3],
	}, nil
}

func verifySignature(secret string, scope credentialScope, amzDate string, canonicalReq string, signatureHex string) error {
	signature := HmacSHA256(SigningKey(secret, scope.Date, scope.Region, scope.Service), StringToSign(amzDate, scope.String(), canonicalReq))

	decodedSignature, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrSignatureInvalid)
	}

	if !hmac.Equal(signature, decodedSignature) {
		return ErrSignatureInvalid
	}
	return nil
}

// AuthenticateRequest checks the Authorization header for a valid SigV4
// signature. Requests using a different scheme are ignored.
func (e *AwsHmacAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, AWSv4Prefix) {
		return nil, nil
	}
	params := strings.TrimSpace(strings.TrimPrefix(auth, AWSv4Prefix))
	parts := strings.Split(params, ",")
	kv := make(map[string]string, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		idx := strings.IndexByte(p, '=')
		if idx <= 0 {
			continue
		}
		k := p[:idx]
		v := p[idx+1:]
		kv[k] = strings.TrimSpace(v)
	}

	credStr, okCred := kv["Credential"]
	signedHeadersStr, okSigned := kv["SignedHeaders"]
	signatureHex, okSig := kv["Signature"]
	if !okCred || !okSigned || !okSig {
		return nil, fmt.Errorf("%w: missing Credential, SignedHeaders or Signature", ErrMalformedAuth)
	}

	scope, err := parseCredentialScope(credStr)
	if err != nil {
		return nil, err
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		return nil, fmt.Errorf("%w: missing X-Amz-Date", ErrMalformedAuth)
	}
	if !strings.HasPrefix(amzDate, scope.Date) {
		return nil, fmt.Errorf("%w: credential date does not match X-Amz-Date", ErrMalformedAuth)
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		return nil, fmt.Errorf("%w: missing X-Amz-Content-Sha256", ErrMalformedAuth)
	}

	cred, err := e.Credentials.LookupCredential(ctx, scope.AccessKey)
	if err != nil {
		return nil, err
	}

	signedHeaderNames := strings.Split(signedHeadersStr, ";")
	canonicalReq := BuildCanonicalRequest(r, signedHeaderNames, payloadHash)

	if err := verifySignature(cred.SecretKey, scope, amzDate, canonicalReq, signatureHex); err != nil {
		return nil, err
	}

	return cred.User(), nil
}
