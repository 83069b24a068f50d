package auth_test

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"depot/internal/auth"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/require"
)

const (
	AccessKeyID     = "minioadmin"
	SecretAccessKey = "minioadmin"
)

var signedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func testCredentials() *auth.StaticCredentials {
	return auth.NewStaticCredentials(auth.Credential{
		AccessKey: AccessKeyID,
		SecretKey: SecretAccessKey,
		UserID:    7,
		Username:  "admin",
	})
}

func signRequestSigV4(t *testing.T, r *http.Request) {
	t.Helper()

	const (
		region  = "us-east-1"
		service = "s3"
	)

	amzDate := signedAt.Format("20060102T150405Z")
	dateStamp := signedAt.Format("20060102")

	if r.Host == "" && r.URL.Host != "" {
		r.Host = r.URL.Host
	}

	if r.Header.Get("X-Amz-Content-Sha256") == "" {
		r.Header.Set("X-Amz-Content-Sha256", auth.UnsignedPayload)
	}
	r.Header.Set("X-Amz-Date", amzDate)

	signedHeaders := []string{"host", "x-amz-content-sha256", "x-amz-date"}
	canonicalReq := auth.BuildCanonicalRequest(r, signedHeaders, r.Header.Get("X-Amz-Content-Sha256"))

	credentialScope := strings.Join([]string{dateStamp, region, service, "aws4_request"}, "/")
	stringToSign := auth.StringToSign(amzDate, credentialScope, canonicalReq)

	sig := auth.HmacSHA256(auth.SigningKey(SecretAccessKey, dateStamp, region, service), stringToSign)

	cred := strings.Join([]string{AccessKeyID, dateStamp, region, service, "aws4_request"}, "/")
	header := strings.Join([]string{
		"AWS4-HMAC-SHA256 Credential=" + cred,
		"SignedHeaders=host;x-amz-content-sha256;x-amz-date",
		"Signature=" + hex.EncodeToString(sig),
	}, ", ")

	r.Header.Set("Authorization", header)
}

func TestRequireAuthentication_AWSSigV4_Succeeds(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(testCredentials())
	require.NotNil(t, e, "expected AWS HMAC auth engine to be created")

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket/some%20key", nil)
	signRequestSigV4(t, req)

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err, "expected AWS SigV4 authentication to succeed")
	require.NotNil(t, user, "expected non-nil user from successful AWS SigV4 authentication")
	require.Equal(t, int64(7), user.ID, "user id")
	require.Equal(t, AccessKeyID, user.AccessKeyID, "access key")
}

func TestRequireAuthentication_AWSSigV4_InvalidSignature(t *testing.T) {

	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(testCredentials())
	require.NotNil(t, e, "expected AWS HMAC auth engine to be created")

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket", nil)
	signRequestSigV4(t, req)

	// Corrupt the signature.
	req.Header.Set("Authorization", req.Header.Get("Authorization")+"0")

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrSignatureInvalid, "expected AWS SigV4 authentication to fail with invalid signature")
	require.Nil(t, user, "expected nil user from failed AWS SigV4 authentication")
}

func TestRequireAuthentication_AWSSigV4_TamperedRequest(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(testCredentials())

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket", nil)
	signRequestSigV4(t, req)
	req.URL.Path = "/other-bucket"

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrSignatureInvalid, "a changed path must invalidate the signature")
	require.Nil(t, user)
}

func TestRequireAuthentication_AWSSigV4_UnknownAccessKey(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(auth.NewStaticCredentials())

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket", nil)
	signRequestSigV4(t, req)

	_, err := e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrAccessKeyNotFound, "expected unknown access key")
}

func TestRequireAuthentication_AWSSigV4_IgnoresOtherSchemes(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(testCredentials())

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket", nil)
	req.SetBasicAuth(AccessKeyID, SecretAccessKey)

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err, "engine should not apply")
	require.Nil(t, user, "engine should not apply")
}

func TestBasicAuthEngine(t *testing.T) {
	t.Parallel()

	e := auth.NewBasicAuthEngine(testCredentials())

	tests := []struct {
		name    string
		secret  string
		wantErr error
	}{
		{name: "valid", secret: SecretAccessKey},
		{name: "wrong secret", secret: "nope", wantErr: auth.ErrSignatureInvalid},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
			req.SetBasicAuth(AccessKeyID, tc.secret)

			user, err := e.AuthenticateRequest(t.Context(), req)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				require.Nil(t, user)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "admin", user.Username)
		})
	}
}

func TestLegacyAuthEngine(t *testing.T) {
	t.Parallel()

	newRequest := func(t *testing.T) *http.Request {
		req := httptest.NewRequestWithContext(t.Context(), http.MethodPut, "http://example.com/photos/puppy.jpg?uploadId=abc&partNumber=2&foo=bar", nil)
		req.Header.Set("Date", "Tue, 27 Mar 2007 21:15:45 +0000")
		req.Header.Set("Content-Type", "image/jpeg")
		req.Header.Set("X-Amz-Meta-Owner", "  rover ")
		return req
	}

	t.Run("string to sign", func(t *testing.T) {
		t.Parallel()

		want := "PUT\n\nimage/jpeg\nTue, 27 Mar 2007 21:15:45 +0000\nx-amz-meta-owner:rover\n/photos/puppy.jpg?partNumber=2&uploadId=abc"
		require.Equal(t, want, auth.LegacyStringToSign(newRequest(t)))
	})

	t.Run("valid signature", func(t *testing.T) {
		t.Parallel()

		req := newRequest(t)
		sig := auth.LegacySignature(SecretAccessKey, auth.LegacyStringToSign(req))
		req.Header.Set("Authorization", "AWS "+AccessKeyID+":"+sig)

		user, err := auth.NewLegacyAuthEngine(testCredentials(), true).AuthenticateRequest(t.Context(), req)
		require.NoError(t, err)
		require.NotNil(t, user)
	})

	t.Run("bad signature", func(t *testing.T) {
		t.Parallel()

		req := newRequest(t)
		req.Header.Set("Authorization", "AWS "+AccessKeyID+":bm90IGEgc2lnbmF0dXJl")

		_, err := auth.NewLegacyAuthEngine(testCredentials(), true).AuthenticateRequest(t.Context(), req)
		require.ErrorIs(t, err, auth.ErrSignatureInvalid)
	})

	t.Run("key only when unverified", func(t *testing.T) {
		t.Parallel()

		req := newRequest(t)
		req.Header.Set("Authorization", "AWS "+AccessKeyID+":bm90IGEgc2lnbmF0dXJl")

		user, err := auth.NewLegacyAuthEngine(testCredentials(), false).AuthenticateRequest(t.Context(), req)
		require.NoError(t, err)
		require.NotNil(t, user)
	})

	t.Run("bare access key when unverified", func(t *testing.T) {
		t.Parallel()

		req := newRequest(t)
		req.Header.Set("Authorization", "AWS "+AccessKeyID)

		user, err := auth.NewLegacyAuthEngine(testCredentials(), false).AuthenticateRequest(t.Context(), req)
		require.NoError(t, err)
		require.NotNil(t, user)
	})

	t.Run("empty access key when unverified", func(t *testing.T) {
		t.Parallel()

		req := newRequest(t)
		req.Header.Set("Authorization", "AWS :sig")

		_, err := auth.NewLegacyAuthEngine(testCredentials(), false).AuthenticateRequest(t.Context(), req)
		require.ErrorIs(t, err, auth.ErrMalformedAuth)
	})

	t.Run("malformed", func(t *testing.T) {
		t.Parallel()

		req := newRequest(t)
		req.Header.Set("Authorization", "AWS "+AccessKeyID)

		_, err := auth.NewLegacyAuthEngine(testCredentials(), true).AuthenticateRequest(t.Context(), req)
		require.ErrorIs(t, err, auth.ErrMalformedAuth)
	})
}

func TestCompoundAuthEngine(t *testing.T) {
	t.Parallel()

	creds := testCredentials()
	e := auth.NewCompoundAuthEngine(
		auth.NewAwsHmacAuthEngine(creds),
		auth.NewBasicAuthEngine(creds),
	)

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	req.SetBasicAuth(AccessKeyID, SecretAccessKey)
	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, user)

	req = httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	_, err = e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrNoCredentials, "anonymous requests are rejected")

	req = httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	req.SetBasicAuth(AccessKeyID, "wrong")
	_, err = e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrSignatureInvalid, "the applicable engine's error is reported")
}

func fixedPresigner(now time.Time) *auth.Presigner {
	p := auth.NewPresigner()
	p.Now = func() time.Time { return now }
	return p
}

func presign(t *testing.T, p *auth.Presigner, method string, key string, expires time.Duration) string {
	t.Helper()

	u, err := p.Generate(auth.PresignRequest{
		Method:    method,
		Endpoint:  "http://localhost:9000",
		Bucket:    "photos",
		Key:       key,
		AccessKey: AccessKeyID,
		SecretKey: SecretAccessKey,
		Expires:   expires,
	})
	require.NoError(t, err, "Generate error")
	return u
}

func TestPresignerGenerateAndVerify(t *testing.T) {
	t.Parallel()

	p := fixedPresigner(signedAt)
	u := presign(t, p, http.MethodGet, "holiday/beach day.jpg", time.Hour)

	parsed, err := url.Parse(u)
	require.NoError(t, err)
	q := parsed.Query()
	require.Equal(t, "AWS4-HMAC-SHA256", q.Get("X-Amz-Algorithm"))
	require.Equal(t, AccessKeyID+"/20250101/us-east-1/s3/aws4_request", q.Get("X-Amz-Credential"))
	require.Equal(t, "20250101T000000Z", q.Get("X-Amz-Date"))
	require.Equal(t, "3600", q.Get("X-Amz-Expires"))
	require.Equal(t, "host", q.Get("X-Amz-SignedHeaders"))
	require.Len(t, q.Get("X-Amz-Signature"), 64)

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, u, nil)
	require.True(t, auth.IsPresigned(req))
	require.NoError(t, p.Verify(req, SecretAccessKey), "fresh URL should verify")

	require.ErrorIs(t, p.Verify(req, "other-secret"), auth.ErrSignatureInvalid, "wrong secret")

	wrongMethod := httptest.NewRequestWithContext(t.Context(), http.MethodDelete, u, nil)
	require.ErrorIs(t, p.Verify(wrongMethod, SecretAccessKey), auth.ErrSignatureInvalid, "method is signed")
}

func TestPresignerExpiry(t *testing.T) {
	t.Parallel()

	u := presign(t, fixedPresigner(signedAt), http.MethodGet, "a.txt", time.Minute)
	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, u, nil)

	require.NoError(t, fixedPresigner(signedAt.Add(time.Minute)).Verify(req, SecretAccessKey), "valid at the boundary")
	require.ErrorIs(t, fixedPresigner(signedAt.Add(time.Minute+time.Second)).Verify(req, SecretAccessKey), auth.ErrRequestExpired)
}

func TestPresignerTamperedExpiry(t *testing.T) {
	t.Parallel()

	u := presign(t, fixedPresigner(signedAt), http.MethodGet, "a.txt", time.Minute)
	u = strings.Replace(u, "X-Amz-Expires=60", "X-Amz-Expires=600", 1)

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, u, nil)
	require.ErrorIs(t, fixedPresigner(signedAt).Verify(req, SecretAccessKey), auth.ErrSignatureInvalid)
}

func TestValidateExpiry(t *testing.T) {
	t.Parallel()

	for _, seconds := range []int64{1, 3600, 604800} {
		require.NoErrorf(t, auth.ValidateExpiry(seconds), "expiry %d", seconds)
	}
	for _, seconds := range []int64{0, -5, 604801} {
		require.ErrorIsf(t, auth.ValidateExpiry(seconds), auth.ErrInvalidExpiry, "expiry %d", seconds)
	}

	_, err := fixedPresigner(signedAt).Generate(auth.PresignRequest{
		Method:   http.MethodGet,
		Endpoint: "http://localhost:9000",
		Bucket:   "photos",
		Key:      "a",
		Expires:  8 * 24 * time.Hour,
	})
	require.ErrorIs(t, err, auth.ErrInvalidExpiry)
}

func TestPresignAuthEngineAcceptsMinioURLs(t *testing.T) {
	t.Parallel()

	client, err := minio.New("localhost:9000", &minio.Options{
		Creds:        credentials.NewStaticV4(AccessKeyID, SecretAccessKey, ""),
		Region:       "us-east-1",
		BucketLookup: minio.BucketLookupPath,
	})
	require.NoError(t, err, "creating minio client")

	u, err := client.PresignedGetObject(context.Background(), "photos", "dir/cat picture.png", 10*time.Minute, nil)
	require.NoError(t, err, "minio presign")

	e := auth.NewPresignAuthEngine(testCredentials(), auth.NewPresigner())
	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, u.String(), nil)

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err, "minio presigned URL should verify")
	require.NotNil(t, user)
}

func TestUserContext(t *testing.T) {
	t.Parallel()

	require.Nil(t, auth.UserFromContext(t.Context()))

	ctx := auth.WithUser(t.Context(), &auth.User{ID: 3})
	require.Equal(t, int64(3), auth.UserFromContext(ctx).ID)
}
