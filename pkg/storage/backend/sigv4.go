// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/blobsource/pkg/utils"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/minio/sha256-simd"
)

// AWS Signature Version 4, as used for the raw range GET:
// https://docs.aws.amazon.com/AmazonS3/latest/API/sig-v4-header-based-auth.html

const (
	authHeaderV4       = "AWS4-HMAC-SHA256"
	iso8601BasicFormat = "20060102T150405Z"
	iso8601DateFormat  = "20060102"
	signingService     = "s3"

	// hex SHA-256 of the empty string, the payload hash of every GET
	hashedEmptyPayload = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

// requestSigner adds SigV4 authentication headers to req.
type requestSigner interface {
	Sign(ctx context.Context, req *http.Request, creds aws.Credentials, region string, t time.Time) error
}

// sdkSigner delegates to the aws-sdk-go-v2 signer.
type sdkSigner struct {
	signer *v4.Signer
}

func newSDKSigner() sdkSigner {
	return sdkSigner{signer: v4.NewSigner(func(o *v4.SignerOptions) {
		// S3 signs the path exactly as sent
		o.DisableURIPathEscaping = true
	})}
}

func (s sdkSigner) Sign(ctx context.Context, req *http.Request, creds aws.Credentials, region string, t time.Time) error {
	payload := req.Header.Get("X-Amz-Content-Sha256")
	if payload == "" {
		payload = hashedEmptyPayload
		req.Header.Set("X-Amz-Content-Sha256", payload)
	}
	return s.signer.SignHTTP(ctx, creds, req, payload, signingService, region, t)
}

// builtinSigner computes the signature by hand. Every header present on the
// request is signed, plus host.
type builtinSigner struct{}

func (builtinSigner) Sign(ctx context.Context, req *http.Request, creds aws.Credentials, region string, t time.Time) error {
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return fmt.Errorf("sign request: missing credentials")
	}

	t = t.UTC()
	timestamp := t.Format(iso8601BasicFormat)
	date := t.Format(iso8601DateFormat)

	req.Header.Set("X-Amz-Date", timestamp)
	if creds.SessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", creds.SessionToken)
	}
	payload := req.Header.Get("X-Amz-Content-Sha256")
	if payload == "" {
		payload = hashedEmptyPayload
		req.Header.Set("X-Amz-Content-Sha256", payload)
	}

	canonicalHeaders, signedHeaders := buildCanonicalHeaders(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQueryString(req.URL.Query()),
		canonicalHeaders,
		signedHeaders,
		payload,
	}, "\n")

	scope := strings.Join([]string{date, region, signingService, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		authHeaderV4,
		timestamp,
		scope,
		hashHex(canonicalRequest),
	}, "\n")

	key := deriveSigningKey(creds.SecretAccessKey, date, region, signingService)
	signature := hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))

	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		authHeaderV4, creds.AccessKeyID, scope, signedHeaders, signature))
	return nil
}

// buildCanonicalHeaders returns the canonical header block (each line
// newline-terminated) and the semicolon-separated signed header list.
func buildCanonicalHeaders(req *http.Request) (string, string) {
	headers := make(map[string][]string, len(req.Header)+1)
	for name, vals := range req.Header {
		lower := strings.ToLower(name)
		if lower == "authorization" || lower == "user-agent" {
			continue
		}
		headers[lower] = append(headers[lower], vals...)
	}
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	headers["host"] = []string{host}

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		vals := headers[name]
		trimmed := make([]string, len(vals))
		for i, v := range vals {
			trimmed[i] = strings.Join(strings.Fields(v), " ")
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strings.Join(trimmed, ","))
		b.WriteByte('\n')
	}
	return b.String(), strings.Join(names, ";")
}

func canonicalURI(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	return p
}

func canonicalQueryString(query url.Values) string {
	names := make([]string, 0, len(query))
	for k := range query {
		names = append(names, k)
	}
	sort.Strings(names)

	var parts []string
	for _, k := range names {
		vals := append([]string(nil), query[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, uriEncode(k, true)+"="+uriEncode(v, true))
		}
	}
	return strings.Join(parts, "&")
}

// uriEncode percent-encodes everything except the RFC 3986 unreserved set.
// Slashes are kept when encodeSlash is false.
func uriEncode(s string, encodeSlash bool) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
	return b.String()
}

// deriveSigningKey runs the HMAC chain
// "AWS4"+secret -> date -> region -> service -> "aws4_request".
func deriveSigningKey(secretKey, date, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), []byte(date))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func hashHex(s string) string {
	h := utils.Sha256PoolGetHasher()
	defer utils.Sha256PoolPutHasher(h)
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}
