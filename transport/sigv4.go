package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// signingKey derives the SigV4 signing key from
// (secretKey, date, region, service), per spec.md S4.2:
// "signing key derived from (access_key, secret_key, region, 's3')".
// The access key itself identifies the credential in the Authorization
// header; it doesn't feed the HMAC chain (standard SigV4).
func signingKey(secretKey, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	_, _ = h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SignSigV4 signs req for the given host/service/region/credentials,
// setting the Authorization, X-Amz-Date and X-Amz-Content-Sha256
// headers in place. now is passed in explicitly (rather than read from
// time.Now) so the signature is a pure function of its inputs, which
// matters for request retries that must re-sign identically.
func SignSigV4(req *http.Request, body []byte, accessKey, secretKey, region, service string, now time.Time) {
	amzDate := now.UTC().Format("20060102T150405Z")
	dateStamp := now.UTC().Format("20060102")

	req.Header.Set("X-Amz-Date", amzDate)
	payloadHash := sha256Hex(body)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}

	canonicalHeaders, signedHeaders := canonicalizeHeaders(req.Header, req.URL.Host)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL.Path),
		canonicalQuery(req.URL.Query()),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := strings.Join([]string{dateStamp, region, service, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	key := signingKey(secretKey, dateStamp, region, service)
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	authHeader := fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		accessKey, credentialScope, signedHeaders, signature,
	)
	req.Header.Set("Authorization", authHeader)
}

func canonicalURI(p string) string {
	if p == "" {
		return "/"
	}
	return urlEncodePath(p)
}

func canonicalQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		vals := append([]string{}, q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func canonicalizeHeaders(h http.Header, host string) (canonical, signed string) {
	set := map[string]string{"host": host}
	for k, v := range h {
		lk := strings.ToLower(k)
		if lk == "authorization" {
			continue
		}
		set[lk] = strings.Join(v, ",")
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var cb strings.Builder
	for _, k := range keys {
		cb.WriteString(k)
		cb.WriteString(":")
		cb.WriteString(strings.TrimSpace(set[k]))
		cb.WriteString("\n")
	}
	return cb.String(), strings.Join(keys, ";")
}
