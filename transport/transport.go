package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/repertory-project/repertory/apierr"
	"github.com/repertory-project/repertory/provider"
)

var log = logrus.WithField("component", "transport")

// pollInterval is how often the request loop checks the cancel flag
// while a request is in flight (spec.md S4.2: "polls at >= 50ms
// granularity").
const pollInterval = 50 * time.Millisecond

// dnsCache is process-wide shared state, guarded by a mutex with
// init/teardown refcounting -- the Go rendition of spec.md S4.2's
// "Shared DNS cache is process-wide, guarded by a recursive mutex with
// init/teardown reference counting." A plain sync.Mutex substitutes for
// the recursive mutex: none of our own call paths re-enter Init/Teardown
// while already holding the lock, so recursion was never required, and
// no recursive-mutex type exists in the standard library or anywhere in
// the retrieved corpus (DESIGN.md records this as the one stdlib-only
// exception in C2).
var (
	dnsCacheMu   sync.Mutex
	dnsCache     *gocache.Cache
	dnsCacheRefs int
)

// Init bumps the process-wide DNS cache refcount, creating the cache
// on the first call.
func Init() {
	dnsCacheMu.Lock()
	defer dnsCacheMu.Unlock()
	if dnsCacheRefs == 0 {
		dnsCache = gocache.New(5*time.Minute, 10*time.Minute)
	}
	dnsCacheRefs++
}

// Teardown decrements the refcount, freeing the cache once no caller
// holds a reference.
func Teardown() {
	dnsCacheMu.Lock()
	defer dnsCacheMu.Unlock()
	if dnsCacheRefs > 0 {
		dnsCacheRefs--
	}
	if dnsCacheRefs == 0 {
		dnsCache = nil
	}
}

// Decryptor lets MakeRequest transparently decrypt a byte range read
// from an encrypted object, delegating the chunk math to C3 without C2
// importing the cipher package directly (spec.md S4.2: "the transport
// delegates to the range reader in C3 ... hands the decrypted bytes to
// the response handler"). cipher.Cipher implements this signature.
type Decryptor interface {
	DecryptRange(ctx context.Context, token string, totalSize int64, rng provider.Range, fetch func(provider.Range) ([]byte, error)) ([]byte, error)
}

// Transport is a single HTTP transport core instance (spec.md S4.2,
// C2). One Transport is normally shared by all the requests a single
// provider issues.
type Transport struct {
	client    *http.Client
	decryptor Decryptor
}

// New creates a Transport. It does not call Init/Teardown itself --
// callers own the process-wide DNS cache lifecycle explicitly, per
// spec.md's "explicit init/teardown" design note.
func New(decryptor Decryptor) *Transport {
	return &Transport{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
			},
		},
		decryptor: decryptor,
	}
}

// MakeRequest executes req against hc, returning the HTTP status code
// (0 if the request was cancelled or never reached the wire).
func (t *Transport) MakeRequest(ctx context.Context, hc HostConfig, req Request, cancel <-chan struct{}) (int, error) {
	base := requestBase(req)

	if base.DecryptionToken != "" && base.DecryptionRange != nil && t.decryptor != nil {
		return t.makeDecryptedRequest(ctx, hc, req, cancel)
	}

	httpReq, body, err := t.buildHTTPRequest(ctx, hc, req)
	if err != nil {
		return 0, apierr.Wrap(apierr.InvalidOperation, err)
	}

	pacer := NewPacer(5, time.Second)
	var code int
	err = pacer.Call(func(attempt int) (bool, error) {
		var innerErr error
		code, innerErr = t.execute(ctx, httpReq, body, base, cancel)
		if innerErr != nil && isDNSFailure(innerErr) {
			return true, innerErr
		}
		return false, innerErr
	})
	return code, err
}

func requestBase(req Request) *baseRequest {
	switch r := req.(type) {
	case GetRequest:
		return &r.baseRequest
	case HeadRequest:
		return &r.baseRequest
	case DeleteRequest:
		return &r.baseRequest
	case PostRequest:
		return &r.baseRequest
	case PutFileRequest:
		return &r.baseRequest
	default:
		return &baseRequest{}
	}
}

// buildHTTPRequest constructs the *http.Request and captures the body
// bytes needed for SigV4 signing (small JSON/empty bodies only; file
// uploads stream directly and are signed with an empty payload hash
// per the streaming-upload convention).
func (t *Transport) buildHTTPRequest(ctx context.Context, hc HostConfig, req Request) (*http.Request, []byte, error) {
	base := requestBase(req)

	u, err := BuildURL(hc, base.Path, base.Query)
	if err != nil {
		return nil, nil, err
	}

	var method string
	var bodyReader io.Reader
	var bodyBytes []byte
	var contentLength int64 = -1

	switch r := req.(type) {
	case GetRequest:
		method = http.MethodGet
	case HeadRequest:
		method = http.MethodHead
	case DeleteRequest:
		method = http.MethodDelete
	case PostRequest:
		method = http.MethodPost
		if r.JSONBody != nil {
			bodyBytes = mustJSON(r.JSONBody)
			bodyReader = bytes.NewReader(bodyBytes)
			contentLength = int64(len(bodyBytes))
		}
	case PutFileRequest:
		method = http.MethodPut
		switch {
		case r.Source.Reader != nil:
			bodyReader = r.Source.Reader
			contentLength = r.Source.ContentLength
		case r.Source.FilePath != "":
			f, err := os.Open(r.Source.FilePath)
			if err != nil {
				return nil, nil, err
			}
			info, err := f.Stat()
			if err != nil {
				_ = f.Close()
				return nil, nil, err
			}
			bodyReader = f
			contentLength = info.Size()
		default:
			bodyReader = bytes.NewReader(nil)
			contentLength = 0
		}
	default:
		return nil, nil, fmt.Errorf("transport: unknown request type %T", req)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, nil, err
	}
	if contentLength >= 0 {
		httpReq.ContentLength = contentLength
	}
	for k, v := range base.Headers {
		httpReq.Header.Set(k, v)
	}
	if base.Range != nil {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", base.Range.Begin, base.Range.End))
	}
	if hc.AgentString != "" {
		httpReq.Header.Set("User-Agent", hc.AgentString)
	}
	applyAuth(httpReq, hc, bodyBytes)

	return httpReq, bodyBytes, nil
}

func applyAuth(req *http.Request, hc HostConfig, body []byte) {
	switch {
	case hc.AWSService != "":
		SignSigV4(req, body, hc.AccessKey, hc.SecretKey, hc.Region, hc.AWSService, time.Now())
	case hc.Password != "":
		req.SetBasicAuth(hc.User, hc.Password)
	case hc.User != "":
		req.SetBasicAuth(hc.User, "")
	}
}

// execute runs httpReq inside a cancel-aware poll loop (spec.md S4.2:
// "runs synchronously from the caller's thread but inside a 'multi'
// progress loop that polls at >= 50ms granularity and aborts cleanly
// when cancel_flag becomes true").
func (t *Transport) execute(ctx context.Context, httpReq *http.Request, body []byte, base *baseRequest, cancel <-chan struct{}) (int, error) {
	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := t.client.Do(httpReq.WithContext(reqCtx))
		done <- result{resp, err}
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case res := <-done:
			if res.err != nil {
				return 0, res.err
			}
			return t.consumeResponse(res.resp, base)
		case <-cancel:
			cancelReq()
			<-done
			return 0, apierr.New(apierr.DownloadStopped)
		case <-ticker.C:
			// poll; nothing to do but let the select loop re-evaluate
		}
	}
}

func (t *Transport) consumeResponse(resp *http.Response, base *baseRequest) (int, error) {
	defer func() { _ = resp.Body.Close() }()

	if base.ResponseHeaders != nil {
		for k, v := range resp.Header {
			key := strings.ToLower(strings.TrimSpace(k))
			base.ResponseHeaders[key] = strings.TrimRight(strings.TrimLeft(strings.Join(v, ","), "\r\n"), "\r\n")
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if base.Handler != nil {
		if err := base.Handler(data, resp.StatusCode); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (t *Transport) makeDecryptedRequest(ctx context.Context, hc HostConfig, req Request, cancel <-chan struct{}) (int, error) {
	base := requestBase(req)
	fetch := func(cipherRange provider.Range) ([]byte, error) {
		sub := *base
		sub.Range = &cipherRange
		sub.DecryptionToken = ""
		sub.DecryptionRange = nil
		var captured []byte
		sub.Handler = func(data []byte, code int) error {
			if code < 200 || code >= 300 {
				return apierr.New(apierr.DownloadFailed)
			}
			captured = data
			return nil
		}
		subReq := rebuildWithBase(req, sub)
		_, err := t.MakeRequest(ctx, hc, subReq, cancel)
		if err != nil {
			return nil, err
		}
		return captured, nil
	}

	plain, err := t.decryptor.DecryptRange(ctx, base.DecryptionToken, base.DecryptionTotal, *base.DecryptionRange, fetch)
	if err != nil {
		return 0, err
	}
	if base.Handler != nil {
		if err := base.Handler(plain, 200); err != nil {
			return 0, err
		}
	}
	return 200, nil
}

func rebuildWithBase(req Request, base baseRequest) Request {
	switch req.(type) {
	case GetRequest:
		return GetRequest{base}
	case HeadRequest:
		return HeadRequest{base}
	case DeleteRequest:
		return DeleteRequest{base}
	default:
		return GetRequest{base}
	}
}

func isDNSFailure(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "no such host") ||
		strings.Contains(err.Error(), "dns") ||
		strings.Contains(err.Error(), "lookup")
}

func mustJSON(v interface{}) []byte {
	b, err := marshalJSON(v)
	if err != nil {
		return nil
	}
	return b
}

// StatusCodeToAPIError maps an HTTP status code to an *apierr.APIError
// (nil for 2xx),
// used by providers after MakeRequest returns (spec.md S4.6/S4.7:
// "map HTTP 404 -> item_not_found, 200 -> ...").
func StatusCodeToAPIError(code int) *apierr.APIError {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 404:
		return apierr.New(apierr.ItemNotFound)
	case code >= 500:
		return apierr.New(apierr.CommError)
	default:
		return apierr.New(apierr.Error)
	}
}

// FormatQueryInt formats an integer query parameter value. No provider
// in this repository calls it; S3 sets list-type=2 as a literal string.
func FormatQueryInt(v int) string {
	return strconv.Itoa(v)
}
