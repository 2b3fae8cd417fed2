// Package transport implements the HTTP transport core (spec.md S4.2,
// C2): typed request variants, AWS SigV4 signing, a shared DNS/client
// cache, bounded retries and cancellable execution. Modeled on
// lib/rest.Opts but split into one struct per HTTP verb, per the
// "CRTP/template request dispatch" re-architecture note in spec.md S9
// ("replace with a closed set of request structs and a method-dispatch
// that sets options and body according to the tag").
package transport

import (
	"io"
	"net/url"

	"github.com/repertory-project/repertory/provider"
)

// HostConfig describes a single backend endpoint (spec.md S4.2).
type HostConfig struct {
	Scheme      string
	Host        string
	Port        int
	BasePath    string
	User        string
	Password    string
	AgentString string

	// S3-specific addressing.
	VirtualHostStyle bool
	RegionInURL      bool
	Bucket           string
	Region           string

	// AWS SigV4, set when this request should be signed.
	AWSService string
	AccessKey  string
	SecretKey  string
}

// defaultPort returns the scheme's default port, used to decide
// whether the port should be omitted from the constructed URL.
func defaultPort(scheme string) int {
	switch scheme {
	case "https":
		return 443
	default:
		return 80
	}
}

// ResponseHandler consumes a successful response body as it streams in.
type ResponseHandler func(data []byte, code int) error

// HeaderSink receives response headers, keys already lowercased.
type HeaderSink map[string]string

// Request is the closed set of request variants the transport
// dispatches on (spec.md S4.2 "Request variants (tagged union)").
type Request interface {
	isRequest()
}

// baseRequest holds the fields shared by every request variant.
type baseRequest struct {
	Path            string
	Query           url.Values
	Range           *provider.Range
	Headers         map[string]string
	ResponseHeaders HeaderSink
	Handler         ResponseHandler
	AllowTimeout    bool
	DecryptionToken string
	DecryptionTotal int64
	DecryptionRange *provider.Range
}

// GetRequest is an HTTP GET.
type GetRequest struct{ baseRequest }

// HeadRequest is an HTTP HEAD.
type HeadRequest struct{ baseRequest }

// DeleteRequest is an HTTP DELETE.
type DeleteRequest struct{ baseRequest }

// PostRequest is an HTTP POST with an optional JSON body.
type PostRequest struct {
	baseRequest
	JSONBody interface{}
}

// PutSource supplies the body of a PutFileRequest: either a local file
// path, a streaming reader (e.g. the C3 encrypting reader), or neither
// for a zero-length body.
type PutSource struct {
	FilePath      string
	Reader        io.Reader
	ContentLength int64
}

// PutFileRequest is an HTTP PUT uploading file content.
type PutFileRequest struct {
	baseRequest
	Source PutSource
}

func (GetRequest) isRequest()     {}
func (HeadRequest) isRequest()    {}
func (DeleteRequest) isRequest()  {}
func (PostRequest) isRequest()    {}
func (PutFileRequest) isRequest() {}
