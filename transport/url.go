package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildURL constructs "scheme://host[:port]/base/<url-encoded relative>?k=v&..."
// per spec.md S4.2, applying S3 virtual-host-style, path-style and
// region-in-URL addressing rules.
func BuildURL(hc HostConfig, relativePath string, query url.Values) (*url.URL, error) {
	host := hc.Host

	if hc.VirtualHostStyle && hc.Bucket != "" {
		host = hc.Bucket + "." + host
	}
	if hc.RegionInURL && hc.Region != "" {
		labels := strings.SplitN(host, ".", 2)
		if len(labels) == 2 {
			host = labels[0] + "." + hc.Region + "." + labels[1]
		} else {
			host = host + "." + hc.Region
		}
	}

	u := &url.URL{Scheme: hc.Scheme, Host: host}
	if hc.Port != 0 && hc.Port != defaultPort(hc.Scheme) {
		u.Host = fmt.Sprintf("%s:%d", host, hc.Port)
	}

	path := hc.BasePath
	if !hc.VirtualHostStyle && hc.Bucket != "" {
		path = joinPath(path, hc.Bucket)
	}
	path = joinPath(path, relativePath)

	u.Path = cleanLeadingSlash(path)
	u.RawPath = urlEncodePath(u.Path)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u, nil
}

func joinPath(a, b string) string {
	a = strings.TrimSuffix(a, "/")
	b = strings.TrimPrefix(b, "/")
	if a == "" {
		return "/" + b
	}
	if b == "" {
		return a
	}
	return a + "/" + b
}

func cleanLeadingSlash(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// urlEncodePath percent-encodes each path segment, leaving the
// separating slashes intact.
func urlEncodePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
