package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = ":"

// CacheKeyer derives bucket keys from requests.
// A key is the request identity: method and absolute URL.
// Relative URLs are resolved against the page origin.
type CacheKeyer struct {
	// Origin of the page the cache belongs to, e.g. http://localhost:8000/
	Origin *url.URL
}

func NewCacheKeyer(origin *url.URL) CacheKeyer {
	return CacheKeyer{Origin: origin}
}

// Resolve returns the absolute URL of a resource identifier.
// Identifiers may be paths relative to the origin (`./`, `index.html`)
// or absolute URLs.
func (c CacheKeyer) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return c.absolute(u), nil
}

func (c CacheKeyer) absolute(u *url.URL) *url.URL {
	if !u.IsAbs() && c.Origin != nil {
		u = c.Origin.ResolveReference(u)
	}
	// fragments never reach the network
	if u.Fragment != "" || u.RawFragment != "" {
		clone := *u
		clone.Fragment = ""
		clone.RawFragment = ""
		u = &clone
	}
	return u
}

// GetKey returns the cache key for a request.
func (c CacheKeyer) GetKey(r *http.Request) string {
	return c.MethodPrefix(r.Method) + c.URL(r).String()
}

// URL returns the absolute URL a request is addressed to.
// Requests received by a server only carry the path; they are addressed
// to the page origin whatever Host they were sent to.
func (c CacheKeyer) URL(r *http.Request) *url.URL {
	u := *r.URL
	return c.absolute(&u)
}

// MethodPrefix gets the key prefix for all requests with the given method.
func (c CacheKeyer) MethodPrefix(method string) string {
	return method + methodSeparator
}

// SameOrigin checks whether the URL has the same scheme, host and port as the page origin.
func (c CacheKeyer) SameOrigin(u *url.URL) bool {
	if c.Origin == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, c.Origin.Scheme) &&
		strings.EqualFold(hostPort(u), hostPort(c.Origin))
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return u.Hostname() + ":80"
	case "https":
		return u.Hostname() + ":443"
	}
	return u.Host
}

// GetRequestFromKey generates a request that results in the provided key.
// Only GET keys can be turned back into requests.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}
