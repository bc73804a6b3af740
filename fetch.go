package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
)

// Fetcher issues a request to the network.
// An error means the network could not be reached; any HTTP status,
// including errors, is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// ClientFetcher fetches resources with an http.Client.
// Redirects are followed.
type ClientFetcher struct {
	client *http.Client
}

// NewClientFetcher returns a fetcher using the given client,
// or a client with a 30 second timeout if nil.
func NewClientFetcher(client *http.Client) ClientFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return ClientFetcher{client: client}
}

func (f ClientFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f.client.Do(req.WithContext(ctx))
}

// HandlerFetcher uses a handler as the network.
// It is what the cache middleware puts in front of the wrapped handler.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(ctx context.Context, req *http.Request) (res *http.Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res, err = nil, fmt.Errorf("handler panic: %v", rec)
		}
	}()
	req = req.WithContext(ctx)
	rw := tee.NewResponseSaver()
	f.Handler.ServeHTTP(rw, req)
	return rw.Result(req)
}

// hop-by-hop headers, these are not forwarded to the network
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// outgoingRequest turns a request received by the host into a request that
// can be sent to the network, addressed to the given absolute URL.
func outgoingRequest(r *http.Request, target string) (*http.Request, error) {
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		return nil, err
	}
	if r.Body == nil || r.Body == http.NoBody {
		out.Body = http.NoBody
	}
	out.ContentLength = r.ContentLength
	out.Header = r.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	for _, name := range hopHeaders {
		out.Header.Del(name)
	}
	// let the transport negotiate compression, so stored bodies are plain
	out.Header.Del("Accept-Encoding")
	return out, nil
}
