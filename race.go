package offlinecache

import (
	"context"
	"fmt"
	"net/http"

	"github.com/always-cache/offline-cache/cache"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

type lookupResult struct {
	res *http.Response
	ok  bool
}

type networkResult struct {
	res *http.Response
	err error
}

// raceCacheNetwork runs the cache lookup and the network request as two
// independent tasks, the lookup issued first.
//
// The response comes from the first non-empty source in issue order: a cached
// response wins, otherwise the network answer is used. Whichever is returned,
// the network answer is awaited in the background and stored if it is a 200.
// Neither the background wait nor the write are cancelled with ctx.
func (m *Manager) raceCacheNetwork(ctx context.Context, bucket cache.Bucket, req *http.Request, log zerolog.Logger) (*http.Response, Source, error) {
	lookup := make(chan lookupResult, 1)
	go func() {
		res, ok := m.match(ctx, bucket, req)
		lookup <- lookupResult{res, ok}
	}()

	// buffered, so the revalidation never blocks on a caller that left
	network := make(chan networkResult, 1)
	bg := context.WithoutCancel(ctx)
	m.goBackground(func() {
		m.revalidate(bg, bucket, req, log, func(r networkResult) { network <- r })
	})

	var cached lookupResult
	select {
	case cached = <-lookup:
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
	if cached.ok {
		return cached.res, SourceCache, nil
	}

	select {
	case fetched := <-network:
		if fetched.err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrOffline, fetched.err)
		}
		return fetched.res, SourceNetwork, nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// revalidate fetches the request from the network and stores a 200 response.
// The network answer is delivered before it is stored; the delivered response
// has its own body, independent of the stored copy.
func (m *Manager) revalidate(ctx context.Context, bucket cache.Bucket, req *http.Request, log zerolog.Logger, deliver func(networkResult)) {
	res, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("Network request failed, the cached response is used if there is one")
		deliver(networkResult{err: err})
		return
	}
	// buffering closes the network body, also when nobody waits for it
	stored, err := serializer.Clone(res)
	if err != nil {
		deliver(networkResult{err: err})
		return
	}
	deliver(networkResult{res: res})
	if res.StatusCode != http.StatusOK {
		return
	}
	if err := m.put(ctx, bucket, req, stored); err != nil {
		log.Error().Err(err).Msg("Could not update cache")
	} else {
		log.Trace().Msg("Cache updated from network")
	}
}
