package offlinecache

import (
	"context"
	"fmt"
	"net/http"

	"github.com/always-cache/offline-cache/cache"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FetchEvent is a request made by a controlled page.
type FetchEvent struct {
	ID string
	// Request addressed to its absolute URL, ready to be sent to the network.
	Request *http.Request
}

// Source tells where a response came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
)

// FetchResult is the outcome of a fetch event.
// Requests that are not intercepted must be sent to the network untouched.
type FetchResult struct {
	Intercepted bool
	Response    *http.Response
	Source      Source
	// Whether the network response was stored before it was returned.
	// Always false for stale-while-revalidate, which stores in the background.
	Stored bool
}

// NewFetchEvent creates the fetch event for a request received by a host.
// Path-only requests are addressed to the page origin.
func (m *Manager) NewFetchEvent(r *http.Request) (FetchEvent, error) {
	target := m.keyer.URL(r)
	req, err := outgoingRequest(r, target.String())
	if err != nil {
		return FetchEvent{}, err
	}
	return FetchEvent{ID: uuid.NewString(), Request: req}, nil
}

// HandleFetch answers a fetch event with the configured strategy.
// Only GET requests are intercepted; others never touch the cache.
func (m *Manager) HandleFetch(ctx context.Context, ev FetchEvent) (FetchResult, error) {
	req := ev.Request
	if req.Method != http.MethodGet {
		return FetchResult{}, nil
	}
	log := m.log.With().Str("event", ev.ID).Str("url", req.URL.String()).Logger()
	switch m.config.Strategy {
	case StrategyCacheFirst:
		if !m.keyer.SameOrigin(req.URL) {
			log.Trace().Msg("Not intercepting cross-origin request")
			return FetchResult{}, nil
		}
		return m.cacheFirst(ctx, req, log)
	default:
		return m.staleWhileRevalidate(ctx, req, log)
	}
}

// staleWhileRevalidate answers from the cache if possible and refreshes the
// cached response from the network in the background.
func (m *Manager) staleWhileRevalidate(ctx context.Context, req *http.Request, log zerolog.Logger) (FetchResult, error) {
	result := FetchResult{Intercepted: true}
	bucket, err := m.openBucket(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Cache unavailable, using network only")
	}
	res, source, err := m.raceCacheNetwork(ctx, bucket, req, log)
	if err != nil {
		return result, err
	}
	log.Debug().Str("source", string(source)).Int("status", res.StatusCode).Msg("Responding")
	result.Response = res
	result.Source = source
	return result, nil
}

// cacheFirst answers from the cache and only asks the network on a miss.
// When the network fails, the offline fallback document is served.
func (m *Manager) cacheFirst(ctx context.Context, req *http.Request, log zerolog.Logger) (FetchResult, error) {
	result := FetchResult{Intercepted: true}
	bucket, err := m.openBucket(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Cache unavailable, using network only")
	}

	if res, ok := m.match(ctx, bucket, req); ok {
		log.Debug().Msg("Responding from cache")
		result.Response = res
		result.Source = SourceCache
		return result, nil
	}

	res, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("Network request failed, trying offline fallback")
		if fallback, ok := m.fallback(ctx, bucket); ok {
			result.Response = fallback
			result.Source = SourceFallback
			return result, nil
		}
		return result, fmt.Errorf("%w: %w", ErrOffline, err)
	}

	result.Response = res
	result.Source = SourceNetwork
	if res.StatusCode == http.StatusOK && m.basic(res) {
		stored, err := serializer.Clone(res)
		if err == nil {
			err = m.put(ctx, bucket, req, stored)
		}
		if err != nil {
			log.Error().Err(err).Msg("Could not store network response")
		} else {
			result.Stored = bucket != nil
		}
	}
	log.Debug().Int("status", res.StatusCode).Bool("stored", result.Stored).Msg("Responding from network")
	return result, nil
}

// fallback returns the stored offline document.
func (m *Manager) fallback(ctx context.Context, bucket cache.Bucket) (*http.Response, bool) {
	u, err := m.keyer.Resolve(m.config.Fallback)
	if err != nil {
		m.log.Error().Err(err).Str("fallback", m.config.Fallback).Msg("Invalid fallback")
		return nil, false
	}
	fallbackReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, false
	}
	return m.match(ctx, bucket, fallbackReq)
}

// basic checks that a response is a same-origin response, i.e. it was not
// redirected to another origin.
func (m *Manager) basic(res *http.Response) bool {
	if res.Request == nil || res.Request.URL == nil {
		return true
	}
	return m.keyer.SameOrigin(res.Request.URL)
}
