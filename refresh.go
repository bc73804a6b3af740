package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
)

// Refresh re-fetches every entry of the bucket and overwrites the ones the
// network answers with 200.
// Entries that could not be refreshed are kept, so the cache still works
// offline afterwards.
func (m *Manager) Refresh(ctx context.Context) (int, error) {
	bucket, err := m.openBucket(ctx)
	if err != nil {
		return 0, err
	}
	keys, err := bucket.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list entries: %w", err)
	}
	m.log.Info().Int("entries", len(keys)).Msg("Refreshing cache")

	updated := 0
	var errs []error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		ok, err := m.refreshEntry(ctx, key)
		if err != nil {
			m.log.Error().Err(err).Str("key", key).Msg("Could not refresh cache entry")
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if ok {
			updated++
		}
	}
	m.log.Info().Int("updated", updated).Msg("Cache refreshed")
	return updated, errors.Join(errs...)
}

// refreshEntry updates the stored response identified by the given key.
// Keys of other methods are skipped.
func (m *Manager) refreshEntry(ctx context.Context, key string) (bool, error) {
	req, err := m.keyer.GetRequestFromKey(key)
	if errors.Is(err, cachekey.ErrorMethodNotSupported) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	req = req.WithContext(ctx)

	m.log.Debug().
		Str("url", req.URL.String()).
		Str("key", key).
		Msg("Requesting content from network")
	res, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return false, err
	}
	if res.StatusCode != http.StatusOK {
		closeBody(res)
		m.log.Debug().Str("key", key).Int("status", res.StatusCode).Msg("Keeping stored response")
		return false, nil
	}
	bucket, err := m.openBucket(ctx)
	if err != nil {
		closeBody(res)
		return false, err
	}
	if err := m.put(ctx, bucket, req, res); err != nil {
		return false, err
	}
	return true, nil
}
