package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Clients are the pages controlled by a cache version.
type Clients interface {
	// Claim makes the manager control all clients right away,
	// without waiting for them to navigate again.
	Claim(m *Manager)
}

// Manager is the offline cache of one version.
// It reacts to the install, activate and fetch events and owns the bucket
// named after its version.
type Manager struct {
	config     Config
	bucketName string
	storage    cache.Storage
	fetcher    Fetcher
	keyer      cachekey.CacheKeyer
	limiter    *rate.Limiter
	log        zerolog.Logger

	bucketMutex sync.Mutex
	bucket      cache.Bucket

	// background work, i.e. revalidation writes that outlive their request
	background sync.WaitGroup
}

type InstallReport struct {
	Bucket string
	// Keys stored in the bucket.
	Stored []string
	// Install error swallowed because of lenient install.
	Err error
}

type ActivateReport struct {
	Bucket string
	// Names of deleted buckets.
	Deleted []string
	Claimed bool
}

// NewManager creates the cache manager for a version.
func NewManager(config Config) (*Manager, error) {
	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// use global logger if not specified in config
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}

	m := &Manager{
		config:     config,
		bucketName: config.BucketName(),
		storage:    config.Storage,
		fetcher:    config.Fetcher,
		keyer:      cachekey.NewCacheKeyer(&config.Origin),
		limiter:    rate.NewLimiter(config.InstallRate, 1),
	}
	m.log = logger.With().
		Str("bucket", m.bucketName).
		Logger()
	return m, nil
}

func (m *Manager) BucketName() string {
	return m.bucketName
}

func (m *Manager) Version() string {
	return m.config.Version
}

func (m *Manager) Strategy() Strategy {
	return m.config.Strategy
}

func (m *Manager) Storage() cache.Storage {
	return m.storage
}

// Install opens the bucket of this version and pre-caches the manifest.
// All manifest entries are fetched before anything is written; if one of
// them fails, nothing is stored and ErrInstall is returned (or logged only,
// with lenient install).
func (m *Manager) Install(ctx context.Context) (InstallReport, error) {
	report := InstallReport{Bucket: m.bucketName}
	m.log.Info().Int("assets", len(m.config.Manifest)).Msg("Pre-caching manifest")

	err := m.install(ctx, &report)
	if err == nil {
		m.log.Info().Int("stored", len(report.Stored)).Msg("Installed")
		return report, nil
	}

	err = fmt.Errorf("%w: %w", ErrInstall, err)
	m.log.Error().Err(err).Msg("Could not pre-cache manifest")
	if m.config.LenientInstall {
		report.Err = err
		return report, nil
	}
	return report, err
}

func (m *Manager) install(ctx context.Context, report *InstallReport) error {
	bucket, err := m.openBucket(ctx)
	if err != nil {
		return err
	}
	entries, err := m.fetchManifest(ctx)
	if err != nil {
		return err
	}
	if err := bucket.PutAll(ctx, entries); err != nil {
		return fmt.Errorf("store manifest: %w", err)
	}
	for _, entry := range entries {
		report.Stored = append(report.Stored, entry.Key)
	}
	return nil
}

// fetchManifest fetches all manifest entries concurrently.
// The returned entries are in manifest order.
func (m *Manager) fetchManifest(ctx context.Context) ([]cache.Entry, error) {
	entries := make([]cache.Entry, len(m.config.Manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.InstallConcurrency)
	for i, ref := range m.config.Manifest {
		g.Go(func() error {
			entry, err := m.fetchManifestEntry(gctx, ref)
			if err != nil {
				return fmt.Errorf("%s: %w", ref, err)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (m *Manager) fetchManifestEntry(ctx context.Context, ref string) (cache.Entry, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return cache.Entry{}, err
	}
	u, err := m.keyer.Resolve(ref)
	if err != nil {
		return cache.Entry{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return cache.Entry{}, err
	}
	m.log.Trace().Str("url", u.String()).Msg("Fetching manifest entry")
	res, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return cache.Entry{}, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		closeBody(res)
		return cache.Entry{}, fmt.Errorf("bad response status %d", res.StatusCode)
	}
	return m.entry(req, res)
}

// Activate deletes the buckets of all other versions and claims the clients.
// Deletion errors are logged and returned, but neither stop the other
// deletions nor the claim.
func (m *Manager) Activate(ctx context.Context) (ActivateReport, error) {
	report := ActivateReport{Bucket: m.bucketName}
	var errs []error
	names, err := m.storage.Keys(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Could not list buckets")
		errs = append(errs, fmt.Errorf("list buckets: %w", err))
	}
	for _, name := range names {
		if name == m.bucketName {
			continue
		}
		m.log.Info().Str("old", name).Msg("Deleting old cache")
		deleted, err := m.storage.Delete(ctx, name)
		if err != nil {
			m.log.Error().Err(err).Str("old", name).Msg("Could not delete old cache")
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		if deleted {
			report.Deleted = append(report.Deleted, name)
		}
	}
	if m.config.Clients != nil {
		m.config.Clients.Claim(m)
		report.Claimed = true
	}
	return report, errors.Join(errs...)
}

// Wait blocks until all background work has finished.
func (m *Manager) Wait() {
	m.background.Wait()
}

func (m *Manager) goBackground(f func()) {
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		f()
	}()
}

// openBucket returns the bucket of this version.
// The bucket is opened once; later calls reuse the handle, so a manager
// that outlives its version never re-creates its deleted bucket.
func (m *Manager) openBucket(ctx context.Context) (cache.Bucket, error) {
	m.bucketMutex.Lock()
	defer m.bucketMutex.Unlock()
	if m.bucket != nil {
		return m.bucket, nil
	}
	bucket, err := m.storage.Open(ctx, m.bucketName)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", m.bucketName, err)
	}
	m.bucket = bucket
	return bucket, nil
}

// match looks up the stored response for a request.
// Lookup errors are logged and reported as a miss.
func (m *Manager) match(ctx context.Context, bucket cache.Bucket, req *http.Request) (*http.Response, bool) {
	if bucket == nil {
		return nil, false
	}
	key := m.keyer.GetKey(req)
	entry, ok, err := bucket.Match(ctx, key)
	if err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("Could not read from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	stored, err := serializer.BytesToStoredResponse(entry.Bytes, req)
	if err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("Could not read stored response")
		return nil, false
	}
	return stored.Response, true
}

// put stores the response for the request.
// The response body is consumed.
func (m *Manager) put(ctx context.Context, bucket cache.Bucket, req *http.Request, res *http.Response) error {
	if bucket == nil {
		return nil
	}
	entry, err := m.entry(req, res)
	if err != nil {
		return err
	}
	if err := bucket.Put(ctx, entry); err != nil {
		return fmt.Errorf("put %s: %w", entry.Key, err)
	}
	return nil
}

func (m *Manager) entry(req *http.Request, res *http.Response) (cache.Entry, error) {
	defer closeBody(res)
	key := m.keyer.GetKey(req)
	storedAt := time.Now()
	bytes, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: res,
		StoredAt: storedAt,
	})
	if err != nil {
		return cache.Entry{}, fmt.Errorf("serialize %s: %w", key, err)
	}
	m.log.Trace().
		Str("key", key).
		Str("size", humanize.Bytes(uint64(len(bytes)))).
		Msg("Writing to cache")
	return cache.Entry{Key: key, StoredAt: storedAt, Bytes: bytes}, nil
}

func closeBody(res *http.Response) {
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
}
