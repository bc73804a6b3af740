package offlinecache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// fakeOrigin serves fixed bodies by path and counts requests.
type fakeOrigin struct {
	*httptest.Server
	mutex    sync.Mutex
	bodies   map[string]string
	requests map[string]int
}

func newFakeOrigin(t *testing.T, bodies map[string]string) *fakeOrigin {
	o := &fakeOrigin{bodies: bodies, requests: map[string]int{}}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mutex.Lock()
		body, ok := o.bodies[r.URL.Path]
		o.requests[r.URL.Path]++
		o.mutex.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(body))
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *fakeOrigin) set(path, body string) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.bodies[path] = body
}

func (o *fakeOrigin) remove(path string) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	delete(o.bodies, path)
}

func (o *fakeOrigin) count(path string) int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.requests[path]
}

func (o *fakeOrigin) origin(t *testing.T) url.URL {
	u, err := url.Parse(o.URL + "/")
	require.NoError(t, err)
	return *u
}

// recordingStorage counts every access to the buckets it opens.
type recordingStorage struct {
	cache.Storage
	opens  atomic.Int32
	reads  atomic.Int32
	writes atomic.Int32
}

func newRecordingStorage() *recordingStorage {
	return &recordingStorage{Storage: cache.NewMemStorage()}
}

func (s *recordingStorage) Open(ctx context.Context, name string) (cache.Bucket, error) {
	s.opens.Add(1)
	b, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return recordingBucket{Bucket: b, storage: s}, nil
}

func (s *recordingStorage) touched() int32 {
	return s.opens.Load() + s.reads.Load() + s.writes.Load()
}

type recordingBucket struct {
	cache.Bucket
	storage *recordingStorage
}

func (b recordingBucket) Match(ctx context.Context, key string) (cache.Entry, bool, error) {
	b.storage.reads.Add(1)
	return b.Bucket.Match(ctx, key)
}

func (b recordingBucket) Put(ctx context.Context, entry cache.Entry) error {
	b.storage.writes.Add(1)
	return b.Bucket.Put(ctx, entry)
}

func (b recordingBucket) PutAll(ctx context.Context, entries []cache.Entry) error {
	b.storage.writes.Add(1)
	return b.Bucket.PutAll(ctx, entries)
}

type mockFetcher struct {
	mock.Mock
}

func (f *mockFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	args := f.Called(ctx, req)
	res, _ := args.Get(0).(*http.Response)
	return res, args.Error(1)
}

type recordingClients struct {
	claimed []*Manager
}

func (c *recordingClients) Claim(m *Manager) {
	c.claimed = append(c.claimed, m)
}

var errNetwork = errors.New("connection refused")

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		Status:        http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

func testConfig(origin url.URL, manifest ...string) Config {
	logger := zerolog.Nop()
	return Config{
		Name:     "pedrova-jizda-cache",
		Version:  "v2",
		Origin:   origin,
		Manifest: manifest,
		Logger:   &logger,
	}
}

func newTestManager(t *testing.T, config Config) *Manager {
	m, err := NewManager(config)
	require.NoError(t, err)
	t.Cleanup(m.Wait)
	return m
}

func fetchEvent(t *testing.T, m *Manager, method, target string) FetchEvent {
	ev, err := m.NewFetchEvent(httptest.NewRequest(method, target, nil))
	require.NoError(t, err)
	return ev
}

func body(t *testing.T, res *http.Response) string {
	require.NotNil(t, res)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

func bucketKeys(t *testing.T, m *Manager) []string {
	ctx := context.Background()
	bucket, err := m.Storage().Open(ctx, m.BucketName())
	require.NoError(t, err)
	keys, err := bucket.Keys(ctx)
	require.NoError(t, err)
	return keys
}

func TestNewManagerValidatesConfig(t *testing.T) {
	origin, _ := url.Parse("http://localhost:8000/")

	_, err := NewManager(Config{Origin: *origin})
	assert.Error(t, err, "version is required")

	config := testConfig(*origin)
	config.Strategy = "network-only"
	_, err = NewManager(config)
	assert.Error(t, err)

	config = testConfig(url.URL{Path: "/"})
	_, err = NewManager(config)
	assert.Error(t, err)

	m, err := NewManager(testConfig(*origin))
	require.NoError(t, err)
	assert.Equal(t, "pedrova-jizda-cache-v2", m.BucketName())
	assert.Equal(t, StrategyStaleWhileRevalidate, m.Strategy())
}

func TestInstallStoresManifest(t *testing.T) {
	o := newFakeOrigin(t, map[string]string{
		"/":              "root",
		"/index.html":    "index",
		"/icon.svg":      "<svg/>",
		"/three/main.js": "export {}",
	})
	m := newTestManager(t, testConfig(o.origin(t), "./", "index.html", "icon.svg", o.URL+"/three/main.js"))

	report, err := m.Install(context.Background())
	require.NoError(t, err)
	assert.NoError(t, report.Err)
	assert.Len(t, report.Stored, 4)

	assert.ElementsMatch(t, []string{
		"GET:" + o.URL + "/",
		"GET:" + o.URL + "/index.html",
		"GET:" + o.URL + "/icon.svg",
		"GET:" + o.URL + "/three/main.js",
	}, bucketKeys(t, m))

	// every manifest entry is served from the bucket
	for path, want := range map[string]string{"/": "root", "/index.html": "index", "/icon.svg": "<svg/>"} {
		res, ok := m.match(context.Background(), m.bucket, fetchEvent(t, m, http.MethodGet, path).Request)
		require.True(t, ok, path)
		assert.Equal(t, want, body(t, res))
	}
}

func TestInstallResolvesAgainstOriginDirectory(t *testing.T) {
	fetcher := FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return textResponse(http.StatusOK, req.URL.Path), nil
	})
	origin, _ := url.Parse("http://localhost:8000/app")
	config := testConfig(*origin, "./", "index.html")
	config.Fetcher = fetcher
	m := newTestManager(t, config)

	_, err := m.Install(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"GET:http://localhost:8000/app/",
		"GET:http://localhost:8000/app/index.html",
	}, bucketKeys(t, m))
}

func TestInstallIsAllOrNothing(t *testing.T) {
	o := newFakeOrigin(t, map[string]string{"/": "root"})
	m := newTestManager(t, testConfig(o.origin(t), "./", "missing.json"))

	_, err := m.Install(context.Background())
	require.ErrorIs(t, err, ErrInstall)
	assert.Contains(t, err.Error(), "missing.json")
	assert.Empty(t, bucketKeys(t, m))
}

func TestLenientInstallReportsError(t *testing.T) {
	fetcher := &mockFetcher{}
	fetcher.On("Fetch", mock.Anything, mock.Anything).Return(nil, errNetwork)
	origin, _ := url.Parse("http://localhost:8000/")
	config := testConfig(*origin, "./")
	config.Fetcher = fetcher
	config.LenientInstall = true
	m := newTestManager(t, config)

	report, err := m.Install(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, report.Err, ErrInstall)
	assert.ErrorIs(t, report.Err, errNetwork)

	has, err := m.Storage().Has(context.Background(), m.BucketName())
	require.NoError(t, err)
	assert.True(t, has, "the empty bucket stays")
}

func TestActivateDeletesOtherVersions(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	for _, name := range []string{"pedrova-jizda-cache-v1", "unrelated"} {
		_, err := storage.Open(ctx, name)
		require.NoError(t, err)
	}
	origin, _ := url.Parse("http://localhost:8000/")
	clients := &recordingClients{}
	config := testConfig(*origin)
	config.Storage = storage
	config.Clients = clients
	m := newTestManager(t, config)

	_, err := m.Install(ctx)
	require.NoError(t, err)
	report, err := m.Activate(ctx)
	require.NoError(t, err)

	names, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pedrova-jizda-cache-v2"}, names)
	assert.ElementsMatch(t, []string{"pedrova-jizda-cache-v1", "unrelated"}, report.Deleted)
	assert.True(t, report.Claimed)
	assert.Equal(t, []*Manager{m}, clients.claimed)
}

type failingDeleteStorage struct {
	cache.Storage
}

func (s failingDeleteStorage) Delete(ctx context.Context, name string) (bool, error) {
	return false, errors.New("disk full")
}

func TestActivateClaimsDespiteDeletionErrors(t *testing.T) {
	ctx := context.Background()
	storage := failingDeleteStorage{cache.NewMemStorage()}
	_, err := storage.Open(ctx, "pedrova-jizda-cache-v1")
	require.NoError(t, err)
	origin, _ := url.Parse("http://localhost:8000/")
	clients := &recordingClients{}
	config := testConfig(*origin)
	config.Storage = storage
	config.Clients = clients
	m := newTestManager(t, config)

	report, err := m.Activate(ctx)
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, report.Deleted)
	assert.True(t, report.Claimed)
	assert.Len(t, clients.claimed, 1)
}

func TestStaleWhileRevalidateServesCachedAndUpdates(t *testing.T) {
	ctx := context.Background()
	o := newFakeOrigin(t, map[string]string{"/index.html": "old"})
	m := newTestManager(t, testConfig(o.origin(t), "index.html"))
	_, err := m.Install(ctx)
	require.NoError(t, err)

	o.set("/index.html", "new")
	result, err := m.HandleFetch(ctx, fetchEvent(t, m, http.MethodGet, "/index.html"))
	require.NoError(t, err)
	assert.True(t, result.Intercepted)
	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, "old", body(t, result.Response))

	m.Wait()
	assert.Equal(t, 2, o.count("/index.html"), "network is asked even on a hit")

	result, err = m.HandleFetch(ctx, fetchEvent(t, m, http.MethodGet, "/index.html"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, "new", body(t, result.Response))
}

func TestStaleWhileRevalidateKeepsEntryOnErrorStatus(t *testing.T) {
	ctx := context.Background()
	o := newFakeOrigin(t, map[string]string{"/index.html": "old"})
	m := newTestManager(t, testConfig(o.origin(t), "index.html"))
	_, err := m.Install(ctx)
	require.NoError(t, err)

	o.remove("/index.html")
	_, err = m.HandleFetch(ctx, fetchEvent(t, m, http.MethodGet, "/index.html"))
	require.NoError(t, err)
	m.Wait()

	result, err := m.HandleFetch(ctx, fetchEvent(t, m, http.MethodGet, "/index.html"))
	require.NoError(t, err)
	assert.Equal(t, "old", body(t, result.Response))
}

func TestStaleWhileRevalidateMiss(t *testing.T) {
	ctx := context.Background()
	o := newFakeOrigin(t, map[string]string{"/manifest.json": "{}"})
	m := newTestManager(t, testConfig(o.origin(t)))

	result, err := m.HandleFetch(ctx, fetchEvent(t, m, http.MethodGet, "/manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, result.Source)
	assert.Equal(t, "{}", body(t, result.Response))

	result, err = m.HandleFetch(ctx, fetchEvent(t, m, http.MethodGet, "/nope"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, result.Source)
	assert.Equal(t, http.StatusNotFound, result.Response.StatusCode)
	result.Response.Body.Close()

	m.Wait()
	assert.Equal(t, []string{"GET:" + o.URL + "/manifest.json"}, bucketKeys(t, m), "only 200 responses are stored")
}

func TestStaleWhileRevalidateOffline(t *testing.T) {
	fetcher := &mockFetcher{}
	fetcher.On("Fetch", mock.Anything, mock.Anything).Return(nil, errNetwork)
	origin, _ := url.Parse("http://localhost:8000/")
	config := testConfig(*origin)
	config.Fetcher = fetcher
	m := newTestManager(t, config)

	result, err := m.HandleFetch(context.Background(), fetchEvent(t, m, http.MethodGet, "/index.html"))
	assert.ErrorIs(t, err, ErrOffline)
	assert.ErrorIs(t, err, errNetwork)
	assert.Nil(t, result.Response)
	m.Wait()
	fetcher.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestStaleWhileRevalidateServesCachedOffline(t *testing.T) {
	ctx := context.Background()
	o := newFakeOrigin(t, map[string]string{"/index.html": "old"})
	m := newTestManager(t, testConfig(o.origin(t), "index.html"))
	_, err := m.Install(ctx)
	require.NoError(t, err)

	o.Close()
	result, err := m.HandleFetch(ctx, fetchEvent(t, m, http.MethodGet, "/index.html"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, "old", body(t, result.Response))

	m.Wait()
	res, ok := m.match(ctx, m.bucket, fetchEvent(t, m, http.MethodGet, "/index.html").Request)
	require.True(t, ok, "entry is kept when the network fails")
	assert.Equal(t, "old", body(t, res))
}

func TestStaleWhileRevalidateInterceptsCrossOrigin(t *testing.T) {
	fetcher := &mockFetcher{}
	fetcher.On("Fetch", mock.Anything, mock.MatchedBy(func(req *http.Request) bool {
		return req.URL.String() == "https://fonts.googleapis.com/css2?family=Roboto"
	})).Return(textResponse(http.StatusOK, "@font-face {}"), nil).Once()
	origin, _ := url.Parse("http://localhost:8000/")
	config := testConfig(*origin)
	config.Fetcher = fetcher
	m := newTestManager(t, config)

	result, err := m.HandleFetch(context.Background(), fetchEvent(t, m, http.MethodGet, "https://fonts.googleapis.com/css2?family=Roboto"))
	require.NoError(t, err)
	assert.True(t, result.Intercepted)
	assert.Equal(t, "@font-face {}", body(t, result.Response))
	m.Wait()
	assert.Equal(t, []string{"GET:https://fonts.googleapis.com/css2?family=Roboto"}, bucketKeys(t, m))
}

func TestCacheFirstCrossOriginNeverTouchesBucket(t *testing.T) {
	fetcher := &mockFetcher{}
	storage := newRecordingStorage()
	origin, _ := url.Parse("http://localhost:8000/")
	config := testConfig(*origin)
	config.Strategy = StrategyCacheFirst
	config.Storage = storage
	config.Fetcher = fetcher
	m := newTestManager(t, config)

	result, err := m.HandleFetch(context.Background(), fetchEvent(t, m, http.MethodGet, "https://cdn.skypack.dev/three@0.132.2"))
	require.NoError(t, err)
	assert.False(t, result.Intercepted)
	assert.Zero(t, storage.touched())
	fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestCacheFirstStoresSameOriginResponse(t *testing.T) {
	ctx := context.Background()
	fetcher := &mockFetcher{}
	fetcher.On("Fetch", mock.Anything, mock.Anything).Return(textResponse(http.StatusOK, "icon"), nil).Once()
	origin, _ := url.Parse("http://localhost:8000/")
	config := testConfig(*origin)
	config.Strategy = StrategyCacheFirst
	config.Fetcher = fetcher
	m := newTestManager(t, config)

	result, err := m.HandleFetch(ctx, fetchEvent(t, m, http.MethodGet, "/icon.svg"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, result.Source)
	assert.True(t, result.Stored)
	assert.Equal(t, "icon", body(t, result.Response))

	result, err = m.HandleFetch(ctx, fetchEvent(t, m, http.MethodGet, "/icon.svg"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, "icon", body(t, result.Response))
	fetcher.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestCacheFirstDoesNotStoreRedirectedResponse(t *testing.T) {
	fetcher := &mockFetcher{}
	res := textResponse(http.StatusOK, "elsewhere")
	res.Request = httptest.NewRequest(http.MethodGet, "https://example.com/moved", nil)
	fetcher.On("Fetch", mock.Anything, mock.Anything).Return(res, nil)
	origin, _ := url.Parse("http://localhost:8000/")
	config := testConfig(*origin)
	config.Strategy = StrategyCacheFirst
	config.Fetcher = fetcher
	m := newTestManager(t, config)

	result, err := m.HandleFetch(context.Background(), fetchEvent(t, m, http.MethodGet, "/moved"))
	require.NoError(t, err)
	assert.False(t, result.Stored)
	assert.Equal(t, "elsewhere", body(t, result.Response))
	assert.Empty(t, bucketKeys(t, m))
}

func TestCacheFirstServesFallbackOffline(t *testing.T) {
	ctx := context.Background()
	o := newFakeOrigin(t, map[string]string{"/": "offline root"})
	config := testConfig(o.origin(t), "./")
	config.Strategy = StrategyCacheFirst
	m := newTestManager(t, config)
	_, err := m.Install(ctx)
	require.NoError(t, err)

	o.Close()
	result, err := m.HandleFetch(ctx, fetchEvent(t, m, http.MethodGet, "/page.html"))
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, result.Source)
	assert.Equal(t, "offline root", body(t, result.Response))
}

func TestCacheFirstOfflineWithoutFallback(t *testing.T) {
	fetcher := &mockFetcher{}
	fetcher.On("Fetch", mock.Anything, mock.Anything).Return(nil, errNetwork)
	origin, _ := url.Parse("http://localhost:8000/")
	config := testConfig(*origin)
	config.Strategy = StrategyCacheFirst
	config.Fetcher = fetcher
	m := newTestManager(t, config)

	_, err := m.HandleFetch(context.Background(), fetchEvent(t, m, http.MethodGet, "/page.html"))
	assert.ErrorIs(t, err, ErrOffline)
}

func TestNonGetNeverTouchesBucket(t *testing.T) {
	for _, strategy := range []Strategy{StrategyStaleWhileRevalidate, StrategyCacheFirst} {
		t.Run(string(strategy), func(t *testing.T) {
			fetcher := &mockFetcher{}
			storage := newRecordingStorage()
			origin, _ := url.Parse("http://localhost:8000/")
			config := testConfig(*origin)
			config.Strategy = strategy
			config.Storage = storage
			config.Fetcher = fetcher
			m := newTestManager(t, config)

			for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead} {
				result, err := m.HandleFetch(context.Background(), fetchEvent(t, m, method, "/index.html"))
				require.NoError(t, err)
				assert.False(t, result.Intercepted, method)
			}
			m.Wait()
			assert.Zero(t, storage.touched())
			fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
		})
	}
}

func TestRefreshUpdatesEntries(t *testing.T) {
	ctx := context.Background()
	o := newFakeOrigin(t, map[string]string{"/": "root v1", "/index.html": "index v1"})
	config := testConfig(o.origin(t), "./", "index.html")
	config.Strategy = StrategyCacheFirst
	m := newTestManager(t, config)
	_, err := m.Install(ctx)
	require.NoError(t, err)

	o.set("/", "root v2")
	o.remove("/index.html")

	updated, err := m.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	result, err := m.HandleFetch(ctx, fetchEvent(t, m, http.MethodGet, "/"))
	require.NoError(t, err)
	assert.Equal(t, "root v2", body(t, result.Response))
	result, err = m.HandleFetch(ctx, fetchEvent(t, m, http.MethodGet, "/index.html"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, "index v1", body(t, result.Response), "entries that could not be refreshed are kept")
}

func TestInstallConcurrencyLimit(t *testing.T) {
	var inFlight, maxInFlight, calls atomic.Int32
	fetcher := FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		calls.Add(1)
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			seen := maxInFlight.Load()
			if n <= seen || maxInFlight.CompareAndSwap(seen, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return textResponse(http.StatusOK, req.URL.Path), nil
	})
	origin, _ := url.Parse("http://localhost:8000/")
	config := testConfig(*origin, "a.js", "b.js", "c.js", "d.js", "e.js", "f.js")
	config.Fetcher = fetcher
	config.InstallConcurrency = 2
	m := newTestManager(t, config)

	report, err := m.Install(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Stored, 6)
	assert.Equal(t, int32(6), calls.Load())
	assert.LessOrEqual(t, maxInFlight.Load(), int32(2))
}

func TestInstallRateLimit(t *testing.T) {
	fetcher := FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return textResponse(http.StatusOK, req.URL.Path), nil
	})
	origin, _ := url.Parse("http://localhost:8000/")
	config := testConfig(*origin, "a.js", "b.js", "c.js", "d.js")
	config.Fetcher = fetcher
	config.InstallRate = rate.Limit(20)
	m := newTestManager(t, config)

	start := time.Now()
	_, err := m.Install(context.Background())
	require.NoError(t, err)
	// the first request passes at once, the other three wait 50ms each
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
}
