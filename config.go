package offlinecache

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/always-cache/offline-cache/cache"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Strategy string

const (
	// Serve the cached response right away and refresh it from the network
	// in the background. Any GET request is intercepted.
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	// Ask the cache first and the network only on a miss.
	// Only same-origin GET requests are intercepted.
	StrategyCacheFirst Strategy = "cache-first"
)

const (
	defaultName               = "offline-cache"
	defaultFallback           = "./"
	defaultInstallConcurrency = 4
)

type Config struct {
	// Name prefix of the cache buckets, e.g. `pedrova-jizda-cache`.
	Name string
	// Version of the cache, e.g. `v2`.
	// Changing the version invalidates buckets of all other versions.
	Version string
	// Origin of the page the cache works for.
	// Relative manifest entries and requests are resolved against it.
	Origin url.URL
	// Resources to pre-cache at install, as paths relative to the origin
	// or absolute URLs.
	Manifest []string
	// Fetch strategy. Defaults to stale-while-revalidate.
	Strategy Strategy
	// Resource served by the cache-first strategy when the network fails.
	// Defaults to the root document.
	Fallback string
	// Log install failures and carry on with whatever was cached,
	// instead of failing the install.
	LenientInstall bool
	// Maximum number of manifest entries fetched at the same time.
	InstallConcurrency int
	// Maximum manifest requests per second. Zero means no limit.
	InstallRate rate.Limit
	// Storage for cache buckets. An in-memory storage is used if nil.
	Storage cache.Storage
	// Network used to fetch resources. An http.Client is used if nil.
	Fetcher Fetcher
	// Clients to claim when the cache is activated.
	Clients Clients
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// BucketName returns the name of the bucket of this cache version.
func (c Config) BucketName() string {
	return c.Name + "-" + c.Version
}

func (c *Config) setDefaults() {
	c.Origin = originDirectory(c.Origin)
	if c.Name == "" {
		c.Name = defaultName
	}
	if c.Strategy == "" {
		c.Strategy = StrategyStaleWhileRevalidate
	}
	if c.Fallback == "" {
		c.Fallback = defaultFallback
	}
	if c.InstallConcurrency <= 0 {
		c.InstallConcurrency = defaultInstallConcurrency
	}
	if c.InstallRate <= 0 {
		c.InstallRate = rate.Inf
	}
	if c.Storage == nil {
		c.Storage = cache.NewMemStorage()
	}
	if c.Fetcher == nil {
		c.Fetcher = NewClientFetcher(nil)
	}
}

// originDirectory ends the origin path with a slash, so relative manifest
// entries resolve inside it: `http://host/app` becomes `http://host/app/`.
func originDirectory(origin url.URL) url.URL {
	if !strings.HasSuffix(origin.Path, "/") {
		origin.Path += "/"
	}
	if origin.RawPath != "" && !strings.HasSuffix(origin.RawPath, "/") {
		origin.RawPath += "/"
	}
	return origin
}

func (c Config) validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	switch c.Strategy {
	case StrategyStaleWhileRevalidate, StrategyCacheFirst:
	default:
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	if c.Origin.Scheme == "" || c.Origin.Host == "" {
		return fmt.Errorf("origin must be an absolute URL, got %q", c.Origin.String())
	}
	for _, entry := range c.Manifest {
		if _, err := url.Parse(entry); err != nil {
			return fmt.Errorf("manifest entry %q: %w", entry, err)
		}
	}
	return nil
}
