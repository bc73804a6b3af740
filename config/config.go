// Package config reads the offline cache configuration from a YAML file,
// with environment overrides so the version can be set at deploy time.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	offlinecache "github.com/always-cache/offline-cache"

	"github.com/caarlos0/env/v11"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of all environment overrides, e.g. OFFLINE_CACHE_VERSION.
const EnvPrefix = "OFFLINE_CACHE_"

type File struct {
	Name     string `yaml:"name" env:"NAME"`
	Version  string `yaml:"version" env:"VERSION"`
	Origin   string `yaml:"origin" env:"ORIGIN"`
	Strategy string `yaml:"strategy" env:"STRATEGY"`
	Fallback string `yaml:"fallback" env:"FALLBACK"`
	// Swallow install failures like a browser would.
	LenientInstall bool `yaml:"lenientInstall" env:"LENIENT_INSTALL"`
	// Path of the SQLite database, `memory` for an in-memory storage.
	DB       string   `yaml:"db" env:"DB"`
	Install  Install  `yaml:"install"`
	Manifest []string `yaml:"manifest" env:"MANIFEST"`
}

type Install struct {
	Concurrency int `yaml:"concurrency" env:"INSTALL_CONCURRENCY"`
	// Requests per second, zero for no limit.
	Rate float64 `yaml:"rate" env:"INSTALL_RATE"`
}

// Load reads the config file, if any, and applies the environment overrides.
func Load(filename string) (File, error) {
	var file File
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return file, err
		}
		if err := yaml.Unmarshal(configBytes, &file); err != nil {
			return file, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&file, env.Options{Prefix: EnvPrefix}); err != nil {
		return file, fmt.Errorf("parse env: %w", err)
	}
	if err := file.Validate(); err != nil {
		return file, err
	}
	return file, nil
}

func (f File) Validate() error {
	if f.Version == "" {
		return fmt.Errorf("version is required")
	}
	if f.Origin == "" {
		return fmt.Errorf("origin is required")
	}
	origin, err := url.Parse(f.Origin)
	if err != nil {
		return fmt.Errorf("origin: %w", err)
	}
	if !origin.IsAbs() || origin.Host == "" {
		return fmt.Errorf("origin must be an absolute URL, got %q", f.Origin)
	}
	switch offlinecache.Strategy(f.Strategy) {
	case "", offlinecache.StrategyStaleWhileRevalidate, offlinecache.StrategyCacheFirst:
	default:
		return fmt.Errorf("unknown strategy %q", f.Strategy)
	}
	if f.Install.Concurrency < 0 || f.Install.Rate < 0 {
		return fmt.Errorf("install concurrency and rate must not be negative")
	}
	for _, entry := range f.Manifest {
		if _, err := url.Parse(entry); err != nil {
			return fmt.Errorf("manifest entry %q: %w", entry, err)
		}
	}
	return nil
}

// CacheConfig returns the cache config of the file.
// Storage, network and logger are left for the caller to set.
func (f File) CacheConfig() (offlinecache.Config, error) {
	origin, err := url.Parse(f.Origin)
	if err != nil {
		return offlinecache.Config{}, fmt.Errorf("origin: %w", err)
	}
	// relative manifest entries resolve against the origin directory
	if !strings.HasSuffix(origin.Path, "/") {
		origin.Path += "/"
	}
	config := offlinecache.Config{
		Name:               f.Name,
		Version:            f.Version,
		Origin:             *origin,
		Manifest:           f.Manifest,
		Strategy:           offlinecache.Strategy(f.Strategy),
		Fallback:           f.Fallback,
		LenientInstall:     f.LenientInstall,
		InstallConcurrency: f.Install.Concurrency,
	}
	if f.Install.Rate > 0 {
		config.InstallRate = rate.Limit(f.Install.Rate)
	}
	return config, nil
}
