package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/config"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Install the configured cache version and serve requests through it",
		Args:  cobra.NoArgs,
		RunE:  serve,
	}
	installCmd = &cobra.Command{
		Use:   "install",
		Short: "Pre-cache the manifest of the configured cache version",
		Args:  cobra.NoArgs,
		RunE:  install,
	}
	activateCmd = &cobra.Command{
		Use:   "activate",
		Short: "Delete the buckets of all other cache versions",
		Args:  cobra.NoArgs,
		RunE:  activate,
	}
	bucketsCmd = &cobra.Command{
		Use:   "buckets",
		Short: "List cache buckets",
		Args:  cobra.NoArgs,
		RunE:  buckets,
	}
	entriesCmd = &cobra.Command{
		Use:   "entries",
		Short: "List the entries of the current bucket",
		Args:  cobra.NoArgs,
		RunE:  entries,
	}
)

// setup loads the config and opens the storage it names.
// The returned function closes the storage.
func setup() (config.File, offlinecache.Config, func(), error) {
	file, err := config.Load(configFilenameFlag)
	if err != nil {
		return file, offlinecache.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	cacheConfig, err := file.CacheConfig()
	if err != nil {
		return file, cacheConfig, nil, err
	}

	// set up sqlite storage, in memory if asked to
	dbFilename := dbFilenameFlag
	if dbFilename == "" {
		dbFilename = file.DB
	}
	if dbFilename == "" {
		dbFilename = "cache.db"
	}
	if dbFilename == "memory" {
		dbFilename = ""
	}
	storage, err := cache.NewSQLiteStorage(dbFilename)
	if err != nil {
		return file, cacheConfig, nil, fmt.Errorf("open cache db: %w", err)
	}
	cacheConfig.Storage = storage
	closeStorage := func() {
		if err := storage.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close cache db")
		}
	}
	return file, cacheConfig, closeStorage, nil
}

func serve(cmd *cobra.Command, _ []string) error {
	_, cacheConfig, closeStorage, err := setup()
	if err != nil {
		return err
	}
	defer closeStorage()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host := offlinecache.NewHost(offlinecache.HostConfig{})
	if _, err := host.Register(ctx, cacheConfig); err != nil {
		return err
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", portFlag),
		Handler: host,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msgf("Serving %s on port %v", cacheConfig.Origin.String(), portFlag)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if watchFlag {
		g.Go(func() error {
			return config.Watch(ctx, configFilenameFlag, func(file config.File) {
				next, err := file.CacheConfig()
				if err != nil {
					log.Error().Err(err).Msg("Invalid config")
					return
				}
				next.Storage = cacheConfig.Storage
				if _, err := host.Register(ctx, next); err != nil {
					log.Error().Err(err).Str("version", next.Version).Msg("Could not register new cache version")
				}
			})
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		log.Info().Msg("Shutting down")
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return host.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func install(cmd *cobra.Command, _ []string) error {
	_, cacheConfig, closeStorage, err := setup()
	if err != nil {
		return err
	}
	defer closeStorage()

	m, err := offlinecache.NewManager(cacheConfig)
	if err != nil {
		return err
	}
	report, err := m.Install(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: stored %d entries\n", report.Bucket, len(report.Stored))
	if report.Err != nil {
		fmt.Fprintf(out, "install incomplete: %v\n", report.Err)
	}
	return nil
}

func activate(cmd *cobra.Command, _ []string) error {
	_, cacheConfig, closeStorage, err := setup()
	if err != nil {
		return err
	}
	defer closeStorage()

	m, err := offlinecache.NewManager(cacheConfig)
	if err != nil {
		return err
	}
	report, err := m.Activate(cmd.Context())
	for _, name := range report.Deleted {
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
	}
	return err
}

func buckets(cmd *cobra.Command, _ []string) error {
	_, cacheConfig, closeStorage, err := setup()
	if err != nil {
		return err
	}
	defer closeStorage()

	names, err := cacheConfig.Storage.Keys(cmd.Context())
	if err != nil {
		return err
	}
	current := cacheConfig.BucketName()
	for _, name := range names {
		marker := " "
		if name == current {
			marker = "*"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, name)
	}
	return nil
}

func entries(cmd *cobra.Command, _ []string) error {
	_, cacheConfig, closeStorage, err := setup()
	if err != nil {
		return err
	}
	defer closeStorage()

	ctx := cmd.Context()
	name := cacheConfig.BucketName()
	if has, err := cacheConfig.Storage.Has(ctx, name); err != nil {
		return err
	} else if !has {
		return fmt.Errorf("%s: %w", name, cache.ErrBucketNotFound)
	}
	bucket, err := cacheConfig.Storage.Open(ctx, name)
	if err != nil {
		return err
	}
	keys, err := bucket.Keys(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, key := range keys {
		entry, ok, err := bucket.Match(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", key, humanize.Bytes(uint64(len(entry.Bytes))), humanize.Time(entry.StoredAt))
	}
	return w.Flush()
}
