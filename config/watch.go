package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch calls onChange with the reloaded config every time the file is
// written, until ctx is done.
// The directory is watched rather than the file, so editors that replace
// the file on save are noticed too. Invalid configs are logged and skipped.
func Watch(ctx context.Context, filename string, onChange func(File)) error {
	path, err := filepath.Abs(filename)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	log.Info().Str("file", path).Msg("Watching config")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			log.Debug().Str("file", event.Name).Str("event", event.Op.String()).Msg("Config changed")
			file, err := Load(path)
			if err != nil {
				log.Error().Err(err).Msg("Could not reload config")
				continue
			}
			onChange(file)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("dir", dir).Msg("Config watcher error")
		}
	}
}
