package svcagent

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"vawter.tech/stopper"
)

// WatchCleanupFunc stops a folder watch and waits for it to finish
type WatchCleanupFunc func() error

// watchState holds the pending debounced refresh
type watchState struct {
	mu        sync.Mutex
	debouncer *time.Timer
}

// WatchFolder calls onChange, debounced, whenever a descriptor file under
// root matching mask is created, written, removed or renamed, or when the
// directory tree itself changes. New subdirectories are watched as they
// appear. onChange only ever refreshes the catalog.
//
//nolint:gocyclo // event filtering and tree tracking live together
func WatchFolder(ctx context.Context, root, mask string, debounce time.Duration, onChange func(), logger zerolog.Logger) (WatchCleanupFunc, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &LoadError{Path: absRoot, Err: err}
	}

	if err := addTree(watcher, absRoot); err != nil {
		_ = watcher.Close()
		return nil, &LoadError{Path: absRoot, Err: err}
	}

	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	// Create stopper context for managing goroutine lifecycle
	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
	})

	state := &watchState{}
	trigger := func() {
		state.mu.Lock()
		defer state.mu.Unlock()
		if state.debouncer != nil {
			state.debouncer.Stop()
		}
		state.debouncer = time.AfterFunc(debounce, func() {
			if !sctx.IsStopping() {
				onChange()
			}
		})
	}

	cleanup := func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}

	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			state.mu.Lock()
			if state.debouncer != nil {
				state.debouncer.Stop()
			}
			state.mu.Unlock()
		})

		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}

				if event.Has(fsnotify.Create) {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						if err := addTree(watcher, event.Name); err != nil {
							logger.Warn().Err(err).Str("dir", event.Name).Msg("watch subdirectory failed")
						}
						trigger()
						continue
					}
				}

				matched, _ := filepath.Match(mask, filepath.Base(event.Name))
				removed := event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
				if matched || removed {
					logger.Debug().Str("file", event.Name).Str("event", event.Op.String()).Msg("service folder changed")
					trigger()
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				if err != nil && !sctx.IsStopping() {
					logger.Warn().Err(err).Msg("watch error")
				}
			}
		}
		return nil
	})

	return cleanup, nil
}

// addTree watches dir and every directory below it
func addTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
}
