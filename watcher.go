// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const descriptionApplyTimeout = 10 * time.Second

// DescriptionWatcher re-applies category description files on both buses
// of a service when they change on disk. A file that fails to load or
// compile leaves the previous description in force.
type DescriptionWatcher struct {
	d      *DualService
	files  map[string]string // absolute file -> category path
	logger zerolog.Logger

	mu      sync.Mutex
	onApply []func(category string, err error)

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	done    chan struct{}
}

// NewDescriptionWatcher watches the description files of d, given as a map
// from category path to file.
func NewDescriptionWatcher(d *DualService, descriptions map[string]string, logger zerolog.Logger) (*DescriptionWatcher, error) {
	files := make(map[string]string, len(descriptions))
	for category, file := range descriptions {
		abs, err := filepath.Abs(file)
		if err != nil {
			return nil, fmt.Errorf("absolute path: %w", err)
		}
		files[abs] = NormalizeCategory(category)
	}
	return &DescriptionWatcher{
		d:      d,
		files:  files,
		logger: logger.With().Str("component", "description_watcher").Logger(),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// OnApply registers a callback run after every reload attempt.
func (w *DescriptionWatcher) OnApply(fn func(category string, err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onApply = append(w.onApply, fn)
}

// Start begins watching. The directories of the files are watched so that
// editors replacing the file on save are noticed.
func (w *DescriptionWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	dirs := make(map[string]struct{})
	for file := range w.files {
		dirs[filepath.Dir(file)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("watch directory: %w", err)
		}
	}
	w.watcher = watcher

	go w.watchLoop()
	w.logger.Info().Int("files", len(w.files)).Msg("watching description files for changes")
	return nil
}

// Stop stops watching.
func (w *DescriptionWatcher) Stop() {
	close(w.stopCh)
	if w.watcher != nil {
		w.watcher.Close()
		<-w.done
	}
}

func (w *DescriptionWatcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if _, ok := w.files[abs]; !ok {
				continue
			}
			w.logger.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("description file changed")
			if err := w.Reload(abs); err != nil {
				w.logger.Error().Err(err).Str("file", abs).Msg("description reload failed, keeping old description")
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("file watcher error")

		case <-w.stopCh:
			return
		}
	}
}

// Reload loads one watched file and applies it on the public bus, then the
// private bus, each on its own loop.
func (w *DescriptionWatcher) Reload(file string) error {
	abs, err := filepath.Abs(file)
	if err != nil {
		return err
	}
	category, ok := w.files[abs]
	if !ok {
		return fmt.Errorf("%w: %s is not a watched description", ErrNotFound, file)
	}

	err = w.apply(category, abs)
	w.mu.Lock()
	callbacks := append([]func(string, error){}, w.onApply...)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(category, err)
	}
	if err == nil {
		w.logger.Info().Str("category", category).Str("file", abs).Msg("description reloaded")
	}
	return err
}

func (w *DescriptionWatcher) apply(category, file string) error {
	doc, err := LoadDescription(file)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), descriptionApplyTimeout)
	defer cancel()

	var pubErr, privErr error
	if err := w.d.public.Exec(ctx, func() { pubErr = w.d.public.SetCategoryDescription(category, doc) }); err != nil {
		return err
	}
	if pubErr != nil {
		return pubErr
	}
	if err := w.d.private.Exec(ctx, func() { privErr = w.d.private.SetCategoryDescription(category, doc) }); err != nil {
		return &PartialRegistrationError{Category: category, Committed: []Bus{BusPublic}, Failed: BusPrivate, Err: err}
	}
	if privErr != nil {
		return &PartialRegistrationError{Category: category, Committed: []Bus{BusPublic}, Failed: BusPrivate, Err: privErr}
	}
	return nil
}
