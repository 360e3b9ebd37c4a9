package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher reloads the measurement list and PID tunings when their files
// change on disk, so both can be edited without restarting the daemon. The
// scheduler's modification-time poll stays as a fallback for filesystems
// that don't deliver events.
type FileWatcher struct {
	watcher *fsnotify.Watcher

	measurementFile string
	tuningFile      string

	onMeasurements func(path string) error
	onTuning       func()
}

// NewFileWatcher watches the two files' parent directories; editors often
// replace files by rename, which drops a direct file watch.
func NewFileWatcher(measurementFile, tuningFile string,
	onMeasurements func(path string) error, onTuning func()) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	dirs := map[string]bool{}
	for _, f := range []string{measurementFile, tuningFile} {
		if f == "" {
			continue
		}
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	return &FileWatcher{
		watcher:         watcher,
		measurementFile: measurementFile,
		tuningFile:      tuningFile,
		onMeasurements:  onMeasurements,
		onTuning:        onTuning,
	}, nil
}

// Iterate waits for one filesystem event and dispatches it.
func (f *FileWatcher) Iterate(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case event, ok := <-f.watcher.Events:
		if !ok {
			return nil
		}
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return nil
		}
		switch {
		case sameFile(event.Name, f.measurementFile):
			log.Printf("Measurement list changed: %s\n", event.Name)
			if err := f.onMeasurements(f.measurementFile); err != nil {
				return err
			}
		case sameFile(event.Name, f.tuningFile):
			log.Printf("Tuning file changed: %s\n", event.Name)
			f.onTuning()
		}
	case err, ok := <-f.watcher.Errors:
		if ok && err != nil {
			return fmt.Errorf("file watcher: %w", err)
		}
	}
	return nil
}

func sameFile(a, b string) bool {
	if b == "" {
		return false
	}
	return filepath.Clean(a) == filepath.Clean(b)
}

// Close releases the underlying watcher.
func (f *FileWatcher) Close() error {
	return f.watcher.Close()
}
