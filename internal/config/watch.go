package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/banshee-data/sslvision/internal/monitoring"
)

var logf = monitoring.Component("config")

// Watcher reloads a VisionConfig file whenever it is written or replaced.
type Watcher struct {
	path     string
	fs       *fsnotify.Watcher
	onChange func(*VisionConfig)
	done     chan struct{}
}

// Watch starts watching path. onChange receives every configuration that
// loads and validates; a file that fails to load is logged and the previous
// configuration stays in effect. The directory is watched rather than the
// file so editors that save by rename are picked up.
func Watch(path string, onChange func(*VisionConfig)) (*Watcher, error) {
	cleanPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(cleanPath)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(cleanPath), err)
	}

	w := &Watcher{
		path:     cleanPath,
		fs:       fw,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := LoadVisionConfig(w.path)
			if err != nil {
				logf("ignoring config change: %v", err)
				continue
			}
			logf("reloaded %s", w.path)
			w.onChange(cfg)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logf("watch error: %v", err)
		}
	}
}

// Close stops watching. No onChange call happens after Close returns.
func (w *Watcher) Close() error {
	err := w.fs.Close()
	<-w.done
	return err
}
