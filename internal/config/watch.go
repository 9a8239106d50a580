package config

import (
	"log"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads Config from path whenever the file changes on disk,
// letting an operator adjust scheduler.total_capacity without a restart
// (spec §3 Capacity: "total may change at runtime").
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	onLoad  func(*Config)
}

// WatchFile starts watching path for writes, invoking onLoad with a freshly
// parsed Config each time. The initial load already performed by Load is
// not repeated here; call Load once yourself before starting the watcher.
func WatchFile(path string, onLoad func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{watcher: fw, path: path, onLoad: onLoad}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Printf("config: reload of %s failed: %v", w.path, err)
				continue
			}
			w.onLoad(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config: watch error: %v", err)
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error { return w.watcher.Close() }
