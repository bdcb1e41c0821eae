package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk and hands every
// valid new revision to the registered callback. Invalid revisions are
// logged and skipped; the previous config stays in effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	closed  chan struct{}
	onLoad  func(Config)
}

// Watch starts watching path. The parent directory is watched rather than
// the file itself, so editors that replace the file by rename keep working.
func Watch(path string, onLoad func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		closed:  make(chan struct{}),
		onLoad:  onLoad,
	}
	go w.watchLoop()
	return w, nil
}

func (w *Watcher) Close() error {
	close(w.closed)
	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	// Editors fire several events per save; coalesce them.
	var pending <-chan time.Time

	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				pending = time.After(250 * time.Millisecond)
			}
		case <-pending:
			pending = nil
			cfg, err := Load(w.path)
			if err != nil {
				log.Printf("CONFIG: reload of %s failed: %v (keeping previous)", w.path, err)
				continue
			}
			log.Printf("CONFIG: reloaded %s", w.path)
			w.onLoad(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}
