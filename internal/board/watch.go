package board

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/micro-nova/sensorsim/internal/models"
)

// watch reloads sample files when they are rewritten. Directories are
// watched rather than files so editors that replace the file still trigger
// a reload. A missing watcher is not fatal: files are simply not reloaded.
func (b *Board) watch() {
	if len(b.watched) == 0 {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		b.log.Warn("board: could not create fsnotify watcher", "err", err)
		return
	}
	dirs := make(map[string]bool)
	for path := range b.watched {
		dir := filepath.Dir(path)
		if dirs[dir] {
			continue
		}
		dirs[dir] = true
		if err := w.Add(dir); err != nil {
			b.log.Warn("board: could not watch sample dir", "dir", dir, "err", err)
		}
	}
	b.watcher = w
	go b.watchLoop(w)
}

func (b *Board) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case <-b.done:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				b.reload(filepath.Clean(event.Name))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			b.log.Warn("board: watcher error", "err", err)
		}
	}
}

// reload feeds a changed sample file again into every peripheral using it.
func (b *Board) reload(path string) {
	b.mu.RLock()
	var targets []*peripheral
	for file, names := range b.watched {
		if filepath.Clean(file) != path {
			continue
		}
		for _, n := range names {
			targets = append(targets, b.periphs[n])
		}
	}
	b.mu.RUnlock()

	for _, p := range targets {
		if err := loadSamples(p.dev, p.cfg.Samples, p.cfg.Repeat); err != nil {
			b.log.Warn("board: failed to reload samples", "peripheral", p.cfg.Name, "path", path, "err", err)
			continue
		}
		b.log.Debug("board: reloaded samples", "peripheral", p.cfg.Name, "path", path)
		b.events.Publish(models.Event{Type: models.EventSamples, Peripheral: p.cfg.Name, Detail: path})
	}
}
