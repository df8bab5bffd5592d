package downloads

import (
	"github.com/fsnotify/fsnotify"

	"shelfstream/logger"
)

// StartWatcher watches the cache directory and purges index entries whose
// file is removed behind the manager's back, so an external cleanup does
// not leave the index pointing at nothing until the next restart.
func (m *Manager) StartWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.cacheDir); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher

	m.watchWG.Add(1)
	go func() {
		defer m.watchWG.Done()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					m.handleRemoved(event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("cache watcher error", logger.ErrorField(err))
			}
		}
	}()
	return nil
}

// handleRemoved purges the index entry whose file disappeared. Files
// removed by the manager itself are already gone from the index, so this
// is a no-op for them.
func (m *Manager) handleRemoved(path string) {
	m.mu.Lock()
	var purged bool
	for id, rec := range m.index {
		if rec.LocalPath == path {
			delete(m.index, id)
			m.persistLocked()
			purged = true
			logger.Info("purged record for externally removed file",
				logger.String("objectId", id), logger.String("path", path))
			break
		}
	}
	m.mu.Unlock()

	if purged {
		m.publishDownloads()
	}
}

// StopWatcher stops the cache directory watcher if running.
func (m *Manager) StopWatcher() {
	if m.watcher != nil {
		m.watcher.Close()
		m.watchWG.Wait()
		m.watcher = nil
	}
}
