package supervisor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchConfig watches the servers config file and the default TLS material
// for changes and triggers a hot restart when they settle. Editors that
// write atomically replace the file, so the watch is re-added after
// rename/remove events.
func (s *Supervisor) watchConfig() {
	paths := make([]string, 0, 3)
	if s.cfg.ServersConfigPath != "" {
		paths = append(paths, s.cfg.ServersConfigPath)
	}
	if s.cfg.TLSCertPath != "" {
		paths = append(paths, s.cfg.TLSCertPath)
	}
	if s.cfg.TLSKeyPath != "" {
		paths = append(paths, s.cfg.TLSKeyPath)
	}
	if len(paths) == 0 {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create config file watcher", "error", err)
		return
	}

	watched := 0
	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			slog.Warn("Failed to watch file", "error", err, "path", path)
			continue
		}
		watched++
	}
	if watched == 0 {
		watcher.Close()
		return
	}
	slog.Info("Watching config for changes", "files", watched)

	var reloadTimer *time.Timer
	var reloadMutex sync.Mutex

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-s.drained:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				// Atomic writes remove the original from the watch list,
				// re-add with a few retries while the editor finishes.
				if event.Op&(fsnotify.Rename|fsnotify.Remove|fsnotify.Create) != 0 {
					go func(path string) {
						for attempt := 0; attempt < 5; attempt++ {
							if attempt > 0 {
								time.Sleep(time.Duration(10<<uint(attempt-1)) * time.Millisecond)
							}
							watcher.Remove(path)
							if err := watcher.Add(path); err == nil {
								return
							} else if attempt == 4 {
								slog.Error("Failed to re-add watch", "error", err, "path", path)
							}
						}
					}(event.Name)
				}

				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				slog.Debug("Config change detected, scheduling hot restart",
					"event", event.Op.String(), "file", event.Name)

				reloadMutex.Lock()
				// Debounce: wait for the burst of editor events to settle
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(500*time.Millisecond, func() {
					if s.RestartAll() {
						slog.Info("Config changed, hot restart triggered")
					}
				})
				reloadMutex.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watcher error", "error", err)
			}
		}
	}()
}
