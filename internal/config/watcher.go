package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reacts to manual edits of the persisted config file and the
// providers manifest by invoking a reload callback, mirroring the teacher's
// ConfigWatcher pattern.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	onChange  func()
}

// NewWatcher starts watching every given path (typically the config
// document and the providers manifest) and invokes onChange whenever one of
// them is written or created.
func NewWatcher(paths []string, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if err := fw.Add(p); err != nil {
			log.Warn().Str("path", p).Err(err).Msg("could not watch config path")
		}
	}
	w := &Watcher{fsWatcher: fw, onChange: onChange}
	return w, nil
}

// Run blocks, dispatching onChange until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsWatcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				log.Debug().Str("path", event.Name).Msg("config file changed on disk")
				w.onChange()
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config watcher error")
		}
	}
}
