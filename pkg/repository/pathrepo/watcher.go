package pathrepo

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hotload/pkg/async"
	"github.com/platinummonkey/hotload/pkg/module"
)

// Watcher emits change hints for a path repository by watching the root
// directory. It is a low-latency complement to polling: consumers typically
// react to a hint by forcing an immediate poll rather than trusting the
// event itself.
type Watcher struct {
	watcher *fsnotify.Watcher
	events  chan module.ID
	cancel  context.CancelFunc
	log     *logrus.Logger
}

// NewWatcher starts watching the repository root.
func NewWatcher(repo *Repository) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(repo.root); err != nil {
		fsw.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		watcher: fsw,
		events:  make(chan module.ID, 64),
		cancel:  cancel,
		log:     repo.log,
	}
	async.SafeGo(ctx, 0, "pathrepo watcher", repo.log, func(ctx context.Context) error {
		w.pump(ctx)
		return nil
	})
	return w, nil
}

// Events delivers the module IDs of changed repository entries. Events are
// dropped rather than blocking the pump when the consumer lags.
func (w *Watcher) Events() <-chan module.ID {
	return w.events
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}

func (w *Watcher) pump(ctx context.Context) {
	defer close(w.events)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			id, err := module.ParseID(name)
			if err != nil {
				continue
			}
			select {
			case w.events <- id:
			default:
				w.log.WithField("module", id.String()).Debug("watcher consumer lagging, hint dropped")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("repository watch error")
		}
	}
}
