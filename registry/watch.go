package registry

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// reconcileSettle is how long the watcher waits after the last artifact
// event before reconciling, so a burst of writes (an engine build finishing,
// a user deleting several artifacts) triggers one pass.
const reconcileSettle = 500 * time.Millisecond

// Watcher reconciles the registry whenever engine artifacts appear in or
// disappear from the registry directory. Close it to stop watching.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// Watch starts watching the registry's artifact directory. Watching is
// opt-in: Load does not start one.
func (r *Registry) Watch() (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create filesystem watcher")
	}
	if err := fsWatcher.Add(r.dir); err != nil {
		_ = fsWatcher.Close()
		return nil, errors.Wrapf(err, "failed to watch artifact directory %q", r.dir)
	}
	w := &Watcher{
		registry: r,
		watcher:  fsWatcher,
		done:     make(chan struct{}),
	}
	go w.run()
	klog.V(1).Infof("Watching artifact directory %q for engine changes", r.dir)
	return w, nil
}

func (w *Watcher) run() {
	settle := time.NewTimer(reconcileSettle)
	settle.Stop()
	var settleC <-chan time.Time
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, EngineExt) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			klog.V(2).Infof("Artifact change: %s", event)
			settle.Reset(reconcileSettle)
			settleC = settle.C
		case <-settleC:
			settleC = nil
			if err := w.registry.Reconcile(); err != nil {
				klog.Errorf("Reconcile after artifact change failed: %+v", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			klog.Warningf("Artifact directory watcher: %v", err)
		case <-w.done:
			return
		}
	}
}

// Close stops watching. It is safe to call once.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
