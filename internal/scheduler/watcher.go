package scheduler

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/accordhq/accord/internal/bus"
	"github.com/accordhq/accord/internal/hub"
	"github.com/accordhq/accord/internal/log"
)

const watchDebounce = 500 * time.Millisecond

// InboxWatcher watches the hub inbox tree and triggers a scheduler tick
// when a request file lands, so new work starts without waiting for the
// next poll. Events are debounced so a burst of writes yields one tick.
type InboxWatcher struct {
	fsWatcher *fsnotify.Watcher
	root      string
	events    *bus.Bus
	debounce  time.Duration
	onChange  chan struct{}
	done      chan struct{}
}

// NewInboxWatcher creates a watcher for the hub root's inbox directories.
func NewInboxWatcher(root string, events *bus.Bus) (*InboxWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &InboxWatcher{
		fsWatcher: fsw,
		root:      root,
		events:    events,
		debounce:  watchDebounce,
		onChange:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching and returns the change channel. Each receive
// means at least one request file appeared or changed since the last
// notification.
func (w *InboxWatcher) Start() (<-chan struct{}, error) {
	inboxRoot := hub.InboxRoot(w.root)
	if err := w.fsWatcher.Add(inboxRoot); err != nil {
		return nil, err
	}
	// Per-service inbox dirs are where request files actually land.
	// New service dirs created later are picked up in the event loop.
	matches, _ := filepath.Glob(filepath.Join(inboxRoot, "*"))
	for _, dir := range matches {
		if err := w.fsWatcher.Add(dir); err != nil {
			log.Warn(log.CatSched, "cannot watch inbox dir", "dir", dir, "error", err)
		}
	}

	go w.loop()
	log.Debug(log.CatSched, "inbox watcher started", "root", inboxRoot)
	return w.onChange, nil
}

// Stop halts the watcher.
func (w *InboxWatcher) Stop() {
	close(w.done)
	w.fsWatcher.Close()
}

func (w *InboxWatcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time
	pending := false

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			pending = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			if pending {
				pending = false
				select {
				case w.onChange <- struct{}{}:
				default:
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatSched, "inbox watcher error", "error", err)
		}
	}
}

// relevant reports whether the event should schedule a tick: request
// files being created or written, or a new service inbox appearing
// (which also gets added to the watch set). Service dir add/remove is
// published on the bus either way.
func (w *InboxWatcher) relevant(event fsnotify.Event) bool {
	name := filepath.Base(event.Name)
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		// Direct children of the inbox root are service dirs.
		if filepath.Dir(event.Name) == hub.InboxRoot(w.root) {
			log.Debug(log.CatSched, "inbox dir removed", "dir", event.Name)
			w.events.Publish(bus.TopicServiceRemoved, bus.ServiceChange{Service: name})
		}
		return false
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return false
	}
	if hub.IsRequestFile(name) {
		return true
	}
	if event.Op&fsnotify.Create != 0 && filepath.Dir(event.Name) == hub.InboxRoot(w.root) {
		if err := w.fsWatcher.Add(event.Name); err == nil {
			log.Debug(log.CatSched, "watching new inbox dir", "dir", event.Name)
			w.events.Publish(bus.TopicServiceAdded, bus.ServiceChange{Service: name})
		}
	}
	return false
}
