package devwatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
)

// Watcher runs a notification source against the reconciliation engine
// and hands merged records to one callback.
type Watcher struct {
	engine *engine
	source NotificationSource

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

// New builds a watcher over the platform notification source. Nothing
// runs until Start.
func New(settings WatchSettings, callback func(DeviceInterface)) (*Watcher, error) {
	source, err := newPlatformSource(&settings)
	if err != nil {
		return nil, fmt.Errorf("devwatch: create source: %w", err)
	}

	return &Watcher{
		engine: newEngine(settings, callback),
		source: source,
		done:   make(chan struct{}),
	}, nil
}

// newWithSource is the test seam: identical to New but with an explicit
// source. Tests replace engine.listDevices themselves.
func newWithSource(settings WatchSettings, source NotificationSource, callback func(DeviceInterface)) *Watcher {
	return &Watcher{
		engine: newEngine(settings, callback),
		source: source,
		done:   make(chan struct{}),
	}
}

// Start launches the ADB worker, reports currently-present interfaces,
// and begins consuming OS events on a background goroutine.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		panic("devwatch: watcher started twice")
	}
	w.started = true
	w.mu.Unlock()

	if w.engine.adbEnabled() {
		w.engine.startWorker()
	}

	if err := w.source.EnumerateInitial(w.engine.onInterfaceEnumerated); err != nil {
		w.engine.stopWorker()
		return fmt.Errorf("devwatch: initial enumeration: %w", err)
	}

	go func() {
		defer close(w.done)
		if err := w.source.Run(w.engine.onInterfaceEnumerated, w.engine.onInterfaceOff); err != nil {
			log.WithError(err).Error("notification source exited")
		}
	}()

	return nil
}

// Stop tears the source and the ADB worker down and waits for the event
// goroutine to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return
	}

	w.source.Stop()
	<-w.done
	w.source.Close()
	w.engine.stopWorker()
}

// WaitFor blocks until a cached or future record matches target, or the
// timeout elapses. Negative means wait indefinitely.
func (w *Watcher) WaitFor(target DeviceInterface, timeout time.Duration) (DeviceInterface, bool) {
	return w.engine.waitFor(target, timeout)
}

// GetAll snapshots the cached records, optionally filtered by target.
func (w *Watcher) GetAll(target *DeviceInterface) []DeviceInterface {
	return w.engine.getAll(target)
}
