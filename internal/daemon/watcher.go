// Package daemon provides the long-running scheduler that drives
// synchronization runs from an interval timer and a trigger spool
// directory.
package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// TriggerEvent is a trigger file dropped into the spool directory.
type TriggerEvent struct {
	// Path is the path of the trigger file.
	Path string
}

// TriggerWatcher watches the spool directory for trigger files
// (*.json). It uses fsnotify for cross-platform file system event
// monitoring.
type TriggerWatcher struct {
	watcher  *fsnotify.Watcher
	events   chan TriggerEvent
	errors   chan error
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	spoolDir string
}

// NewTriggerWatcher creates a TriggerWatcher. The watcher must be
// started with Start() before it will emit events.
func NewTriggerWatcher() (*TriggerWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &TriggerWatcher{
		watcher: watcher,
		events:  make(chan TriggerEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching spoolDir for *.json trigger files.
func (tw *TriggerWatcher) Start(spoolDir string) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.running {
		return fmt.Errorf("watcher already running")
	}

	tw.spoolDir = spoolDir
	if err := tw.watcher.Add(spoolDir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", spoolDir, err)
	}

	tw.running = true
	tw.wg.Add(1)
	go tw.processEvents()

	return nil
}

// Stop stops watching and cleans up resources. It blocks until the
// event processing goroutine has exited.
func (tw *TriggerWatcher) Stop() error {
	tw.mu.Lock()
	if !tw.running {
		tw.mu.Unlock()
		return nil
	}
	tw.running = false
	tw.mu.Unlock()

	close(tw.done)

	if err := tw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	tw.wg.Wait()

	close(tw.events)
	close(tw.errors)

	return nil
}

// Events returns the channel that emits trigger notifications.
// Closed when the watcher is stopped.
func (tw *TriggerWatcher) Events() <-chan TriggerEvent {
	return tw.events
}

// Errors returns the channel that emits error notifications.
// Closed when the watcher is stopped.
func (tw *TriggerWatcher) Errors() <-chan error {
	return tw.errors
}

func (tw *TriggerWatcher) processEvents() {
	defer tw.wg.Done()

	for {
		select {
		case <-tw.done:
			return

		case event, ok := <-tw.watcher.Events:
			if !ok {
				return
			}

			if trigger, ok := tw.convertEvent(event); ok {
				select {
				case tw.events <- trigger:
				case <-tw.done:
					return
				}
			}

		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case tw.errors <- err:
			case <-tw.done:
				return
			}
		}
	}
}

// convertEvent filters fsnotify events down to trigger-file drops.
// A trigger fires on create or on write, so both atomic renames and
// direct writes into the spool directory work.
func (tw *TriggerWatcher) convertEvent(event fsnotify.Event) (TriggerEvent, bool) {
	if !strings.HasSuffix(event.Name, ".json") {
		return TriggerEvent{}, false
	}
	if filepath.Dir(event.Name) != filepath.Clean(tw.spoolDir) {
		return TriggerEvent{}, false
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return TriggerEvent{}, false
	}
	return TriggerEvent{Path: event.Name}, true
}

// IsRunning returns true if the watcher is currently running.
func (tw *TriggerWatcher) IsRunning() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.running
}
