package monitor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"bundlewatch/internal/logging"
	"github.com/fsnotify/fsnotify"
)

const (
	maxRestartAttempts = 3
	restartBaseDelay   = 200 * time.Millisecond
)

// Native is the fsnotify-backed monitor.
type Native struct {
	mutex    sync.Mutex
	watcher  *fsnotify.Watcher
	roots    map[string]bool
	owners   map[string]string
	callback func(RawEvent)
	logger   *logging.Logger
	done     chan struct{}
	closed   bool

	restartMutex    sync.Mutex
	restartTimer    *time.Timer
	restartAttempts int
}

func newNative(logger *logging.Logger, callback func(RawEvent)) (*Native, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	native := &Native{
		watcher:  watcher,
		roots:    make(map[string]bool),
		owners:   make(map[string]string),
		callback: callback,
		logger:   logger,
		done:     make(chan struct{}),
	}
	native.startForwarder(watcher)
	return native, nil
}

// Watch registers path. A recursive directory watch covers every
// subdirectory, including ones created later.
func (n *Native) Watch(path string, recursive bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	targets := []string{path}
	if recursive && info.IsDir() {
		dirs, err := collectRecursiveDirs(path)
		if err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		targets = append(targets, dirs...)
	}

	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.closed {
		return ErrClosed
	}
	if _, ok := n.roots[path]; ok {
		n.roots[path] = n.roots[path] || recursive
		return nil
	}

	added := make([]string, 0, len(targets))
	for _, target := range targets {
		if _, ok := n.owners[target]; ok {
			continue
		}
		if err := n.watcher.Add(target); err != nil {
			for _, rollback := range added {
				_ = n.watcher.Remove(rollback)
				delete(n.owners, rollback)
			}
			n.logWarn("watch add failed", map[string]string{
				"path":  target,
				"error": err.Error(),
			})
			return fmt.Errorf("watch %s: %w", target, err)
		}
		n.owners[target] = path
		added = append(added, target)
	}
	n.roots[path] = recursive
	n.logDebug("watch added", path, len(n.owners))
	return nil
}

// Unwatch removes path and every directory added on its behalf.
func (n *Native) Unwatch(path string) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.closed {
		return ErrClosed
	}
	if _, ok := n.roots[path]; !ok {
		return fmt.Errorf("unwatch %s: %w", path, ErrNotWatched)
	}
	delete(n.roots, path)

	var errs []error
	for target, owner := range n.owners {
		if owner != path {
			continue
		}
		delete(n.owners, target)
		if err := n.watcher.Remove(target); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			errs = append(errs, fmt.Errorf("unwatch %s: %w", target, err))
		}
	}
	n.logDebug("watch removed", path, len(n.owners))
	return errors.Join(errs...)
}

// Close stops event delivery. It is safe to call more than once.
func (n *Native) Close() error {
	n.mutex.Lock()
	if n.closed {
		n.mutex.Unlock()
		return nil
	}
	n.closed = true
	watcher := n.watcher
	n.mutex.Unlock()

	n.restartMutex.Lock()
	if n.restartTimer != nil {
		n.restartTimer.Stop()
		n.restartTimer = nil
	}
	n.restartMutex.Unlock()

	close(n.done)
	if watcher == nil {
		return nil
	}
	return watcher.Close()
}

func (n *Native) startForwarder(source *fsnotify.Watcher) {
	go func() {
		for {
			select {
			case event, ok := <-source.Events:
				if !ok {
					return
				}
				n.handleEvent(event)
			case err, ok := <-source.Errors:
				if !ok {
					return
				}
				n.handleError(err)
			case <-n.done:
				return
			}
		}
	}()
}

func (n *Native) handleEvent(event fsnotify.Event) {
	op := translateOp(event.Op)
	if op == OpUnknown {
		return
	}
	if op == Create {
		n.followNewDirectory(event.Name)
	}
	n.deliver(RawEvent{
		Op:        op,
		Paths:     []string{event.Name},
		Timestamp: time.Now().UTC(),
	})
}

// followNewDirectory extends recursive roots over directories created after
// the root was registered.
func (n *Native) followNewDirectory(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.closed {
		return
	}
	root := n.recursiveRootLocked(path)
	if root == "" {
		return
	}
	dirs, _ := collectRecursiveDirs(path)
	for _, dir := range append([]string{path}, dirs...) {
		if _, ok := n.owners[dir]; ok {
			continue
		}
		if err := n.watcher.Add(dir); err != nil {
			n.logWarn("watch add failed", map[string]string{
				"path":  dir,
				"error": err.Error(),
			})
			continue
		}
		n.owners[dir] = root
	}
}

func (n *Native) recursiveRootLocked(path string) string {
	for root, recursive := range n.roots {
		if !recursive {
			continue
		}
		if strings.HasPrefix(path, root+string(filepath.Separator)) {
			return root
		}
	}
	return ""
}

func (n *Native) deliver(event RawEvent) {
	select {
	case <-n.done:
		return
	default:
	}
	n.callback(event)
}

func (n *Native) handleError(err error) {
	if err == nil {
		return
	}
	n.logWarn("monitor error", map[string]string{
		"error": err.Error(),
	})
	n.deliver(RawEvent{Err: err, Timestamp: time.Now().UTC()})
	n.scheduleRestart()
}

func restartDelay(attempt int) time.Duration {
	return restartBaseDelay * time.Duration(1<<attempt)
}

func (n *Native) scheduleRestart() {
	n.restartMutex.Lock()
	defer n.restartMutex.Unlock()
	select {
	case <-n.done:
		return
	default:
	}
	if n.restartTimer != nil {
		return
	}
	if n.restartAttempts >= maxRestartAttempts {
		n.logWarn("monitor restart attempts exhausted", map[string]string{
			"attempts": strconv.Itoa(n.restartAttempts),
		})
		return
	}
	delay := restartDelay(n.restartAttempts)
	n.restartAttempts++
	n.restartTimer = time.AfterFunc(delay, n.performRestart)
}

func (n *Native) performRestart() {
	restartErr := n.restart()

	n.restartMutex.Lock()
	n.restartTimer = nil
	if restartErr == nil {
		n.restartAttempts = 0
		n.restartMutex.Unlock()
		return
	}
	n.restartMutex.Unlock()

	n.logWarn("monitor restart failed", map[string]string{
		"error": restartErr.Error(),
	})
	n.scheduleRestart()
}

// restart swaps in a fresh fsnotify handle carrying every registered path.
func (n *Native) restart() error {
	replacement, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	n.mutex.Lock()
	if n.closed {
		n.mutex.Unlock()
		_ = replacement.Close()
		return nil
	}
	for target := range n.owners {
		if err := replacement.Add(target); err != nil {
			n.logWarn("monitor re-add failed", map[string]string{
				"path":  target,
				"error": err.Error(),
			})
		}
	}
	previous := n.watcher
	n.watcher = replacement
	n.mutex.Unlock()

	n.startForwarder(replacement)
	if previous != nil {
		_ = previous.Close()
	}
	n.logger.Info("monitor restarted", nil)
	return nil
}

// translateOp picks one raw kind for an fsnotify event. Removal wins over
// the other bits because the path can no longer be inspected.
func translateOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Remove):
		return Remove
	case op.Has(fsnotify.Rename):
		return ModifyName
	case op.Has(fsnotify.Create):
		return Create
	case op.Has(fsnotify.Write):
		return ModifyData
	case op.Has(fsnotify.Chmod):
		return ModifyMetadata
	default:
		return OpUnknown
	}
}

func (n *Native) logWarn(message string, fields map[string]string) {
	if n == nil || n.logger == nil {
		return
	}
	n.logger.Warn(message, fields)
}

func (n *Native) logDebug(message, path string, activeCount int) {
	if n == nil || n.logger == nil {
		return
	}
	n.logger.Debug(message, map[string]string{
		"path":           path,
		"active_watches": strconv.Itoa(activeCount),
	})
}
