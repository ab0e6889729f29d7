package monitor

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"bundlewatch/internal/logging"
)

type fileState struct {
	modTime time.Time
	size    int64
	dir     bool
	digest  [sha256.Size]byte
}

// Poller detects changes by rescanning registered paths every interval.
type Poller struct {
	mutex           sync.Mutex
	roots           map[string]bool
	snapshot        map[string]fileState
	interval        time.Duration
	compareContents bool
	callback        func(RawEvent)
	logger          *logging.Logger
	done            chan struct{}
	closeOnce       sync.Once
	wg              sync.WaitGroup
}

func newPoller(interval time.Duration, compareContents bool, logger *logging.Logger, callback func(RawEvent)) *Poller {
	poller := &Poller{
		roots:           make(map[string]bool),
		snapshot:        make(map[string]fileState),
		interval:        interval,
		compareContents: compareContents,
		callback:        callback,
		logger:          logger,
		done:            make(chan struct{}),
	}
	poller.wg.Add(1)
	go poller.loop()
	return poller
}

func (p *Poller) Watch(path string, recursive bool) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.isClosed() {
		return ErrClosed
	}
	if previous, ok := p.roots[path]; ok && (previous || !recursive) {
		return nil
	}
	p.roots[path] = recursive
	for entryPath, state := range p.scanRoot(path, recursive) {
		if _, ok := p.snapshot[entryPath]; !ok {
			p.snapshot[entryPath] = state
		}
	}
	return nil
}

func (p *Poller) Unwatch(path string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.isClosed() {
		return ErrClosed
	}
	if _, ok := p.roots[path]; !ok {
		return fmt.Errorf("unwatch %s: %w", path, ErrNotWatched)
	}
	delete(p.roots, path)
	remaining := make(map[string]fileState, len(p.snapshot))
	for root, recursive := range p.roots {
		for entryPath := range p.scanRoot(root, recursive) {
			if state, ok := p.snapshot[entryPath]; ok {
				remaining[entryPath] = state
			}
		}
	}
	p.snapshot = remaining
	return nil
}

func (p *Poller) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
	return nil
}

func (p *Poller) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Poller) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.poll()
		case <-p.done:
			return
		}
	}
}

// poll rescans every root and reports differences against the previous scan.
func (p *Poller) poll() {
	p.mutex.Lock()
	current := make(map[string]fileState, len(p.snapshot))
	for root, recursive := range p.roots {
		for entryPath, state := range p.scanRoot(root, recursive) {
			current[entryPath] = state
		}
	}
	previous := p.snapshot
	p.snapshot = current
	p.mutex.Unlock()

	events := diffSnapshots(previous, current, p.compareContents)
	now := time.Now().UTC()
	for _, event := range events {
		if p.isClosed() {
			return
		}
		event.Timestamp = now
		p.callback(event)
	}
}

func diffSnapshots(previous, current map[string]fileState, compareContents bool) []RawEvent {
	var events []RawEvent
	for path, state := range current {
		before, ok := previous[path]
		if !ok {
			events = append(events, RawEvent{Op: Create, Paths: []string{path}})
			continue
		}
		if state.dir || before.dir {
			continue
		}
		metadataChanged := !state.modTime.Equal(before.modTime) || state.size != before.size
		if compareContents {
			if state.digest == before.digest {
				continue
			}
			if metadataChanged {
				events = append(events, RawEvent{Op: ModifyData, Paths: []string{path}})
			} else {
				events = append(events, RawEvent{Op: ModifyAny, Paths: []string{path}})
			}
			continue
		}
		if metadataChanged {
			events = append(events, RawEvent{Op: ModifyData, Paths: []string{path}})
		}
	}
	for path := range previous {
		if _, ok := current[path]; !ok {
			events = append(events, RawEvent{Op: Remove, Paths: []string{path}})
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Paths[0] < events[j].Paths[0]
	})
	return events
}

func (p *Poller) scanRoot(root string, recursive bool) map[string]fileState {
	states := make(map[string]fileState)
	info, err := os.Stat(root)
	if err != nil {
		return states
	}
	states[root] = p.stateFor(root, info)
	if !recursive || !info.IsDir() {
		return states
	}
	entries, err := walkTree(root, false)
	if err != nil {
		p.logger.Warn("poll scan failed", map[string]string{
			"path":  root,
			"error": err.Error(),
		})
	}
	for _, entry := range entries {
		states[entry.path] = p.stateFor(entry.path, entry.info)
	}
	return states
}

func (p *Poller) stateFor(path string, info os.FileInfo) fileState {
	state := fileState{
		modTime: info.ModTime(),
		size:    info.Size(),
		dir:     info.IsDir(),
	}
	if p.compareContents && !state.dir {
		state.digest = hashFile(path)
	}
	return state
}

func hashFile(path string) [sha256.Size]byte {
	var digest [sha256.Size]byte
	file, err := os.Open(path)
	if err != nil {
		return digest
	}
	defer file.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return digest
	}
	copy(digest[:], hasher.Sum(nil))
	return digest
}
