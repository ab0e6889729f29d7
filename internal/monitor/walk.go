package monitor

import (
	"io/fs"
	"sort"
	"sync"

	"github.com/charlievieth/fastwalk"
)

type walkEntry struct {
	path string
	info fs.FileInfo
}

// walkTree lists every entry below root, root excluded. Unreadable entries
// are skipped.
func walkTree(root string, dirsOnly bool) ([]walkEntry, error) {
	var (
		mutex   sync.Mutex
		entries []walkEntry
	)
	conf := &fastwalk.Config{Follow: false}
	err := fastwalk.Walk(conf, root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == root {
			return nil
		}
		if dirsOnly && !entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		mutex.Lock()
		entries = append(entries, walkEntry{path: path, info: info})
		mutex.Unlock()
		return nil
	})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].path < entries[j].path
	})
	return entries, err
}

func collectRecursiveDirs(root string) ([]string, error) {
	entries, err := walkTree(root, true)
	if err != nil {
		return nil, err
	}
	dirs := make([]string, 0, len(entries))
	for _, entry := range entries {
		dirs = append(dirs, entry.path)
	}
	return dirs, nil
}
