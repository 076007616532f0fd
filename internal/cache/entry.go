package cache

import (
	"sort"
	"sync"

	"github.com/citizenfx/fxcore/internal/resource"
)

// Entry is a file a resource is allowed to fetch. ReferenceHash is the
// lowercase hex SHA-1 of the expected content.
type Entry struct {
	ResourceName  string
	BaseName      string
	RemoteURL     string
	ReferenceHash string
	Size          int64
}

// EntryList is the resource component listing a resource's cacheable files,
// keyed by base name.
type EntryList struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewEntryList() *EntryList {
	return &EntryList{entries: make(map[string]Entry)}
}

// Add stores e, replacing any entry with the same base name.
func (l *EntryList) Add(e Entry) {
	l.mu.Lock()
	l.entries[e.BaseName] = e
	l.mu.Unlock()
}

// Find returns the entry for baseName.
func (l *EntryList) Find(baseName string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[baseName]
	return e, ok
}

// Entries returns all entries ordered by base name.
func (l *EntryList) Entries() []Entry {
	l.mu.RLock()
	list := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		list = append(list, e)
	}
	l.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].BaseName < list[j].BaseName })
	return list
}

// EntryListOf returns the entry list attached to r, if any.
func EntryListOf(r *resource.Resource) (*EntryList, bool) {
	return resource.GetComponent[*EntryList](r)
}
