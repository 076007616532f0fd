package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// FileEntry identifies a file on disk without hashing it. It detects drift,
// not tampering.
type FileEntry struct {
	Path   string
	FileID [16]byte
	MTime  int64 // unix seconds
	Size   int64
}

type fileEntryJSON struct {
	Name  string `json:"n"`
	MTime int64  `json:"mt"`
	Size  int64  `json:"s"`
	ID    []byte `json:"i"` // base64 through encoding/json
}

// FileDatabase records the identity of a file set so later runs can tell
// whether any of it changed.
type FileDatabase struct {
	entries map[string]FileEntry
}

func NewFileDatabase() *FileDatabase {
	return &FileDatabase{entries: make(map[string]FileEntry)}
}

// Check reports whether anything differs from the snapshot: the set of
// names, a file that can no longer be queried, or a changed id, mtime or
// size.
func (db *FileDatabase) Check(files []string) bool {
	names := make(map[string]struct{}, len(files))
	for _, f := range files {
		names[f] = struct{}{}
	}
	if len(names) != len(db.entries) {
		return true
	}
	for name := range names {
		stored, ok := db.entries[name]
		if !ok {
			return true
		}
		live, err := statFile(name)
		if err != nil || live != stored {
			return true
		}
	}
	return false
}

// Changes lists the paths that differ from the snapshot in the same terms
// as Check: added, removed, unreadable or changed. The result is sorted.
func (db *FileDatabase) Changes(files []string) []string {
	var changed []string
	names := make(map[string]struct{}, len(files))
	for _, f := range files {
		if _, dup := names[f]; dup {
			continue
		}
		names[f] = struct{}{}
		stored, ok := db.entries[f]
		if !ok {
			changed = append(changed, f)
			continue
		}
		if live, err := statFile(f); err != nil || live != stored {
			changed = append(changed, f)
		}
	}
	for name := range db.entries {
		if _, ok := names[name]; !ok {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

// Snapshot replaces every entry with the live state of files.
func (db *FileDatabase) Snapshot(files []string) error {
	entries := make(map[string]FileEntry, len(files))
	for _, f := range files {
		e, err := statFile(f)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", f, err)
		}
		entries[f] = e
	}
	db.entries = entries
	return nil
}

// Entries returns the stored entries ordered by path.
func (db *FileDatabase) Entries() []FileEntry {
	list := make([]FileEntry, 0, len(db.entries))
	for _, e := range db.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
	return list
}

// Load replaces the entries with those stored at path.
func (db *FileDatabase) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file database %s: %w", path, err)
	}
	var raw []fileEntryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse file database %s: %w", path, err)
	}
	entries := make(map[string]FileEntry, len(raw))
	for _, r := range raw {
		if len(r.ID) != 16 {
			return fmt.Errorf("parse file database %s: entry %q: file id is %d bytes", path, r.Name, len(r.ID))
		}
		e := FileEntry{Path: r.Name, MTime: r.MTime, Size: r.Size}
		copy(e.FileID[:], r.ID)
		entries[r.Name] = e
	}
	db.entries = entries
	return nil
}

// Save writes the entries to path, replacing it atomically.
func (db *FileDatabase) Save(path string) error {
	raw := make([]fileEntryJSON, 0, len(db.entries))
	for _, e := range db.Entries() {
		raw = append(raw, fileEntryJSON{Name: e.Path, MTime: e.MTime, Size: e.Size, ID: e.FileID[:]})
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode file database: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".filedb-*")
	if err != nil {
		return fmt.Errorf("save file database %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("save file database %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save file database %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save file database %s: %w", path, err)
	}
	return nil
}
