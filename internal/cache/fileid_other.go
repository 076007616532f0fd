//go:build !unix

package cache

import "os"

// statFile has no portable file id here; mtime and size carry the check.
func statFile(path string) (FileEntry, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return FileEntry{}, err
	}
	return FileEntry{Path: path, MTime: fi.ModTime().Unix(), Size: fi.Size()}, nil
}
