//go:build unix

package cache

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// statFile queries a file's identity. The id is the device and inode
// numbers, 8 bytes each, little-endian.
func statFile(path string) (FileEntry, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return FileEntry{}, err
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return FileEntry{}, fmt.Errorf("stat %s: %w", path, err)
	}
	e := FileEntry{Path: path, MTime: fi.ModTime().Unix(), Size: fi.Size()}
	binary.LittleEndian.PutUint64(e.FileID[0:], uint64(st.Dev))
	binary.LittleEndian.PutUint64(e.FileID[8:], uint64(st.Ino))
	return e, nil
}
