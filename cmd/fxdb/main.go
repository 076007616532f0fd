// fxdb snapshots a directory into a file database and checks it for drift.
package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/citizenfx/fxcore/internal/cache"
)

const usage = "Usage: fxdb snapshot|check <db.json> <dir>"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) != 3 {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	cmd, dbPath, dir := args[0], args[1], args[2]
	if cmd != "snapshot" && cmd != "check" {
		fmt.Fprintln(stderr, usage)
		return 2
	}

	files, err := listFiles(dir)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	db := cache.NewFileDatabase()
	switch cmd {
	case "snapshot":
		if err := db.Snapshot(files); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		if err := db.Save(dbPath); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintf(stdout, "Recorded %d files in %s\n", len(files), dbPath)
		return 0

	case "check":
		if err := db.Load(dbPath); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		if !db.Check(files) {
			fmt.Fprintf(stdout, "%d files unchanged\n", len(files))
			return 0
		}
		for _, p := range db.Changes(files) {
			fmt.Fprintln(stdout, "changed:", p)
		}
		return 1
	}
	return 2
}

// listFiles returns every regular file under dir, sorted.
func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}
