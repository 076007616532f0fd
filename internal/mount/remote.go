package mount

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/citizenfx/fxcore/internal/cache"
	"github.com/citizenfx/fxcore/internal/resource"
	"go.uber.org/zap"
)

const (
	fileDatabaseName = ".fxfiles.json"
	mountStateName   = ".fxmount.json"
)

var ErrBadIndex = errors.New("bad resource index")

// Index is the remote description of a resource: its name and the files it
// may fetch. Relative file URLs resolve against the index URL.
type Index struct {
	Name  string      `json:"name"`
	Files []IndexFile `json:"files"`
}

type IndexFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// CacheMounter mounts resources published over HTTP. Every file goes
// through the content store, so nothing is mounted unless its hash matches
// the index. Verified files are materialized under
// <cache>/resources/<name>/ and then mounted as a local directory.
type CacheMounter struct {
	store  *cache.Store
	local  *LocalMounter
	client *http.Client
	log    *zap.Logger
}

func NewCacheMounter(store *cache.Store, local *LocalMounter, client *http.Client, log *zap.Logger) *CacheMounter {
	if client == nil {
		client = http.DefaultClient
	}
	return &CacheMounter{store: store, local: local, client: client, log: log}
}

func (c *CacheMounter) HandlesScheme(scheme string) bool {
	return scheme == "http" || scheme == "https"
}

func (c *CacheMounter) LoadResource(ctx context.Context, uri string) (*resource.Resource, error) {
	step, err := c.Prepare(ctx, uri)
	if err != nil {
		return nil, err
	}
	return step()
}

// Prepare fetches the index and every file, verifies them and materializes
// the resource directory. The returned step mounts that directory and must
// run on the tick goroutine.
func (c *CacheMounter) Prepare(ctx context.Context, uri string) (func() (*resource.Resource, error), error) {
	base, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", uri, err)
	}
	idx, err := c.fetchIndex(ctx, uri)
	if err != nil {
		return nil, err
	}
	if idx.Name == "" {
		idx.Name = path.Base(strings.TrimSuffix(base.Path, "/"))
	}
	if !validName(idx.Name) {
		return nil, fmt.Errorf("mount %s: %w: resource name %q", uri, ErrBadIndex, idx.Name)
	}

	entries := cache.NewEntryList()
	for _, f := range idx.Files {
		if !validRelPath(f.Name) {
			return nil, fmt.Errorf("mount %s: %w: file name %q", uri, ErrBadIndex, f.Name)
		}
		ref, err := url.Parse(f.URL)
		if err != nil {
			return nil, fmt.Errorf("mount %s: %w: file %s: %v", uri, ErrBadIndex, f.Name, err)
		}
		entries.Add(cache.Entry{
			ResourceName:  idx.Name,
			BaseName:      f.Name,
			RemoteURL:     base.ResolveReference(ref).String(),
			ReferenceHash: strings.ToLower(f.Hash),
			Size:          f.Size,
		})
	}

	sources := make(map[string]string, len(idx.Files))
	for _, e := range entries.Entries() {
		p, err := c.store.Fetch(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("mount %s: %w", idx.Name, err)
		}
		sources[e.BaseName] = p
	}

	dir := filepath.Join(c.store.Dir(), "resources", idx.Name)
	if err := c.materialize(dir, entries.Entries(), sources); err != nil {
		return nil, fmt.Errorf("mount %s: %w", idx.Name, err)
	}

	name := idx.Name
	return func() (*resource.Resource, error) {
		return c.local.Mount(name, dir, func(r *resource.Resource) error {
			r.SetIdentifier(uri)
			return resource.SetComponent(r, entries)
		})
	}, nil
}

func (c *CacheMounter) fetchIndex(ctx context.Context, uri string) (*Index, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch index %s: %w", uri, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch index %s: %w", uri, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch index %s: unexpected status %s", uri, resp.Status)
	}
	var idx Index
	if err := json.NewDecoder(resp.Body).Decode(&idx); err != nil {
		return nil, fmt.Errorf("fetch index %s: %w: %v", uri, ErrBadIndex, err)
	}
	return &idx, nil
}

type mountState struct {
	Hashes map[string]string `json:"hashes"`
}

// materialize copies verified content into dir. The copy is skipped when
// the previous materialization used the same hashes and the file database
// shows no local drift since.
func (c *CacheMounter) materialize(dir string, entries []cache.Entry, sources map[string]string) error {
	targets := make([]string, 0, len(entries))
	hashes := make(map[string]string, len(entries))
	for _, e := range entries {
		targets = append(targets, filepath.Join(dir, filepath.FromSlash(e.BaseName)))
		hashes[e.BaseName] = e.ReferenceHash
	}

	db := cache.NewFileDatabase()
	dbPath := filepath.Join(dir, fileDatabaseName)
	if prev, err := readMountState(filepath.Join(dir, mountStateName)); err == nil && sameHashes(prev.Hashes, hashes) {
		if db.Load(dbPath) == nil && !db.Check(targets) {
			c.log.Debug("resource files unchanged", zap.String("dir", dir))
			return nil
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i, e := range entries {
		if err := copyFile(sources[e.BaseName], targets[i]); err != nil {
			return fmt.Errorf("materialize %s: %w", e.BaseName, err)
		}
	}
	if err := db.Snapshot(targets); err != nil {
		return err
	}
	if err := db.Save(dbPath); err != nil {
		return err
	}
	state, err := json.Marshal(mountState{Hashes: hashes})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, mountStateName), state, 0o644)
}

func readMountState(p string) (*mountState, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var st mountState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func sameHashes(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\:`)
}

// validRelPath accepts slash-separated paths that stay inside the resource.
func validRelPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}
