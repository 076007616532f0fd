package mount

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/citizenfx/fxcore/internal/resource"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// LocalMounter mounts resource directories from the local filesystem. The
// resource is named after its directory.
type LocalMounter struct {
	mgr *resource.Manager
	log *zap.Logger
}

func NewLocalMounter(mgr *resource.Manager, log *zap.Logger) *LocalMounter {
	return &LocalMounter{mgr: mgr, log: log}
}

func (l *LocalMounter) HandlesScheme(scheme string) bool {
	return scheme == "file"
}

func (l *LocalMounter) LoadResource(_ context.Context, uri string) (*resource.Resource, error) {
	dir := filepath.Clean(strings.TrimPrefix(uri, "file://"))
	return l.Mount(filepath.Base(dir), dir, nil)
}

// Mount creates resource name from dir. attach, if set, runs after the
// manifest is attached and before the resource is loaded.
func (l *LocalMounter) Mount(name, dir string, attach func(*resource.Resource) error) (*resource.Resource, error) {
	md, err := LoadManifest(dir)
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", name, err)
	}

	res, err := l.mgr.CreateResource(name)
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", name, err)
	}
	err = resource.SetComponent(res, md)
	if err == nil && attach != nil {
		err = attach(res)
	}
	if err == nil {
		err = res.LoadFrom(dir)
	}
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("mount %s: %w", name, err), l.mgr.RemoveResource(res))
	}

	l.log.Info("resource mounted", zap.String("resource", name), zap.String("path", dir))
	return res, nil
}

// Scan mounts every directory under root that carries a manifest, in name
// order. Directories that fail to mount are skipped by the manager.
func Scan(ctx context.Context, mgr *resource.Manager, root string) ([]*resource.Resource, error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name() < dirs[j].Name() })

	var out []*resource.Resource
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(root, d.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestName)); err != nil {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return out, fmt.Errorf("scan %s: %w", root, err)
		}
		if res := mgr.AddResource(ctx, "file://"+abs); res != nil {
			out = append(out, res)
		}
	}
	return out, nil
}
