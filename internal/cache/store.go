package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/citizenfx/fxcore/internal/config"
	"github.com/citizenfx/fxcore/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Fetch results reported to metrics.
const (
	fetchHit      = "hit"
	fetchMiss     = "miss"
	fetchMismatch = "mismatch"
	fetchError    = "error"
)

var (
	ErrHashMismatch = errors.New("content hash mismatch")
	ErrInvalidHash  = errors.New("invalid reference hash")
)

// Index records fetched entries outside the content store.
type Index interface {
	Record(ctx context.Context, e Entry, localPath string) error
}

// Store is a content-addressed file store. Files live at
// <dir>/files/<hash[0:2]>/<hash> and are only trusted once their content
// matches the entry's reference hash.
type Store struct {
	dir      string
	client   *http.Client
	verified *lru.Cache[string, struct{}]
	group    singleflight.Group
	index    Index

	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewStore opens a store under cfg.Dir. idx may be nil.
func NewStore(cfg config.CacheConfig, idx Index, m *metrics.Metrics, log *zap.Logger) (*Store, error) {
	size := cfg.VerifiedEntries
	if size <= 0 {
		size = 1024
	}
	verified, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("verified cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, "files"), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Store{
		dir:      cfg.Dir,
		client:   &http.Client{Timeout: cfg.DownloadTimeout},
		verified: verified,
		index:    idx,
		metrics:  m,
		log:      log,
	}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Path returns where content with the given hash is stored.
func (s *Store) Path(hash string) string {
	hash = strings.ToLower(hash)
	return filepath.Join(s.dir, "files", hash[:2], hash)
}

// Fetch makes the entry's content available locally and returns its path.
// Concurrent fetches of the same content share one download.
func (s *Store) Fetch(ctx context.Context, e Entry) (string, error) {
	hash, err := normalizeHash(e.ReferenceHash)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", e.BaseName, err)
	}
	v, err, _ := s.group.Do(hash, func() (any, error) {
		return s.fetch(ctx, e, hash)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Store) fetch(ctx context.Context, e Entry, hash string) (string, error) {
	path := s.Path(hash)
	if _, err := os.Stat(path); err == nil {
		if s.verified.Contains(hash) {
			s.metrics.CacheFetch(fetchHit)
			return path, nil
		}
		got, err := HashFile(path)
		if err == nil && got == hash {
			s.verified.Add(hash, struct{}{})
			s.metrics.CacheFetch(fetchHit)
			return path, nil
		}
		s.log.Warn("cached file corrupt, refetching",
			zap.String("file", e.BaseName), zap.String("hash", hash), zap.String("got", got))
		os.Remove(path)
	}

	if err := s.download(ctx, e, hash, path); err != nil {
		if errors.Is(err, ErrHashMismatch) {
			s.metrics.CacheFetch(fetchMismatch)
		} else {
			s.metrics.CacheFetch(fetchError)
		}
		return "", err
	}
	s.verified.Add(hash, struct{}{})
	s.metrics.CacheFetch(fetchMiss)

	if s.index != nil {
		if err := s.index.Record(ctx, e, path); err != nil {
			s.log.Warn("cache index record failed", zap.String("file", e.BaseName), zap.Error(err))
		}
	}
	return path, nil
}

// download streams the entry into a temp file while hashing it and moves it
// into place only when the hash matches.
func (s *Store) download(ctx context.Context, e Entry, hash, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.RemoteURL, nil)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", e.BaseName, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", e.BaseName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %s", e.BaseName, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("fetch %s: %w", e.BaseName, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return fmt.Errorf("fetch %s: %w", e.BaseName, err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	h := sha1.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("fetch %s: %w", e.BaseName, err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != hash {
		return fmt.Errorf("fetch %s: %w: expected %s, got %s", e.BaseName, ErrHashMismatch, hash, got)
	}
	if e.Size > 0 && n != e.Size {
		s.log.Debug("size differs from declared", zap.String("file", e.BaseName),
			zap.Int64("declared", e.Size), zap.Int64("actual", n))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("fetch %s: %w", e.BaseName, err)
	}
	return nil
}

func normalizeHash(h string) (string, error) {
	h = strings.ToLower(strings.TrimSpace(h))
	if len(h) != sha1.Size*2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, h)
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, h)
	}
	return h, nil
}

// HashFile returns the hex SHA-1 of a file's content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
