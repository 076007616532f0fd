package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/citizenfx/fxcore/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestFileDatabase_SnapshotCheckCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.lua")
	b := filepath.Join(dir, "b.lua")
	writeFile(t, a, "print('a')")
	writeFile(t, b, "print('b')")
	files := []string{a, b}

	db := NewFileDatabase()
	require.NoError(t, db.Snapshot(files))
	assert.False(t, db.Check(files))

	assert.True(t, db.Check([]string{a}), "file removed from the list")
	assert.True(t, db.Check([]string{a, b, filepath.Join(dir, "c.lua")}), "file added to the list")

	writeFile(t, b, "print('b changed')")
	assert.True(t, db.Check(files), "size changed")

	require.NoError(t, db.Snapshot(files))
	assert.False(t, db.Check(files))
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(a, later, later))
	assert.True(t, db.Check(files), "mtime changed")

	require.NoError(t, db.Snapshot(files))
	require.NoError(t, os.Remove(a))
	assert.True(t, db.Check(files), "file no longer exists")
}

func TestFileDatabase_Changes(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	c := filepath.Join(dir, "c")
	writeFile(t, a, "1")
	writeFile(t, b, "2")
	writeFile(t, c, "3")

	db := NewFileDatabase()
	require.NoError(t, db.Snapshot([]string{a, b}))
	assert.Empty(t, db.Changes([]string{a, b}))

	writeFile(t, b, "22")
	assert.Equal(t, []string{a, b, c}, db.Changes([]string{b, c}), "removed, changed and added")
}

func TestFileDatabase_SnapshotReplaces(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	writeFile(t, a, "1")
	writeFile(t, b, "2")

	db := NewFileDatabase()
	require.NoError(t, db.Snapshot([]string{a, b}))
	require.NoError(t, db.Snapshot([]string{b}))
	require.Len(t, db.Entries(), 1)
	assert.Equal(t, b, db.Entries()[0].Path)

	assert.Error(t, db.Snapshot([]string{filepath.Join(dir, "missing")}))
}

func TestFileDatabase_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	var files []string
	for _, name := range []string{"x", "y", "z"} {
		p := filepath.Join(dir, name)
		writeFile(t, p, name+name)
		files = append(files, p)
	}
	db := NewFileDatabase()
	require.NoError(t, db.Snapshot(files))

	dbPath := filepath.Join(dir, "files.json")
	require.NoError(t, db.Save(dbPath))

	loaded := NewFileDatabase()
	require.NoError(t, loaded.Load(dbPath))
	assert.Equal(t, db.Entries(), loaded.Entries())
	assert.False(t, loaded.Check(files))

	raw, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"n":`)
	assert.Contains(t, string(raw), `"mt":`)
	assert.Contains(t, string(raw), `"i":"`, "file id is base64")
}

func TestFileDatabase_SaveWritesEpochSeconds(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a")
	writeFile(t, p, "aa")
	stamp := time.Date(2024, 3, 1, 12, 0, 0, 500_000_000, time.UTC)
	require.NoError(t, os.Chtimes(p, stamp, stamp))

	db := NewFileDatabase()
	require.NoError(t, db.Snapshot([]string{p}))
	dbPath := filepath.Join(dir, "files.json")
	require.NoError(t, db.Save(dbPath))

	raw, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	var rows []struct {
		MTime int64 `json:"mt"`
	}
	require.NoError(t, json.Unmarshal(raw, &rows))
	require.Len(t, rows, 1)
	fi, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, fi.ModTime().Unix(), rows[0].MTime)
	assert.Equal(t, stamp.Unix(), rows[0].MTime)
}

func TestFileDatabase_LoadRejectsBadID(t *testing.T) {
	p := filepath.Join(t.TempDir(), "db.json")
	writeFile(t, p, `[{"n":"a","mt":1,"s":2,"i":"AAEC"}]`)
	assert.Error(t, NewFileDatabase().Load(p))
	writeFile(t, p, `not json`)
	assert.Error(t, NewFileDatabase().Load(p))
}

type recordingIndex struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *recordingIndex) Record(_ context.Context, e Entry, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func newTestStore(t *testing.T, idx Index) *Store {
	t.Helper()
	s, err := NewStore(config.CacheConfig{Dir: t.TempDir(), VerifiedEntries: 16, DownloadTimeout: 5 * time.Second}, idx, nil, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestStore_FetchVerifiesAndCaches(t *testing.T) {
	const body = "local x = 1"
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	idx := &recordingIndex{}
	s := newTestStore(t, idx)
	e := Entry{ResourceName: "chat", BaseName: "client.lua", RemoteURL: srv.URL + "/client.lua", ReferenceHash: sha1Hex(body)}

	path, err := s.Fetch(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, s.Path(e.ReferenceHash), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	_, err = s.Fetch(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "second fetch served from the store")
	assert.Len(t, idx.entries, 1)
}

func TestStore_HashMismatchIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered"))
	}))
	defer srv.Close()

	s := newTestStore(t, nil)
	e := Entry{BaseName: "a.lua", RemoteURL: srv.URL, ReferenceHash: sha1Hex("original")}

	_, err := s.Fetch(context.Background(), e)
	assert.ErrorIs(t, err, ErrHashMismatch)
	_, statErr := os.Stat(s.Path(e.ReferenceHash))
	assert.True(t, os.IsNotExist(statErr), "mismatched content never lands in the store")

	leftovers, err := filepath.Glob(filepath.Join(s.Dir(), "files", "*", ".download-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestStore_CorruptEntryRefetched(t *testing.T) {
	const body = "good"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	s := newTestStore(t, nil)
	e := Entry{BaseName: "f", RemoteURL: srv.URL, ReferenceHash: sha1Hex(body)}
	path := s.Path(e.ReferenceHash)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	writeFile(t, path, "bad")

	got, err := s.Fetch(context.Background(), e)
	require.NoError(t, err)
	data, _ := os.ReadFile(got)
	assert.Equal(t, body, string(data))
}

func TestStore_FetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	s := newTestStore(t, nil)

	_, err := s.Fetch(context.Background(), Entry{BaseName: "x", RemoteURL: srv.URL, ReferenceHash: "nothex"})
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = s.Fetch(context.Background(), Entry{BaseName: "x", RemoteURL: srv.URL, ReferenceHash: sha1Hex("x")})
	assert.Error(t, err)
}

func TestStore_ConcurrentFetchSharesDownload(t *testing.T) {
	const body = "shared"
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Write([]byte(body))
	}))
	defer srv.Close()

	s := newTestStore(t, nil)
	e := Entry{BaseName: "f", RemoteURL: srv.URL, ReferenceHash: sha1Hex(body)}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Fetch(context.Background(), e)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), hits.Load(), "late callers hit the stored file")
}

func TestEntryList(t *testing.T) {
	l := NewEntryList()
	l.Add(Entry{BaseName: "b.lua", ReferenceHash: "1"})
	l.Add(Entry{BaseName: "a.lua", ReferenceHash: "2"})
	l.Add(Entry{BaseName: "b.lua", ReferenceHash: "3"})

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a.lua", entries[0].BaseName)
	e, ok := l.Find("b.lua")
	assert.True(t, ok)
	assert.Equal(t, "3", e.ReferenceHash)
	_, ok = l.Find("none")
	assert.False(t, ok)
}
