package backup

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/backup-sidecar/internal/artifact"
	"github.com/rowjay/backup-sidecar/internal/observer"
	"github.com/rowjay/backup-sidecar/internal/storage"
	"github.com/rowjay/backup-sidecar/internal/util"
)

var fastPolicy = util.Policy{Attempts: 3, Delay: time.Millisecond}

// flakyStore fails Put for keys containing a marker, a fixed number of times
// or forever when the count is negative.
type flakyStore struct {
	storage.Storage

	mu       sync.Mutex
	failures map[string]int
	puts     atomic.Int64
}

func newFlakyStore(t *testing.T) *flakyStore {
	return &flakyStore{Storage: storage.NewLocal(t.TempDir()), failures: map[string]int{}}
}

func (f *flakyStore) failOn(marker string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[marker] = times
}

func (f *flakyStore) Put(ctx context.Context, key string, r io.Reader, size int64, md map[string]string) (int64, error) {
	f.puts.Add(1)
	f.mu.Lock()
	for marker, left := range f.failures {
		if strings.Contains(key, marker) && left != 0 {
			f.failures[marker] = left - 1
			f.mu.Unlock()
			return 0, errors.New("injected failure")
		}
	}
	f.mu.Unlock()
	return f.Storage.Put(ctx, key, r, size, md)
}

func testFactory(t *testing.T) *artifact.Factory {
	t.Helper()
	f, err := artifact.NewFactory(artifact.Identity{Prefix: "bk", Region: "us-east-1", Cluster: "ring", Host: "node1", Token: "42"})
	require.NoError(t, err)
	return f
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
}

type recorder struct {
	mu    sync.Mutex
	calls []struct {
		kind artifact.FileType
		keys []string
	}
}

func (r *recorder) Update(kind artifact.FileType, keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		kind artifact.FileType
		keys []string
	}{kind, keys})
}

func TestCommitLogBatchIsolation(t *testing.T) {
	dir := t.TempDir()
	names := []string{"CommitLog-7-1700000000000.log", "CommitLog-7-1700000060000.log", "CommitLog-7-1700000120000.log"}
	for _, n := range names {
		writeFile(t, filepath.Join(dir, n), "segment "+n)
	}

	store := newFlakyStore(t)
	store.failOn("1700000060000", -1)
	rec := &recorder{}
	reg := observer.NewRegistry()
	reg.Add(rec)

	b := &CommitLogBackup{Factory: testFactory(t), Store: store, Observers: reg, Policy: fastPolicy, Log: zerolog.Nop()}
	report, err := b.Upload(context.Background(), dir, "")
	require.NoError(t, err)

	assert.Equal(t, 2, report.Succeeded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, filepath.Join(dir, names[1]), report.Failed[0].File)
	assert.Error(t, report.Err())
	assert.Equal(t, int64(5), store.puts.Load())

	_, err = os.Stat(filepath.Join(dir, names[0]))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, names[1]))
	assert.NoError(t, err, "failed file must stay in place")

	require.Len(t, rec.calls, 1)
	assert.Equal(t, artifact.TypeCommitLog, rec.calls[0].kind)
	assert.Equal(t, report.Keys, rec.calls[0].keys)
	assert.Len(t, rec.calls[0].keys, 2)
}

func TestCommitLogSnapshotTagSetsTime(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "CommitLog-7-1700000000000.log"), "x")
	store := newFlakyStore(t)

	b := &CommitLogBackup{Factory: testFactory(t), Store: store, Log: zerolog.Nop()}
	report, err := b.Upload(context.Background(), dir, "202401020304")
	require.NoError(t, err)
	require.Len(t, report.Keys, 1)
	assert.Equal(t, "bk/us-east-1/ring/node1/42/202401020304/CL/CommitLog-7-1700000000000.log", report.Keys[0])
}

func TestCommitLogStructuralErrors(t *testing.T) {
	b := &CommitLogBackup{Factory: testFactory(t), Store: newFlakyStore(t), Log: zerolog.Nop()}
	_, err := b.Upload(context.Background(), "  ", "")
	assert.Error(t, err)
	_, err = b.Upload(context.Background(), filepath.Join(t.TempDir(), "missing"), "")
	assert.Error(t, err)
	_, err = b.Upload(context.Background(), t.TempDir(), "not-a-date")
	var fe *artifact.FormatError
	assert.ErrorAs(t, err, &fe)
}

func TestUploadRetryBound(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "CommitLog-7-1700000000000.log")
	writeFile(t, file, "x")
	p, err := testFactory(t).ParseLocal(file, artifact.TypeCommitLog, "")
	require.NoError(t, err)

	store := newFlakyStore(t)
	store.failOn("CommitLog", 2)
	require.NoError(t, upload(context.Background(), store, p, fastPolicy, zerolog.Nop()))
	assert.Equal(t, int64(3), store.puts.Load())
	assert.Equal(t, int64(1), p.CompressedSize)

	store = newFlakyStore(t)
	store.failOn("CommitLog", -1)
	err = upload(context.Background(), store, p, fastPolicy, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
	assert.Equal(t, int64(3), store.puts.Load())
}

func sstPath(t *testing.T, data string) *artifact.Path {
	t.Helper()
	file := filepath.Join(data, "ks1", "cf1", "backups", "ks1-cf1-ka-1-Data.db")
	writeFile(t, file, "sstable")
	p, err := testFactory(t).ParseLocal(file, artifact.TypeSnapshot, "")
	require.NoError(t, err)
	return p
}

func TestConsumerUploadsAndDeletes(t *testing.T) {
	p := sstPath(t, t.TempDir())
	store := newFlakyStore(t)
	var called *artifact.Path

	c := &Consumer{Path: p, Store: store, Policy: fastPolicy, Callback: func(done *artifact.Path) { called = done }, Log: zerolog.Nop()}
	res := c.Run(context.Background())

	require.Equal(t, util.Succeeded, res.Outcome)
	assert.Equal(t, artifact.TypeSST, p.Type)
	assert.Same(t, p, called)
	_, err := os.Stat(p.LocalFile)
	assert.True(t, os.IsNotExist(err))

	ok, err := store.Exists(context.Background(), p.Format())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConsumerMissingFileIsSkipped(t *testing.T) {
	p := sstPath(t, t.TempDir())
	require.NoError(t, os.Remove(p.LocalFile))
	store := newFlakyStore(t)
	called := false

	c := &Consumer{Path: p, Store: store, Policy: fastPolicy, Callback: func(*artifact.Path) { called = true }, Log: zerolog.Nop()}
	res := c.Run(context.Background())

	assert.Equal(t, util.Skipped, res.Outcome)
	assert.True(t, util.IsCancelled(res.Err))
	assert.False(t, called)
	assert.Equal(t, int64(0), store.puts.Load())
}

// throttlingStore reports throttled responses for keys containing marker
// while the other upload is still in flight.
type throttlingStore struct {
	storage.Storage
	marker string
	total  atomic.Int64
	noted  chan struct{}
}

func (s *throttlingStore) Put(ctx context.Context, key string, r io.Reader, size int64, md map[string]string) (int64, error) {
	if strings.Contains(key, s.marker) {
		for i := 0; i < 3; i++ {
			s.total.Add(1)
			storage.NoteThrottle(ctx)
		}
		close(s.noted)
	} else {
		<-s.noted
	}
	return s.Storage.Put(ctx, key, r, size, md)
}

func (s *throttlingStore) ThrottleCount() int64 { return s.total.Load() }

func TestConsumerThrottleCountIsPerFile(t *testing.T) {
	data := t.TempDir()
	factory := testFactory(t)
	var paths []*artifact.Path
	for _, name := range []string{"quiet-Data.db", "busy-Data.db"} {
		file := filepath.Join(data, "ks1", "cf1", "backups", name)
		writeFile(t, file, name)
		p, err := factory.ParseLocal(file, artifact.TypeSST, "")
		require.NoError(t, err)
		paths = append(paths, p)
	}
	store := &throttlingStore{Storage: storage.NewLocal(t.TempDir()), marker: "busy", noted: make(chan struct{})}

	var wg sync.WaitGroup
	for _, p := range paths {
		wg.Add(1)
		go func(p *artifact.Path) {
			defer wg.Done()
			res := (&Consumer{Path: p, Store: store, Policy: fastPolicy, Log: zerolog.Nop()}).Run(context.Background())
			assert.Equal(t, util.Succeeded, res.Outcome)
		}(p)
	}
	wg.Wait()

	assert.Equal(t, int64(0), paths[0].ThrottleCount)
	assert.Equal(t, int64(3), paths[1].ThrottleCount)
	assert.Equal(t, int64(3), store.ThrottleCount())
}

func TestVanishedFileIsSkipped(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "ks1", "cf1", "backups", "gone-Data.db")
	_, err := testFactory(t).ParseLocal(missing, artifact.TypeSST, "")
	require.Error(t, err)

	report := &Report{}
	unparsable(report, missing, err, zerolog.Nop())
	unparsable(report, "bad", errors.New("malformed"), zerolog.Nop())
	report.finish()

	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "bad", report.Failed[0].File)
}

func TestConsumerFailureKeepsFile(t *testing.T) {
	p := sstPath(t, t.TempDir())
	store := newFlakyStore(t)
	store.failOn("SST", -1)

	res := (&Consumer{Path: p, Store: store, Policy: fastPolicy, Log: zerolog.Nop()}).Run(context.Background())
	assert.Equal(t, util.Failed, res.Outcome)
	_, err := os.Stat(p.LocalFile)
	assert.NoError(t, err)
}

func TestIncrementalBackupRun(t *testing.T) {
	data := t.TempDir()
	for _, f := range []string{"ks1/cf1/backups/a-Data.db", "ks1/cf1/backups/a-Index.db", "ks2/cf9/backups/b-Data.db"} {
		writeFile(t, filepath.Join(data, filepath.FromSlash(f)), f)
	}
	writeFile(t, filepath.Join(data, "ks1", "cf1", "live-Data.db"), "not a backup")

	rec := &recorder{}
	reg := observer.NewRegistry()
	reg.Add(rec)
	var uploaded atomic.Int64

	b := &IncrementalBackup{
		Factory: testFactory(t), Store: newFlakyStore(t), Observers: reg, Policy: fastPolicy,
		Workers: 2, DataDir: data, OnUploaded: func(*artifact.Path) { uploaded.Add(1) }, Log: zerolog.Nop(),
	}
	report, err := b.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, int64(3), uploaded.Load())
	require.Len(t, rec.calls, 1)
	assert.Equal(t, artifact.TypeSST, rec.calls[0].kind)
	assert.Len(t, rec.calls[0].keys, 3)
	for _, key := range rec.calls[0].keys {
		assert.Contains(t, key, "/SST/")
	}
	_, err = os.Stat(filepath.Join(data, "ks1", "cf1", "live-Data.db"))
	assert.NoError(t, err)
}

func newManager(t *testing.T, store storage.Storage, reg *observer.Registry) *Manager {
	return &Manager{Factory: testFactory(t), Store: store, Observers: reg, Policy: fastPolicy, TempDir: t.TempDir(), Log: zerolog.Nop()}
}

func TestManifestBuildAndLoad(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore(t)
	rec := &recorder{}
	reg := observer.NewRegistry()
	reg.Add(rec)
	m := newManager(t, store, reg)

	p1 := sstPath(t, t.TempDir())
	p1.Type = artifact.TypeSnapshot
	p2 := &artifact.Path{Identity: p1.Identity, Type: artifact.TypeSnapshot, Keyspace: "ks1", ColumnFamily: "cf2", FileName: "x-Data.db", Time: p1.Time}

	meta, err := m.Build(ctx, []*artifact.Path{p1, p2}, "202401010000")
	require.NoError(t, err)
	assert.Equal(t, artifact.TypeMeta, meta.Type)
	_, err = os.Stat(filepath.Join(m.TempDir, manifestFile))
	assert.True(t, os.IsNotExist(err), "temp manifest must be removed")

	again, err := m.Build(ctx, []*artifact.Path{p1, p2}, "202401020000")
	require.NoError(t, err)
	require.NotEqual(t, meta.Format(), again.Format())

	latest, err := m.Latest(ctx, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, again.Format(), latest.Format())
	earlier, err := m.Latest(ctx, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, meta.Format(), earlier.Format())

	first, err := m.Load(ctx, earlier)
	require.NoError(t, err)
	second, err := m.Load(ctx, latest)
	require.NoError(t, err)
	want := artifact.Keys([]*artifact.Path{p1, p2})
	assert.Equal(t, want, artifact.Keys(first))
	assert.Equal(t, artifact.Keys(first), artifact.Keys(second))

	require.Len(t, rec.calls, 2)
	assert.Equal(t, artifact.TypeMeta, rec.calls[1].kind)
	assert.Equal(t, []string{meta.Format(), again.Format()}, rec.calls[1].keys)
}

func TestManifestLatestReportsStoreFailure(t *testing.T) {
	notADir := filepath.Join(t.TempDir(), "not-a-dir")
	writeFile(t, notADir, "plain file")
	m := newManager(t, storage.NewLocal(notADir), nil)

	_, err := m.Latest(context.Background(), time.Now())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrManifestAbsent)
}

func TestManifestAbsentAndCorrupt(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore(t)
	m := newManager(t, store, nil)

	_, err := m.Latest(ctx, time.Now())
	assert.ErrorIs(t, err, ErrManifestAbsent)

	meta := &artifact.Path{Identity: m.Factory.Identity, Type: artifact.TypeMeta, FileName: manifestFile, Time: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	assert.False(t, m.Exists(ctx, meta))
	_, err = m.Load(ctx, meta)
	assert.ErrorIs(t, err, ErrManifestAbsent)
	assert.NotErrorIs(t, err, ErrManifestCorrupt)

	_, err = store.Put(ctx, meta.Format(), strings.NewReader(`["bk/not/a/key"]`), -1, nil)
	require.NoError(t, err)
	assert.True(t, m.Exists(ctx, meta))
	_, err = m.Load(ctx, meta)
	assert.ErrorIs(t, err, ErrManifestCorrupt)

	_, err = store.Put(ctx, meta.Format(), strings.NewReader(`{"oops"`), -1, nil)
	require.NoError(t, err)
	_, err = m.Load(ctx, meta)
	assert.ErrorIs(t, err, ErrManifestCorrupt)
}

func TestSnapshotBackupWritesManifest(t *testing.T) {
	ctx := context.Background()
	data := t.TempDir()
	tag := "202402030405"
	files := []string{"ks1/cf1/snapshots/" + tag + "/a-Data.db", "ks1/cf2/snapshots/" + tag + "/b-Data.db"}
	for _, f := range files {
		writeFile(t, filepath.Join(data, filepath.FromSlash(f)), f)
	}
	writeFile(t, filepath.Join(data, "ks1/cf1/snapshots/202001010000/old-Data.db"), "old")

	store := newFlakyStore(t)
	m := newManager(t, store, nil)
	b := &SnapshotBackup{Factory: m.Factory, Store: store, Manifest: m, Policy: fastPolicy, Workers: 2, DataDir: data, Log: zerolog.Nop()}

	report, meta, err := b.Run(ctx, tag)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	require.NotNil(t, meta)

	loaded, err := m.Load(ctx, meta)
	require.NoError(t, err)
	assert.Equal(t, report.Keys, artifact.Keys(loaded))
	for _, f := range files {
		_, err := os.Stat(filepath.Join(data, filepath.FromSlash(f)))
		assert.NoError(t, err, "snapshot files are kept")
	}
}

func TestSnapshotBackupFailureSkipsManifest(t *testing.T) {
	data := t.TempDir()
	tag := "202402030405"
	writeFile(t, filepath.Join(data, "ks1/cf1/snapshots", tag, "a-Data.db"), "a")

	store := newFlakyStore(t)
	store.failOn("a-Data.db", -1)
	m := newManager(t, store, nil)
	b := &SnapshotBackup{Factory: m.Factory, Store: store, Manifest: m, Policy: fastPolicy, Workers: 1, DataDir: data, Log: zerolog.Nop()}

	_, meta, err := b.Run(context.Background(), tag)
	assert.Error(t, err)
	assert.Nil(t, meta)
	_, err = m.Latest(context.Background(), time.Now())
	assert.ErrorIs(t, err, ErrManifestAbsent)
}
