package restore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/backup-sidecar/internal/artifact"
	"github.com/rowjay/backup-sidecar/internal/compress"
	"github.com/rowjay/backup-sidecar/internal/storage"
	"github.com/rowjay/backup-sidecar/internal/util"
)

var fastPolicy = util.Policy{Attempts: 3, Delay: time.Millisecond}

type countingStore struct {
	storage.Storage
	gets atomic.Int64
}

func (c *countingStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	c.gets.Add(1)
	return c.Storage.Get(ctx, key)
}

var identity = artifact.Identity{Prefix: "bk", Region: "eu-west-1", Cluster: "ring", Host: "node2", Token: "7"}

func sst(name string) *artifact.Path {
	return &artifact.Path{Identity: identity, Type: artifact.TypeSST, Keyspace: "ks", ColumnFamily: "cf", FileName: name, Time: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func put(t *testing.T, store storage.Storage, p *artifact.Path, data []byte) {
	t.Helper()
	_, err := store.Put(context.Background(), p.Format(), bytes.NewReader(data), int64(len(data)), nil)
	require.NoError(t, err)
}

func assertNoTemps(t *testing.T, dir string) {
	t.Helper()
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		assert.False(t, strings.HasPrefix(d.Name(), scratchPrefix), "leftover scratch directory %s", path)
		if !d.IsDir() {
			assert.NotContains(t, d.Name(), tempSuffix, "leftover temp file %s", path)
		}
		return nil
	})
}

func TestPlainRestore(t *testing.T) {
	store := storage.NewLocal(t.TempDir())
	paths := []*artifact.Path{sst("a-Data.db"), sst("b-Data.db"), {Identity: identity, Type: artifact.TypeCommitLog, FileName: "CommitLog-7-1.log", Time: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}}
	for _, p := range paths {
		put(t, store, p, []byte("content of "+p.FileName))
	}

	target := t.TempDir()
	engine := &Engine{Stages: PlainStages(store), Workers: 2, Policy: fastPolicy, Log: zerolog.Nop()}
	tracker, err := engine.Restore(context.Background(), paths, target)
	require.NoError(t, err)
	require.NoError(t, tracker.Err())

	for _, p := range paths {
		got, err := os.ReadFile(p.NewRestoreTarget(target))
		require.NoError(t, err)
		assert.Equal(t, "content of "+p.FileName, string(got))
	}
	prog := tracker.Progress()
	assert.Equal(t, 3, prog.Total)
	assert.Equal(t, 3, prog.Materialized)
	assert.Equal(t, 0, prog.Pending())
	assert.Positive(t, prog.Bytes)
	assertNoTemps(t, target)
}

func TestEncryptedRestore(t *testing.T) {
	inner := storage.NewLocal(t.TempDir())
	writer := storage.NewEncrypted(inner, "pw", compress.TypeZstd)
	payload := bytes.Repeat([]byte("sstable-bytes "), 10000)
	p := sst("big-Data.db")
	put(t, writer, p, payload)

	target := t.TempDir()
	engine := &Engine{Stages: EncryptedStages(inner, "pw", compress.TypeZstd), Workers: 1, Policy: fastPolicy, Log: zerolog.Nop()}
	tracker, err := engine.Restore(context.Background(), []*artifact.Path{p}, target)
	require.NoError(t, err)
	require.NoError(t, tracker.Err())

	got, err := os.ReadFile(p.NewRestoreTarget(target))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, int64(len(payload)), tracker.Progress().Bytes)
	assertNoTemps(t, target)
}

func TestFailedDecryptNeverMaterializes(t *testing.T) {
	inner := &countingStore{Storage: storage.NewLocal(t.TempDir())}
	bad := sst("bad-Data.db")
	good := sst("good-Data.db")
	put(t, storage.NewEncrypted(inner.Storage, "right", compress.TypeSnappy), bad, []byte("secret"))
	put(t, storage.NewEncrypted(inner.Storage, "wrong", compress.TypeSnappy), good, []byte("fine"))

	target := t.TempDir()
	engine := &Engine{Stages: EncryptedStages(inner, "wrong", compress.TypeSnappy), Workers: 2, Policy: fastPolicy, Log: zerolog.Nop()}
	tracker, err := engine.Restore(context.Background(), []*artifact.Path{bad, good}, target)
	require.NoError(t, err)

	_, err = os.Stat(bad.NewRestoreTarget(target))
	assert.True(t, os.IsNotExist(err), "failed file must not appear at its target")
	got, err := os.ReadFile(good.NewRestoreTarget(target))
	require.NoError(t, err)
	assert.Equal(t, "fine", string(got))

	failed := tracker.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, bad.Format(), failed[0].Key)
	assert.Equal(t, 3, failed[0].Attempts)
	var stageErr *StageError
	require.ErrorAs(t, failed[0].Err, &stageErr)
	assert.Equal(t, StateDecrypting, stageErr.Stage)
	assert.Error(t, tracker.Err())
	assert.Equal(t, int64(4), inner.gets.Load(), "every attempt starts from download")
	assertNoTemps(t, target)
}

func TestFailedDecompressNeverMaterializes(t *testing.T) {
	inner := &countingStore{Storage: storage.NewLocal(t.TempDir())}
	p := sst("zstd-Data.db")
	put(t, storage.NewEncrypted(inner.Storage, "pw", compress.TypeZstd), p, bytes.Repeat([]byte("row "), 1000))

	target := t.TempDir()
	engine := &Engine{Stages: EncryptedStages(inner, "pw", compress.TypeGzip), Workers: 1, Policy: fastPolicy, Log: zerolog.Nop()}
	tracker, err := engine.Restore(context.Background(), []*artifact.Path{p}, target)
	require.NoError(t, err)

	_, err = os.Stat(p.NewRestoreTarget(target))
	assert.True(t, os.IsNotExist(err), "failed file must not appear at its target")
	failed := tracker.Failed()
	require.Len(t, failed, 1)
	var stageErr *StageError
	require.ErrorAs(t, failed[0].Err, &stageErr)
	assert.Equal(t, StateDecompressing, stageErr.Stage)
	assert.Equal(t, int64(3), inner.gets.Load())
	assertNoTemps(t, target)
}

func TestTargetsNamedLikeTempsDoNotCollide(t *testing.T) {
	store := storage.NewLocal(t.TempDir())
	withSuffix := sst("a.db" + tempSuffix)
	plain := sst("a.db")
	decrypted := sst("a.db" + tempSuffix + ".decrypted")
	put(t, storage.NewEncrypted(store, "pw", compress.TypeSnappy), withSuffix, []byte("first"))
	put(t, storage.NewEncrypted(store, "pw", compress.TypeSnappy), plain, []byte("second"))
	put(t, storage.NewEncrypted(store, "pw", compress.TypeSnappy), decrypted, []byte("third"))

	target := t.TempDir()
	engine := &Engine{Stages: EncryptedStages(store, "pw", compress.TypeSnappy), Workers: 1, Policy: fastPolicy, Log: zerolog.Nop()}
	tracker, err := engine.Restore(context.Background(), []*artifact.Path{withSuffix, plain, decrypted}, target)
	require.NoError(t, err)
	require.NoError(t, tracker.Err())
	assert.Equal(t, 3, tracker.Progress().Materialized)

	for p, want := range map[*artifact.Path]string{withSuffix: "first", plain: "second", decrypted: "third"} {
		got, err := os.ReadFile(p.NewRestoreTarget(target))
		require.NoError(t, err, p.FileName)
		assert.Equal(t, want, string(got), p.FileName)
	}
	entries, err := os.ReadDir(target)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the keyspace directory remains")
	assert.Equal(t, "ks", entries[0].Name())
}

func TestRetryStartsFromFreshTemps(t *testing.T) {
	store := &countingStore{Storage: storage.NewLocal(t.TempDir())}
	p := sst("x-Data.db")
	put(t, store, p, []byte("payload"))

	var calls atomic.Int64
	flaky := Stage{
		Name:   StateDecompressing,
		Suffix: "copy",
		Run: func(_ context.Context, _ *artifact.Path, src, dst string) error {
			in, err := os.ReadFile(src)
			if err != nil {
				return err
			}
			if string(in) != "payload" {
				return util.Permanent(errors.New("download temp was not reset: " + string(in)))
			}
			out, err := os.ReadFile(dst)
			if err != nil {
				return err
			}
			if len(out) != 0 {
				return util.Permanent(errors.New("stage output was not reset"))
			}
			if err := os.WriteFile(dst, []byte("half"), 0o640); err != nil {
				return err
			}
			if calls.Add(1) == 1 {
				return errors.New("transient")
			}
			return os.WriteFile(dst, in, 0o640)
		},
	}

	target := t.TempDir()
	engine := &Engine{Stages: []Stage{Download(store), flaky}, Workers: 1, Policy: fastPolicy, Log: zerolog.Nop()}
	tracker, err := engine.Restore(context.Background(), []*artifact.Path{p}, target)
	require.NoError(t, err)
	require.NoError(t, tracker.Err())
	assert.Equal(t, int64(2), store.gets.Load())

	got, err := os.ReadFile(p.NewRestoreTarget(target))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestMissingObjectFailsWithoutRetry(t *testing.T) {
	store := &countingStore{Storage: storage.NewLocal(t.TempDir())}
	engine := &Engine{Stages: PlainStages(store), Workers: 1, Policy: fastPolicy, Log: zerolog.Nop()}
	tracker, err := engine.Restore(context.Background(), []*artifact.Path{sst("gone-Data.db")}, t.TempDir())
	require.NoError(t, err)

	failed := tracker.Failed()
	require.Len(t, failed, 1)
	assert.True(t, storage.IsNotFound(failed[0].Err))
	assert.Equal(t, int64(1), store.gets.Load())
}

func TestRestoreValidatesArguments(t *testing.T) {
	store := storage.NewLocal(t.TempDir())
	_, err := (&Engine{Log: zerolog.Nop()}).Restore(context.Background(), nil, t.TempDir())
	assert.Error(t, err)
	_, err = (&Engine{Stages: []Stage{Decrypt("x")}, Log: zerolog.Nop()}).Restore(context.Background(), nil, t.TempDir())
	assert.Error(t, err)
	_, err = (&Engine{Stages: PlainStages(store), Log: zerolog.Nop()}).Restore(context.Background(), nil, "")
	assert.Error(t, err)
}

func TestDuplicateTargetsRestoredOnce(t *testing.T) {
	store := &countingStore{Storage: storage.NewLocal(t.TempDir())}
	first := sst("dup-Data.db")
	second := sst("dup-Data.db")
	second.Type = artifact.TypeSnapshot
	put(t, store, first, []byte("one"))
	put(t, store, second, []byte("two"))

	target := t.TempDir()
	engine := &Engine{Stages: PlainStages(store), Workers: 2, Policy: fastPolicy, Log: zerolog.Nop()}
	tracker, err := engine.Restore(context.Background(), []*artifact.Path{first, second}, target)
	require.NoError(t, err)
	assert.Equal(t, 1, tracker.Progress().Total)
	got, err := os.ReadFile(first.NewRestoreTarget(target))
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))
}

func TestWaitCancellationLeavesTasksRunning(t *testing.T) {
	store := storage.NewLocal(t.TempDir())
	p := sst("slow-Data.db")
	put(t, store, p, []byte("slow"))

	release := make(chan struct{})
	gate := Stage{
		Name:   StateDecompressing,
		Suffix: "gate",
		Run: func(ctx context.Context, _ *artifact.Path, src, dst string) error {
			<-release
			data, err := os.ReadFile(src)
			if err != nil {
				return err
			}
			return os.WriteFile(dst, data, 0o640)
		},
	}

	target := t.TempDir()
	engine := &Engine{Stages: []Stage{Download(store), gate}, Workers: 1, Policy: fastPolicy, Log: zerolog.Nop()}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	tracker, err := engine.Restore(ctx, []*artifact.Path{p}, target)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, tracker.Progress().Pending())

	close(release)
	require.Eventually(t, func() bool {
		return tracker.Progress().Materialized == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, err = os.Stat(p.NewRestoreTarget(target))
	assert.NoError(t, err)
}
