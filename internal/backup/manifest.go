package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/rowjay/backup-sidecar/internal/artifact"
	"github.com/rowjay/backup-sidecar/internal/lock"
	"github.com/rowjay/backup-sidecar/internal/metrics"
	"github.com/rowjay/backup-sidecar/internal/observer"
	"github.com/rowjay/backup-sidecar/internal/storage"
	"github.com/rowjay/backup-sidecar/internal/util"
)

// manifestFile is the fixed name of the manifest while it is being built.
const manifestFile = "meta.json"

var (
	// ErrManifestAbsent means no manifest exists for the requested snapshot.
	ErrManifestAbsent = errors.New("manifest not found")
	// ErrManifestCorrupt means a manifest exists but cannot be read.
	ErrManifestCorrupt = errors.New("manifest corrupt")
)

// Manager builds, uploads, finds and parses snapshot manifests.
type Manager struct {
	Factory   *artifact.Factory
	Store     storage.Storage
	Observers *observer.Registry
	// Policy defaults to util.DefaultPolicy.
	Policy util.Policy
	// TempDir holds the manifest while it is built or downloaded.
	TempDir string
	Log     zerolog.Logger

	mu   sync.Mutex
	keys []string
}

func (m *Manager) policy() util.Policy {
	if m.Policy.Attempts == 0 {
		return util.DefaultPolicy
	}
	return m.Policy
}

// Build writes the keys of paths as a JSON array, uploads the result as the
// META artifact of snapshotTag and returns it. Observers are notified with
// every manifest key this manager has produced.
func (m *Manager) Build(ctx context.Context, paths []*artifact.Path, snapshotTag string) (*artifact.Path, error) {
	if snapshotTag == "" {
		return nil, errors.New("manifest requires a snapshot tag")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	file := filepath.Join(m.TempDir, manifestFile)
	guard, err := lock.Wait(ctx, file+".lock")
	if err != nil {
		return nil, fmt.Errorf("lock manifest file: %w", err)
	}
	defer guard.Release()
	defer os.Remove(file)

	data, err := json.Marshal(artifact.Keys(paths))
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(file, data, 0o640); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	meta, err := m.Factory.ParseLocal(file, artifact.TypeMeta, snapshotTag)
	if err != nil {
		return nil, err
	}
	if err := upload(ctx, m.Store, meta, m.policy(), m.Log); err != nil {
		return nil, fmt.Errorf("upload manifest: %w", err)
	}
	meta.LocalFile = ""

	m.keys = append(m.keys, meta.Format())
	m.Log.Info().Str("key", meta.Format()).Int("entries", len(paths)).Msg("manifest uploaded")
	m.Observers.Notify(artifact.TypeMeta, slices.Clone(m.keys))
	return meta, nil
}

// Exists downloads candidate to its restore target under the check
// directory and reports whether the file arrived. Failures are logged.
func (m *Manager) Exists(ctx context.Context, candidate *artifact.Path) bool {
	if err := m.fetch(ctx, candidate); err != nil {
		if !errors.Is(err, ErrManifestAbsent) {
			m.Log.Error().Err(err).Str("key", candidate.Format()).Msg("manifest check failed")
		}
		return false
	}
	_, err := os.Stat(candidate.LocalFile)
	return err == nil
}

func (m *Manager) checkDir() string {
	return filepath.Join(m.TempDir, "check")
}

func (m *Manager) fetch(ctx context.Context, meta *artifact.Path) error {
	key := meta.Format()
	target := meta.NewRestoreTarget(m.checkDir())
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	policy := withRetryLog(m.policy(), metrics.DirectionDownload, m.Log.With().Str("key", key).Logger())

	err := util.Retry(ctx, policy, "download "+key, func(int) error {
		rc, err := m.Store.Get(ctx, key)
		if err != nil {
			if storage.IsNotFound(err) {
				return util.Permanent(fmt.Errorf("%w: %w", ErrManifestAbsent, err))
			}
			return err
		}
		defer rc.Close()
		return writeAtomic(target, rc)
	})
	if err != nil {
		return err
	}
	meta.LocalFile = target
	return nil
}

func writeAtomic(target string, r io.Reader) error {
	tmp := target + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, target)
}

// Parse reads a manifest file. Every entry must parse or the whole manifest
// is rejected.
func (m *Manager) Parse(file string) ([]*artifact.Path, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrManifestCorrupt, file, err)
	}
	paths := make([]*artifact.Path, 0, len(keys))
	for _, key := range keys {
		p, err := m.Factory.ParseRemote(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrManifestCorrupt, file, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// Latest returns the newest manifest of this node taken at or before the
// given time.
func (m *Manager) Latest(ctx context.Context, before time.Time) (*artifact.Path, error) {
	paths, err := storage.ListArtifacts(ctx, m.Store, m.Factory, m.Factory.Identity.NodePrefix(), time.Time{}, before)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	for i := len(paths) - 1; i >= 0; i-- {
		if paths[i].Type == artifact.TypeMeta {
			return paths[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no manifest at or before %s", ErrManifestAbsent, artifact.FormatDate(before))
}

// Load downloads and parses meta. A missing manifest yields
// ErrManifestAbsent and an unreadable one ErrManifestCorrupt, never an
// empty list.
func (m *Manager) Load(ctx context.Context, meta *artifact.Path) ([]*artifact.Path, error) {
	if err := m.fetch(ctx, meta); err != nil {
		return nil, err
	}
	defer os.Remove(meta.LocalFile)
	return m.Parse(meta.LocalFile)
}
