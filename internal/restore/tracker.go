package restore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// State is where one file is in its restore pipeline.
type State string

const (
	StatePending       State = "pending"
	StateDownloading   State = "downloading"
	StateDecrypting    State = "decrypting"
	StateDecompressing State = "decompressing"
	StateMaterialized  State = "materialized"
	StateFailed        State = "failed"
)

// FileResult is the restore state of one artifact.
type FileResult struct {
	Key      string
	Target   string
	State    State
	Attempts int
	Bytes    int64
	Err      error
}

// Progress is a point-in-time summary of a restore.
type Progress struct {
	Total        int
	Materialized int
	Failed       int
	Bytes        int64
}

// Pending is the number of files not yet finished.
func (p Progress) Pending() int {
	return p.Total - p.Materialized - p.Failed
}

// Tracker records per-file restore results. Files finish in any order; all
// methods are safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	files map[string]*FileResult
	prog  Progress
}

func newTracker() *Tracker {
	return &Tracker{files: map[string]*FileResult{}}
}

func (t *Tracker) add(key, target string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[key] = &FileResult{Key: key, Target: target, State: StatePending}
	t.prog.Total++
}

func (t *Tracker) setState(key string, state State, attempt int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.files[key]; ok {
		f.State = state
		f.Attempts = attempt
	}
}

func (t *Tracker) finish(key string, bytes int64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[key]
	if !ok {
		return
	}
	if err != nil {
		f.State = StateFailed
		f.Err = err
		t.prog.Failed++
		return
	}
	f.State = StateMaterialized
	f.Bytes = bytes
	t.prog.Materialized++
	t.prog.Bytes += bytes
}

// Progress returns the current totals.
func (t *Tracker) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prog
}

// Results returns every file sorted by key.
func (t *Tracker) Results() []FileResult {
	return t.collect(func(*FileResult) bool { return true })
}

// Failed returns the files whose restore was given up.
func (t *Tracker) Failed() []FileResult {
	return t.collect(func(f *FileResult) bool { return f.State == StateFailed })
}

func (t *Tracker) collect(keep func(*FileResult) bool) []FileResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FileResult, 0, len(t.files))
	for _, f := range t.files {
		if keep(f) {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Err joins the failures, or returns nil when every file was restored.
func (t *Tracker) Err() error {
	failed := t.Failed()
	if len(failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(failed))
	for _, f := range failed {
		errs = append(errs, f.Err)
	}
	return fmt.Errorf("%d of %d files not restored: %w", len(failed), t.Progress().Total, errors.Join(errs...))
}
