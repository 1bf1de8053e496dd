package backup

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rowjay/backup-sidecar/internal/artifact"
	"github.com/rowjay/backup-sidecar/internal/util"
)

// Result is the outcome of uploading one file.
type Result struct {
	Path    *artifact.Path
	Outcome util.Outcome
	Err     error
}

// Failure names a file that could not be uploaded.
type Failure struct {
	File string
	Err  error
}

// Report aggregates the results of one batch. It is safe to update from
// concurrent tasks; read it once the batch has returned.
type Report struct {
	mu sync.Mutex

	Succeeded int
	Skipped   int
	Failed    []Failure
	// Keys are the remote keys uploaded by this batch, sorted.
	Keys []string

	uploaded []*artifact.Path
}

func (r *Report) add(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch res.Outcome {
	case util.Succeeded:
		r.Succeeded++
		r.uploaded = append(r.uploaded, res.Path)
		r.Keys = append(r.Keys, res.Path.Format())
	case util.Skipped:
		r.Skipped++
	default:
		file := ""
		if res.Path != nil {
			file = res.Path.LocalFile
		}
		r.Failed = append(r.Failed, Failure{File: file, Err: res.Err})
	}
}

func (r *Report) fail(file string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failed = append(r.Failed, Failure{File: file, Err: err})
}

func (r *Report) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.Strings(r.Keys)
	sort.Slice(r.uploaded, func(i, j int) bool { return r.uploaded[i].Format() < r.uploaded[j].Format() })
}

// Total is the number of files the batch considered.
func (r *Report) Total() int {
	return r.Succeeded + r.Skipped + len(r.Failed)
}

// Err joins every failure, or returns nil when no file failed.
func (r *Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", f.File, f.Err))
	}
	return fmt.Errorf("%d of %d files failed: %w", len(r.Failed), r.Total(), errors.Join(errs...))
}
