package storage

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rowjay/backup-sidecar/internal/artifact"
)

// ListArtifacts lists the objects under prefix that parse as artifact keys
// and whose time lies within [from, to]. A zero bound is open. Keys that do
// not parse are skipped. prefix is treated as a directory. Results are
// ordered by time, then key.
func ListArtifacts(ctx context.Context, store Storage, factory *artifact.Factory, prefix string, from, to time.Time) ([]*artifact.Path, error) {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	objects, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	paths := make([]*artifact.Path, 0, len(objects))
	for _, obj := range objects {
		p, err := factory.ParseRemote(obj.Key)
		if err != nil {
			continue
		}
		if !from.IsZero() && p.Time.Before(from) {
			continue
		}
		if !to.IsZero() && p.Time.After(to) {
			continue
		}
		p.CompressedSize = obj.Size
		paths = append(paths, p)
	}
	sort.SliceStable(paths, func(i, j int) bool {
		if !paths[i].Time.Equal(paths[j].Time) {
			return paths[i].Time.Before(paths[j].Time)
		}
		return paths[i].Format() < paths[j].Format()
	})
	return paths, nil
}
