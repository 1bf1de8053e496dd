package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/backup-sidecar/internal/artifact"
)

const batchTimeout = 15 * time.Second

// BatchObserver forwards uploaded-key batches to a Notifier.
type BatchObserver struct {
	Notifier Notifier
	Cluster  string
	Host     string
	Log      zerolog.Logger
}

// Update sends one "batch" event. Empty batches are not sent.
func (b BatchObserver) Update(kind artifact.FileType, keys []string) {
	if b.Notifier == nil || len(keys) == 0 {
		return
	}
	now := time.Now()
	event := Event{
		Type:      "batch",
		Message:   fmt.Sprintf("%d %s artifacts uploaded from %s", len(keys), kind, b.Host),
		Status:    "success",
		Cluster:   b.Cluster,
		Host:      b.Host,
		Artifact:  string(kind),
		Keys:      keys,
		Succeeded: len(keys),
		StartedAt: now,
		EndedAt:   now,
		Duration:  "0s",
	}
	ctx, cancel := context.WithTimeout(context.Background(), batchTimeout)
	defer cancel()
	if err := b.Notifier.Notify(ctx, event); err != nil {
		b.Log.Warn().Err(err).Str("artifact", string(kind)).Msg("batch notification failed")
	}
}
