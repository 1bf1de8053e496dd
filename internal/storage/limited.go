package storage

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Limited caps upload throughput in bytes per second. Downloads are not
// limited.
type Limited struct {
	Storage
	limiter *rate.Limiter
}

// NewLimited wraps inner unless bytesPerSecond is not positive.
func NewLimited(inner Storage, bytesPerSecond int) Storage {
	if bytesPerSecond <= 0 {
		return inner
	}
	return &Limited{Storage: inner, limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)}
}

func (l *Limited) Put(ctx context.Context, key string, reader io.Reader, size int64, metadata map[string]string) (int64, error) {
	return l.Storage.Put(ctx, key, &limitedReader{ctx: ctx, r: reader, limiter: l.limiter}, size, metadata)
}

type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	if burst := lr.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := lr.r.Read(p)
	if n > 0 {
		if werr := lr.limiter.WaitN(lr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
