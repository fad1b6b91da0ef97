package syncer

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// fetchFunc resolves, downloads, verifies, and stores one artifact version,
// returning the local payload path. The context passed to fetchFunc is
// detached from any single caller so that one caller timing out does not
// cancel the fetch for other waiters.
type fetchFunc func(ctx context.Context) (string, error)

// flight deduplicates concurrent fetches for the same cache key using
// singleflight. DoChan is used so each caller can respect its own context
// deadline without cancelling the in-flight fetch for others.
type flight struct {
	group  singleflight.Group
	logger *slog.Logger
}

// do runs fn once per key no matter how many callers arrive concurrently.
// Returns the local path, whether the result was shared with another
// caller, and any error.
func (f *flight) do(ctx context.Context, key string, fn fetchFunc) (string, bool, error) {
	ch := f.group.DoChan(key, func() (any, error) {
		// Detached context: no single caller's cancellation stops the
		// fetch for everyone else.
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			// Let a later call retry rather than replaying this failure.
			f.group.Forget(key)
			return "", res.Shared, res.Err
		}
		return res.Val.(string), res.Shared, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}
