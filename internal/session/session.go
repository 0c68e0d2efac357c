// Package session holds the fast per-session overlay in front of the
// persistent store. It is purely an optimization: a miss or a failed write
// changes performance, never results, so every implementation degrades to
// a miss instead of returning errors.
package session

import (
	"context"

	"stridenotes/services/activitycache/internal/store"
)

type Cache interface {
	Get(ctx context.Context, id int64) (*store.Activity, bool)
	Put(ctx context.Context, activity *store.Activity)
	Close() error
}
