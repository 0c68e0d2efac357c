package store

import (
	"context"
	"errors"
	"time"
)

// ErrStorageUnavailable indicates the persistent engine could not be opened.
// Callers treat it as "cache is empty", never as fatal.
var ErrStorageUnavailable = errors.New("persistent store unavailable")

// Store is the durable activity cache shared by the reconciliation engine and
// the weekly aggregator. Lookups that find nothing return (nil, nil) rather
// than an error; only infrastructure failures surface as errors.
type Store interface {
	Put(ctx context.Context, activity Activity) error
	PutMany(ctx context.Context, activities []Activity) error
	Get(ctx context.Context, id int64) (*Activity, error)
	GetMany(ctx context.Context, ids []int64) ([]Activity, error)
	GetAll(ctx context.Context) ([]Activity, error)
	GetInRange(ctx context.Context, start, end time.Time) ([]Activity, error)
	MissingIDs(ctx context.Context, ids []int64) ([]int64, error)
	DeleteOlderThan(ctx context.Context, maxAgeDays int) (int, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)

	GetWeeklyAggregate(ctx context.Context, weekID string) (*WeeklyAggregate, error)
	PutWeeklyAggregate(ctx context.Context, aggregate WeeklyAggregate) error
	ListWeeklyAggregates(ctx context.Context) ([]WeeklyAggregate, error)

	Health(ctx context.Context) error
	Close()
}

// stamp fills the derived metadata the store owns. Wholesale overwrite means
// every put recomputes it; an absent note is valid data, not an unknown.
func stamp(activity *Activity, now time.Time) {
	activity.HasPrivateNote = activity.PrivateNote != ""
	activity.CachedAt = now
	activity.LastUpdated = now
}
