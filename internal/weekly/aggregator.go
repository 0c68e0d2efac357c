// Package weekly computes per-week run mileage on top of the cache, walking
// calendar weeks backward and persisting completion so a week is never
// recomputed once its coverage is trusted.
package weekly

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"stridenotes/services/activitycache/internal/engine"
	"stridenotes/services/activitycache/internal/store"
	"stridenotes/services/activitycache/internal/strava"
)

const defaultMaxWeeks = 52

// coverageTrustDays: weeks that ended longer ago than this are trusted as
// complete when any cached activity falls inside them; younger weeks need
// activities on at least two distinct calendar days before the cache is
// trusted without a remote check.
const (
	coverageTrustDays   = 7
	minDistinctDaysNear = 2
)

// ErrAlreadyRunning rejects overlapping computation passes; status is
// exposed via InProgress for callers that poll.
var ErrAlreadyRunning = errors.New("weekly computation already in progress")

// Result summarizes one ComputeBackward pass. RateLimitReached marks an
// early stop; everything processed before it stays persisted.
type Result struct {
	WeeksProcessed   int  `json:"weeksProcessed"`
	APICallsMade     int  `json:"apiCallsMade"`
	CacheHits        int  `json:"cacheHits"`
	RateLimitReached bool `json:"rateLimitReached"`
}

// Aggregator owns the weekly-mileage bookkeeping. The pace limiter spaces
// remote list calls so a long backfill does not burst the remote rate limit.
type Aggregator struct {
	store   store.Store
	engine  *engine.Engine
	fetcher engine.Fetcher
	pace    *rate.Limiter

	inProgress atomic.Bool
}

func New(st store.Store, eng *engine.Engine, fetcher engine.Fetcher, pace *rate.Limiter) *Aggregator {
	if pace == nil {
		pace = rate.NewLimiter(rate.Every(500*time.Millisecond), 1)
	}
	return &Aggregator{store: st, engine: eng, fetcher: fetcher, pace: pace}
}

// InProgress reports whether a computation pass is running. Scheduling and
// polling belong to the caller; the aggregator only answers.
func (a *Aggregator) InProgress() bool {
	return a.inProgress.Load()
}

// ComputeBackward walks up to maxWeeks Monday-to-Sunday periods backward,
// starting at the most recent complete week (the current, in-progress week is
// always excluded). Persisted complete weeks are skipped without touching the
// network; a rate limit stops the pass immediately and keeps what finished.
func (a *Aggregator) ComputeBackward(ctx context.Context, maxWeeks int) (Result, error) {
	if !a.inProgress.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRunning
	}
	defer a.inProgress.Store(false)

	if maxWeeks <= 0 {
		maxWeeks = defaultMaxWeeks
	}

	result := Result{}
	now := time.Now().UTC()
	latestStart := store.WeekStart(now).AddDate(0, 0, -7)

	for i := 0; i < maxWeeks; i++ {
		weekStart := latestStart.AddDate(0, 0, -7*i)
		weekEnd := weekStart.AddDate(0, 0, 7).Add(-time.Second)
		weekID := store.WeekIDFor(weekStart)

		existing, err := a.store.GetWeeklyAggregate(ctx, weekID)
		if err != nil && !errors.Is(err, store.ErrStorageUnavailable) {
			return result, err
		}
		if existing != nil && existing.IsComplete {
			result.CacheHits++
			continue
		}

		cached := a.cachedInWeek(ctx, weekStart, weekEnd)

		activities := cached
		verified := a.coverageTrusted(cached, weekEnd, now)
		if !verified {
			combined, ok, stop, err := a.fillFromRemote(ctx, weekStart, weekEnd, cached, &result)
			if err != nil {
				return result, err
			}
			if stop {
				result.RateLimitReached = true
				return result, nil
			}
			activities = combined
			verified = ok
		}

		// A week whose coverage could not be confirmed is persisted
		// incomplete so a later pass with working credentials revisits it.
		aggregate := buildAggregate(weekID, weekStart, weekEnd, activities, verified)
		if err := a.store.PutWeeklyAggregate(ctx, aggregate); err != nil {
			if !errors.Is(err, store.ErrStorageUnavailable) {
				return result, err
			}
			log.Printf("weekly aggregate not persisted week=%s: %v", weekID, err)
		}
		result.WeeksProcessed++
	}

	return result, nil
}

func (a *Aggregator) cachedInWeek(ctx context.Context, weekStart, weekEnd time.Time) []store.Activity {
	cached, err := a.store.GetInRange(ctx, weekStart, weekEnd)
	if err != nil {
		if !errors.Is(err, store.ErrStorageUnavailable) {
			log.Printf("week range read failed week=%s: %v", store.WeekIDFor(weekStart), err)
		}
		return []store.Activity{}
	}
	return cached
}

// coverageTrusted is deliberately a heuristic, kept exactly as shipped:
// changing it changes reported mileage totals.
func (a *Aggregator) coverageTrusted(cached []store.Activity, weekEnd, now time.Time) bool {
	if now.Sub(weekEnd) > coverageTrustDays*24*time.Hour {
		return len(cached) > 0
	}
	return distinctDays(cached) >= minDistinctDaysNear
}

// fillFromRemote lists the week remotely, enriches ids the cache lacks, and
// combines with what was cached. verified=false means the remote could not
// confirm the week (no credential or list failure) and the cached view must
// not be marked complete. stop=true signals a rate-limit early stop; the
// current week is then left unpersisted.
func (a *Aggregator) fillFromRemote(
	ctx context.Context,
	weekStart, weekEnd time.Time,
	cached []store.Activity,
	result *Result,
) (activities []store.Activity, verified, stop bool, err error) {
	if a.fetcher == nil || !a.fetcher.Authenticated() {
		return cached, false, false, nil
	}

	if err := a.pace.Wait(ctx); err != nil {
		return cached, false, false, err
	}

	result.APICallsMade++
	listed, err := a.fetcher.ListActivitiesRange(ctx, weekStart, weekEnd)
	if err != nil {
		if errors.Is(err, strava.ErrRateLimited) {
			return cached, false, true, nil
		}
		if errors.Is(err, strava.ErrUnauthorized) {
			return cached, false, false, err
		}
		log.Printf("week list fetch failed week=%s, using cached data: %v", store.WeekIDFor(weekStart), err)
		return cached, false, false, nil
	}

	cachedIDs := make(map[int64]struct{}, len(cached))
	for _, activity := range cached {
		cachedIDs[activity.ID] = struct{}{}
	}
	fresh := make([]store.Activity, 0)
	for _, activity := range listed {
		if _, ok := cachedIDs[activity.ID]; !ok {
			fresh = append(fresh, activity)
		}
	}

	loaded, err := a.engine.LoadWithDetail(ctx, fresh)
	if err != nil {
		return cached, false, false, err
	}
	result.APICallsMade += loaded.DetailFetches
	if loaded.RateLimited {
		return cached, false, true, nil
	}
	if loaded.Unauthorized {
		return cached, false, false, strava.ErrUnauthorized
	}

	combined := append(append([]store.Activity{}, cached...), loaded.Activities...)
	return combined, true, false, nil
}

func buildAggregate(weekID string, weekStart, weekEnd time.Time, activities []store.Activity, complete bool) store.WeeklyAggregate {
	aggregate := store.WeeklyAggregate{
		WeekID:     weekID,
		WeekStart:  weekStart,
		WeekEnd:    weekEnd,
		IsComplete: complete,
		Activities: []store.Activity{},
		ComputedAt: time.Now().UTC(),
	}

	for _, activity := range activities {
		if !activity.IsRun() {
			continue
		}
		aggregate.TotalDistance += activity.Distance
		aggregate.TotalTime += activity.MovingTime
		aggregate.TotalElevation += activity.TotalElevationGain
		aggregate.RunCount++
		aggregate.Activities = append(aggregate.Activities, activity)
	}
	return aggregate
}

func distinctDays(activities []store.Activity) int {
	days := make(map[string]struct{}, len(activities))
	for _, activity := range activities {
		days[activity.StartDate.UTC().Format("2006-01-02")] = struct{}{}
	}
	return len(days)
}
