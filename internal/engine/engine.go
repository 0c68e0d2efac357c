// Package engine implements the cache-aside reconciliation between the local
// activity cache and the rate-limited remote API. The cardinal rule: an
// activity is never dropped from a result set because enrichment failed.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"stridenotes/services/activitycache/internal/archive"
	"stridenotes/services/activitycache/internal/metrics"
	"stridenotes/services/activitycache/internal/session"
	"stridenotes/services/activitycache/internal/store"
	"stridenotes/services/activitycache/internal/strava"
)

const (
	recentWindowDays  = 30
	freshWithinHours  = 24
	detailConcurrency = 4
)

// ErrNoData distinguishes "nothing cached and remote unavailable" from the
// stale-but-present degradations; it is the only total-failure signal.
var ErrNoData = errors.New("no cached data and remote unavailable")

// Fetcher is the slice of the remote client the engine needs. *strava.Client
// satisfies it; tests substitute fakes.
type Fetcher interface {
	Authenticated() bool
	GetAthlete(ctx context.Context) (strava.Athlete, error)
	ListActivitiesRange(ctx context.Context, after, before time.Time) ([]store.Activity, error)
	GetActivityRaw(ctx context.Context, id int64) (store.Activity, json.RawMessage, error)
}

// Range bounds an explicit refresh window.
type Range struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SessionStats are the ephemeral per-process counters, reset on construction.
type SessionStats struct {
	APICallCount  int64 `json:"apiCallCount"`
	CacheHitCount int64 `json:"cacheHitCount"`
}

// LoadResult is the outcome of one detail-enrichment pass. Activities holds
// exactly the input id set in input order, each at the best fidelity reached.
type LoadResult struct {
	Activities    []store.Activity `json:"activities"`
	DetailFetches int              `json:"detailFetches"`
	RateLimited   bool             `json:"rateLimited"`
	Unauthorized  bool             `json:"unauthorized"`
}

// RefreshResult is the outcome of one range-aware reconciliation.
// Unauthorized marks a credential rejection anywhere in the run; the results
// are still served but the caller should force re-authentication.
type RefreshResult struct {
	RunID         string           `json:"runId"`
	Activities    []store.Activity `json:"activities"`
	Source        string           `json:"source"` // "cache", "remote" or "mixed"
	Stale         bool             `json:"stale"`
	RateLimited   bool             `json:"rateLimited"`
	Unauthorized  bool             `json:"unauthorized"`
	NewActivities int              `json:"newActivities"`
	APICalls      int              `json:"apiCalls"`
}

// Engine orchestrates the session cache, the persistent store and the remote
// fetcher. All collaborators are injected; none are package-level singletons.
type Engine struct {
	store   store.Store
	session session.Cache
	fetcher Fetcher
	archive archive.Store

	apiCalls  atomic.Int64
	cacheHits atomic.Int64
}

func New(st store.Store, sess session.Cache, fetcher Fetcher, arch archive.Store) *Engine {
	if arch == nil {
		arch = archive.NewNoopStore()
	}
	return &Engine{store: st, session: sess, fetcher: fetcher, archive: arch}
}

// Stats reports the counters accumulated since construction.
func (e *Engine) Stats() SessionStats {
	return SessionStats{
		APICallCount:  e.apiCalls.Load(),
		CacheHitCount: e.cacheHits.Load(),
	}
}

// LoadWithDetail resolves each summary to its detail-level record, fetching
// only ids the cache does not hold. Per-item fetch failures degrade that item
// to its summary; a rate limit stops all further calls for the invocation.
// Output order matches input order and the output id set equals the input id
// set.
func (e *Engine) LoadWithDetail(ctx context.Context, summaries []store.Activity) (LoadResult, error) {
	result := LoadResult{Activities: make([]store.Activity, 0, len(summaries))}
	if len(summaries) == 0 {
		return result, nil
	}

	resolved := make(map[int64]store.Activity, len(summaries))

	// Session tier first.
	unresolved := make([]int64, 0, len(summaries))
	for _, summary := range summaries {
		if _, seen := resolved[summary.ID]; seen {
			continue
		}
		if cached, ok := e.session.Get(ctx, summary.ID); ok {
			resolved[summary.ID] = *cached
			e.cacheHits.Add(1)
			metrics.CacheLookup("session", true)
			continue
		}
		metrics.CacheLookup("session", false)
		unresolved = append(unresolved, summary.ID)
	}

	// Persistent tier. A failed store is treated as an empty one.
	missing := unresolved
	storeUp := true
	if len(unresolved) > 0 {
		ids, err := e.store.MissingIDs(ctx, unresolved)
		if err != nil {
			if !errors.Is(err, store.ErrStorageUnavailable) {
				return result, err
			}
			log.Printf("persistent store unavailable, treating cache as empty: %v", err)
			storeUp = false
		} else {
			missing = ids
		}
	}

	if storeUp && len(missing) < len(unresolved) {
		missingSet := make(map[int64]struct{}, len(missing))
		for _, id := range missing {
			missingSet[id] = struct{}{}
		}
		present := make([]int64, 0, len(unresolved)-len(missing))
		for _, id := range unresolved {
			if _, ok := missingSet[id]; !ok {
				present = append(present, id)
			}
		}

		cached, err := e.store.GetMany(ctx, present)
		if err != nil {
			return result, err
		}
		for i := range cached {
			resolved[cached[i].ID] = cached[i]
			e.session.Put(ctx, &cached[i])
			e.cacheHits.Add(1)
			metrics.CacheLookup("store", true)
		}
	}
	for range missing {
		metrics.CacheLookup("store", false)
	}

	// Remote enrichment for the truly missing ids, fanned out with bounded
	// concurrency. Once a rate limit or credential rejection is seen no
	// further calls are issued; remaining ids keep their summary form.
	byID := make(map[int64]store.Activity, len(summaries))
	for _, summary := range summaries {
		byID[summary.ID] = summary
	}

	if len(missing) > 0 && e.fetcher != nil && e.fetcher.Authenticated() {
		var (
			mu           sync.Mutex
			stopped      atomic.Bool
			rateLimited  atomic.Bool
			unauthorized atomic.Bool
		)

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(detailConcurrency)
		for _, id := range missing {
			id := id
			group.Go(func() error {
				if stopped.Load() {
					return nil
				}

				e.apiCalls.Add(1)
				detail, raw, err := e.fetcher.GetActivityRaw(groupCtx, id)
				if err != nil {
					switch {
					case errors.Is(err, strava.ErrRateLimited):
						stopped.Store(true)
						rateLimited.Store(true)
					case errors.Is(err, strava.ErrUnauthorized):
						stopped.Store(true)
						unauthorized.Store(true)
					default:
						metrics.DetailFallback()
						log.Printf("detail fetch failed id=%d, keeping summary: %v", id, err)
					}
					return nil
				}

				detail = e.persistDetail(groupCtx, detail, raw)

				mu.Lock()
				resolved[id] = detail
				result.DetailFetches++
				mu.Unlock()
				return nil
			})
		}
		_ = group.Wait()

		result.RateLimited = rateLimited.Load()
		result.Unauthorized = unauthorized.Load()
	}

	// Same order as the input; anything unresolved falls back to its summary.
	emitted := make(map[int64]struct{}, len(summaries))
	for _, summary := range summaries {
		if _, done := emitted[summary.ID]; done {
			continue
		}
		emitted[summary.ID] = struct{}{}

		if record, ok := resolved[summary.ID]; ok {
			result.Activities = append(result.Activities, record)
			continue
		}
		result.Activities = append(result.Activities, summary)
	}
	return result, nil
}

// Refresh reconciles the cache against the remote API for a window. A nil
// rng uses the recent-window heuristic; an explicit rng always goes remote
// because the user asked for that window and freshness wins.
func (e *Engine) Refresh(ctx context.Context, rng *Range) (RefreshResult, error) {
	result := RefreshResult{RunID: uuid.NewString()}
	now := time.Now().UTC()

	var from, to time.Time
	needRemote := true

	if rng != nil {
		from, to = rng.From, rng.To
	} else {
		from, to, needRemote = e.recentWindow(ctx, now)
	}

	cached := e.cachedInRange(ctx, from, to)

	if !needRemote {
		result.Activities = cached
		result.Source = "cache"
		return result, nil
	}

	if e.fetcher == nil || !e.fetcher.Authenticated() {
		return e.degrade(result, cached, nil)
	}

	e.apiCalls.Add(1)
	result.APICalls++
	listed, err := e.fetcher.ListActivitiesRange(ctx, from, to)
	if err != nil {
		log.Printf("activity list fetch failed run=%s: %v", result.RunID, err)
		return e.degrade(result, cached, err)
	}

	// Never re-fetch detail for an id the cache already holds.
	newSummaries := e.filterUncached(ctx, listed)
	result.NewActivities = len(newSummaries)

	loaded, err := e.LoadWithDetail(ctx, newSummaries)
	if err != nil {
		return e.degrade(result, cached, err)
	}
	result.APICalls += loaded.DetailFetches
	result.RateLimited = loaded.RateLimited
	result.Unauthorized = loaded.Unauthorized

	merged := mergeByID(cached, loaded.Activities)
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].StartDate.After(merged[j].StartDate)
	})
	result.Activities = merged

	switch {
	case len(cached) == 0:
		result.Source = "remote"
	case len(newSummaries) == 0:
		result.Source = "cache"
	default:
		result.Source = "mixed"
	}
	return result, nil
}

// recentWindow implements the no-range heuristic: fetch the last 30 days when
// the cache is empty or ends more than 30 days ago, fetch from the newest
// cached activity when it is between 1 and 30 days old, and skip the remote
// call entirely when the newest cached activity is under a day old.
func (e *Engine) recentWindow(ctx context.Context, now time.Time) (time.Time, time.Time, bool) {
	windowStart := now.AddDate(0, 0, -recentWindowDays)

	all, err := e.store.GetAll(ctx)
	if err != nil || len(all) == 0 {
		if err != nil && !errors.Is(err, store.ErrStorageUnavailable) {
			log.Printf("cache scan failed, fetching recent window: %v", err)
		}
		return windowStart, now, true
	}

	newest := all[0].StartDate
	for _, activity := range all[1:] {
		if activity.StartDate.After(newest) {
			newest = activity.StartDate
		}
	}

	switch {
	case newest.Before(windowStart):
		return windowStart, now, true
	case now.Sub(newest) > freshWithinHours*time.Hour:
		return newest, now, true
	default:
		return windowStart, now, false
	}
}

func (e *Engine) cachedInRange(ctx context.Context, from, to time.Time) []store.Activity {
	cached, err := e.store.GetInRange(ctx, from, to)
	if err != nil {
		if !errors.Is(err, store.ErrStorageUnavailable) {
			log.Printf("cache range read failed: %v", err)
		}
		return []store.Activity{}
	}
	return cached
}

// degrade returns whatever is cached, flagged stale, or ErrNoData/the remote
// error when the cache is empty too.
func (e *Engine) degrade(result RefreshResult, cached []store.Activity, cause error) (RefreshResult, error) {
	if errors.Is(cause, strava.ErrRateLimited) {
		result.RateLimited = true
	}
	if errors.Is(cause, strava.ErrUnauthorized) {
		result.Unauthorized = true
	}

	if len(cached) > 0 {
		result.Activities = cached
		result.Source = "cache"
		result.Stale = true
		return result, nil
	}

	if errors.Is(cause, strava.ErrUnauthorized) {
		return result, cause
	}
	if cause != nil {
		return result, errors.Join(ErrNoData, cause)
	}
	return result, ErrNoData
}

func (e *Engine) filterUncached(ctx context.Context, listed []store.Activity) []store.Activity {
	ids := make([]int64, 0, len(listed))
	for _, activity := range listed {
		ids = append(ids, activity.ID)
	}

	missing, err := e.store.MissingIDs(ctx, ids)
	if err != nil {
		// Empty-cache degradation: everything counts as new.
		return listed
	}
	missingSet := make(map[int64]struct{}, len(missing))
	for _, id := range missing {
		missingSet[id] = struct{}{}
	}

	fresh := make([]store.Activity, 0, len(missing))
	for _, activity := range listed {
		if _, ok := missingSet[activity.ID]; ok {
			fresh = append(fresh, activity)
		}
	}
	return fresh
}

// persistDetail writes a freshly fetched detail record through both tiers and
// returns the canonical stored form, so repeated loads observe identical
// records. When the persistent tier is down the derived metadata is stamped
// locally and the session tier carries the record alone.
func (e *Engine) persistDetail(ctx context.Context, detail store.Activity, raw json.RawMessage) store.Activity {
	if err := e.store.Put(ctx, detail); err != nil {
		log.Printf("cache write failed id=%d: %v", detail.ID, err)
	} else if stored, err := e.store.Get(ctx, detail.ID); err == nil && stored != nil {
		detail = *stored
	}
	if detail.CachedAt.IsZero() {
		now := time.Now().UTC()
		detail.HasPrivateNote = detail.PrivateNote != ""
		detail.CachedAt = now
		detail.LastUpdated = now
	}
	e.session.Put(ctx, &detail)

	if len(raw) > 0 {
		err := e.archive.StoreJSON(ctx, archive.ActivityKey(detail.ID), raw)
		if err != nil && !errors.Is(err, archive.ErrNotConfigured) {
			log.Printf("payload archive write failed id=%d: %v", detail.ID, err)
		}
	}
	return detail
}

func mergeByID(cached, fetched []store.Activity) []store.Activity {
	merged := make([]store.Activity, 0, len(cached)+len(fetched))
	seen := make(map[int64]struct{}, len(cached)+len(fetched))

	for _, activity := range fetched {
		if _, ok := seen[activity.ID]; ok {
			continue
		}
		seen[activity.ID] = struct{}{}
		merged = append(merged, activity)
	}
	for _, activity := range cached {
		if _, ok := seen[activity.ID]; ok {
			continue
		}
		seen[activity.ID] = struct{}{}
		merged = append(merged, activity)
	}
	return merged
}
