package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"stridenotes/services/activitycache/internal/session"
	"stridenotes/services/activitycache/internal/store"
	"stridenotes/services/activitycache/internal/strava"
)

// fakeFetcher is an in-memory stand-in for the remote client. Detail records
// are keyed by id; errs overrides individual fetches.
type fakeFetcher struct {
	mu            sync.Mutex
	authenticated bool
	details       map[int64]store.Activity
	errs          map[int64]error
	listResult    []store.Activity
	listErr       error

	detailCalls int
	listCalls   int
	detailOrder []int64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		authenticated: true,
		details:       make(map[int64]store.Activity),
		errs:          make(map[int64]error),
	}
}

func (f *fakeFetcher) Authenticated() bool { return f.authenticated }

func (f *fakeFetcher) GetAthlete(context.Context) (strava.Athlete, error) {
	return strava.Athlete{ID: 1}, nil
}

func (f *fakeFetcher) ListActivitiesRange(context.Context, time.Time, time.Time) ([]store.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listResult, nil
}

func (f *fakeFetcher) GetActivityRaw(_ context.Context, id int64) (store.Activity, json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls++
	f.detailOrder = append(f.detailOrder, id)

	if err, ok := f.errs[id]; ok {
		return store.Activity{}, nil, err
	}
	detail, ok := f.details[id]
	if !ok {
		return store.Activity{}, nil, fmt.Errorf("no detail seeded for id %d", id)
	}
	detail.HasDetail = true
	return detail, json.RawMessage(fmt.Sprintf(`{"id":%d}`, id)), nil
}

func (f *fakeFetcher) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detailCalls, f.listCalls
}

func summary(id int64, start time.Time) store.Activity {
	return store.Activity{
		ID:        id,
		Name:      fmt.Sprintf("Run %d", id),
		Distance:  5000,
		Type:      "Run",
		StartDate: start,
	}
}

func detailFor(s store.Activity, note string) store.Activity {
	s.PrivateNote = note
	s.HasDetail = true
	return s
}

func newTestEngine(fetcher Fetcher) (*Engine, *store.Memory) {
	db := store.NewMemory()
	return New(db, session.NewMemoryCache(), fetcher, nil), db
}

func TestLoadWithDetailFetchesEveryMissingID(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	fetcher := newFakeFetcher()
	summaries := []store.Activity{
		summary(1, now.Add(-1*time.Hour)),
		summary(2, now.Add(-2*time.Hour)),
		summary(3, now.Add(-3*time.Hour)),
	}
	for _, s := range summaries {
		fetcher.details[s.ID] = detailFor(s, fmt.Sprintf("note %d", s.ID))
	}

	eng, _ := newTestEngine(fetcher)
	result, err := eng.LoadWithDetail(ctx, summaries)
	if err != nil {
		t.Fatalf("loadWithDetail failed: %v", err)
	}

	if calls, _ := fetcher.calls(); calls != 3 {
		t.Fatalf("expected 3 detail calls, got %d", calls)
	}
	if result.DetailFetches != 3 {
		t.Fatalf("expected 3 detail fetches reported, got %d", result.DetailFetches)
	}
	if len(result.Activities) != 3 {
		t.Fatalf("expected 3 activities, got %d", len(result.Activities))
	}
	for i, want := range []int64{1, 2, 3} {
		got := result.Activities[i]
		if got.ID != want {
			t.Fatalf("position %d: expected id %d, got %d", i, want, got.ID)
		}
		if !got.HasDetail || got.PrivateNote == "" {
			t.Fatalf("id %d not enriched: %+v", want, got)
		}
		if !got.HasPrivateNote || got.CachedAt.IsZero() {
			t.Fatalf("id %d missing derived metadata: %+v", want, got)
		}
	}
}

func TestLoadWithDetailSkipsCachedIDs(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	fetcher := newFakeFetcher()
	summaries := []store.Activity{
		summary(1, now.Add(-1*time.Hour)),
		summary(2, now.Add(-2*time.Hour)),
		summary(3, now.Add(-3*time.Hour)),
	}
	fetcher.details[3] = detailFor(summaries[2], "the new one")

	eng, db := newTestEngine(fetcher)
	if err := db.PutMany(ctx, []store.Activity{
		detailFor(summaries[0], "old note"),
		detailFor(summaries[1], ""),
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	result, err := eng.LoadWithDetail(ctx, summaries)
	if err != nil {
		t.Fatalf("loadWithDetail failed: %v", err)
	}

	if calls, _ := fetcher.calls(); calls != 1 {
		t.Fatalf("expected exactly 1 detail call, got %d", calls)
	}
	if len(result.Activities) != 3 {
		t.Fatalf("expected 3 activities, got %d", len(result.Activities))
	}
	if result.Activities[0].PrivateNote != "old note" {
		t.Fatalf("cached record not used: %+v", result.Activities[0])
	}
	if result.Activities[2].PrivateNote != "the new one" {
		t.Fatalf("missing record not fetched: %+v", result.Activities[2])
	}
}

func TestLoadWithDetailWithoutCredentialKeepsSummaries(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	fetcher := newFakeFetcher()
	fetcher.authenticated = false

	summaries := []store.Activity{summary(1, now), summary(2, now)}

	eng, _ := newTestEngine(fetcher)
	result, err := eng.LoadWithDetail(ctx, summaries)
	if err != nil {
		t.Fatalf("loadWithDetail failed: %v", err)
	}

	if calls, _ := fetcher.calls(); calls != 0 {
		t.Fatalf("expected no remote calls, got %d", calls)
	}
	if len(result.Activities) != 2 {
		t.Fatalf("expected 2 activities, got %d", len(result.Activities))
	}
	for _, activity := range result.Activities {
		if activity.HasDetail {
			t.Fatalf("summary promoted without a fetch: %+v", activity)
		}
	}
}

func TestLoadWithDetailIsIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	fetcher := newFakeFetcher()
	summaries := []store.Activity{summary(1, now), summary(2, now.Add(-time.Hour))}
	for _, s := range summaries {
		fetcher.details[s.ID] = detailFor(s, "note")
	}

	eng, _ := newTestEngine(fetcher)
	first, err := eng.LoadWithDetail(ctx, summaries)
	if err != nil {
		t.Fatalf("first load failed: %v", err)
	}

	second, err := eng.LoadWithDetail(ctx, summaries)
	if err != nil {
		t.Fatalf("second load failed: %v", err)
	}

	if calls, _ := fetcher.calls(); calls != 2 {
		t.Fatalf("second load should hit the cache only, got %d total calls", calls)
	}
	if second.DetailFetches != 0 {
		t.Fatalf("expected zero fetches on second load, got %d", second.DetailFetches)
	}
	if !reflect.DeepEqual(first.Activities, second.Activities) {
		t.Fatalf("results diverged:\nfirst:  %+v\nsecond: %+v", first.Activities, second.Activities)
	}
}

func TestLoadWithDetailNeverDropsItems(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	fetcher := newFakeFetcher()
	summaries := []store.Activity{
		summary(1, now),
		summary(2, now.Add(-time.Hour)),
		summary(3, now.Add(-2*time.Hour)),
	}
	fetcher.details[1] = detailFor(summaries[0], "ok")
	fetcher.errs[2] = errors.New("boom")
	fetcher.errs[3] = strava.ErrNetworkUnavailable

	eng, _ := newTestEngine(fetcher)
	result, err := eng.LoadWithDetail(ctx, summaries)
	if err != nil {
		t.Fatalf("loadWithDetail failed: %v", err)
	}

	if len(result.Activities) != 3 {
		t.Fatalf("item dropped on fetch failure: got %d of 3", len(result.Activities))
	}
	for i, want := range []int64{1, 2, 3} {
		if result.Activities[i].ID != want {
			t.Fatalf("order broken at %d: %+v", i, result.Activities)
		}
	}
	if !result.Activities[0].HasDetail {
		t.Fatal("successful fetch not applied")
	}
	if result.Activities[1].HasDetail || result.Activities[2].HasDetail {
		t.Fatal("failed fetches must degrade to summaries")
	}
}

func TestLoadWithDetailStopsOnRateLimit(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	fetcher := newFakeFetcher()
	summaries := make([]store.Activity, 0, 20)
	for id := int64(1); id <= 20; id++ {
		s := summary(id, now.Add(-time.Duration(id)*time.Hour))
		summaries = append(summaries, s)
		fetcher.errs[id] = strava.ErrRateLimited
	}

	eng, _ := newTestEngine(fetcher)
	result, err := eng.LoadWithDetail(ctx, summaries)
	if err != nil {
		t.Fatalf("loadWithDetail failed: %v", err)
	}

	if !result.RateLimited {
		t.Fatal("expected rate limit flagged")
	}
	// With bounded fan-out only the in-flight batch can call before the stop
	// flag lands.
	if calls, _ := fetcher.calls(); calls > 4 {
		t.Fatalf("calls kept going after rate limit: %d", calls)
	}
	if len(result.Activities) != 20 {
		t.Fatalf("expected all 20 items returned, got %d", len(result.Activities))
	}
}

func TestLoadWithDetailFlagsCredentialRejection(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	fetcher := newFakeFetcher()
	summaries := []store.Activity{summary(1, now)}
	fetcher.errs[1] = strava.ErrUnauthorized

	eng, _ := newTestEngine(fetcher)
	result, err := eng.LoadWithDetail(ctx, summaries)
	if err != nil {
		t.Fatalf("loadWithDetail failed: %v", err)
	}
	if !result.Unauthorized {
		t.Fatal("expected unauthorized flagged")
	}
	if len(result.Activities) != 1 || result.Activities[0].HasDetail {
		t.Fatalf("expected summary retained: %+v", result.Activities)
	}
}

func TestRefreshExplicitRangeMergesRemoteAndCache(t *testing.T) {
	ctx := context.Background()

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)

	fetcher := newFakeFetcher()
	eng, db := newTestEngine(fetcher)

	cached := make([]store.Activity, 0, 5)
	for id := int64(1); id <= 5; id++ {
		s := summary(id, from.AddDate(0, 0, int(id)))
		cached = append(cached, detailFor(s, "cached"))
	}
	if err := db.PutMany(ctx, cached); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// Remote sees the same five plus two newer ones.
	listed := make([]store.Activity, 0, 7)
	for id := int64(1); id <= 7; id++ {
		listed = append(listed, summary(id, from.AddDate(0, 0, int(id))))
	}
	fetcher.listResult = listed
	fetcher.details[6] = detailFor(listed[5], "new six")
	fetcher.details[7] = detailFor(listed[6], "new seven")

	result, err := eng.Refresh(ctx, &Range{From: from, To: to})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	detailCalls, listCalls := fetcher.calls()
	if listCalls != 1 || detailCalls != 2 {
		t.Fatalf("expected 1 list + 2 detail calls, got %d + %d", listCalls, detailCalls)
	}
	if result.NewActivities != 2 {
		t.Fatalf("expected 2 new activities, got %d", result.NewActivities)
	}
	if result.Source != "mixed" {
		t.Fatalf("expected source mixed, got %q", result.Source)
	}
	if len(result.Activities) != 7 {
		t.Fatalf("expected 7 merged activities, got %d", len(result.Activities))
	}
	for i := 1; i < len(result.Activities); i++ {
		if result.Activities[i].StartDate.After(result.Activities[i-1].StartDate) {
			t.Fatal("merged result not date-descending")
		}
	}
	if result.RunID == "" {
		t.Fatal("expected a run id assigned")
	}
}

func TestRefreshSkipsRemoteWhenCacheIsFresh(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	fetcher := newFakeFetcher()
	eng, db := newTestEngine(fetcher)

	if err := db.Put(ctx, summary(1, now.Add(-2*time.Hour))); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	result, err := eng.Refresh(ctx, nil)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	detailCalls, listCalls := fetcher.calls()
	if detailCalls != 0 || listCalls != 0 {
		t.Fatalf("expected no remote calls with fresh cache, got %d + %d", detailCalls, listCalls)
	}
	if result.Source != "cache" || result.Stale {
		t.Fatalf("expected fresh cache result, got %+v", result)
	}
	if len(result.Activities) != 1 {
		t.Fatalf("expected cached activity returned, got %d", len(result.Activities))
	}
}

func TestRefreshFetchesIncrementallyWhenCacheAges(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	fetcher := newFakeFetcher()
	eng, db := newTestEngine(fetcher)

	// Newest cached activity is 3 days old: refresh should go remote.
	if err := db.Put(ctx, summary(1, now.AddDate(0, 0, -3))); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	fetcher.listResult = []store.Activity{}

	result, err := eng.Refresh(ctx, nil)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	if _, listCalls := fetcher.calls(); listCalls != 1 {
		t.Fatalf("expected one list call, got %d", listCalls)
	}
	if result.Source != "cache" {
		t.Fatalf("no new remote records, expected source cache, got %q", result.Source)
	}
}

func TestRefreshDegradesToStaleCacheOnNetworkFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	fetcher := newFakeFetcher()
	fetcher.listErr = strava.ErrNetworkUnavailable

	eng, db := newTestEngine(fetcher)
	if err := db.Put(ctx, summary(1, now.AddDate(0, 0, -5))); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	result, err := eng.Refresh(ctx, nil)
	if err != nil {
		t.Fatalf("expected degraded success, got %v", err)
	}
	if !result.Stale || result.Source != "cache" {
		t.Fatalf("expected stale cache result, got %+v", result)
	}
	if len(result.Activities) != 1 {
		t.Fatalf("expected cached activity, got %d", len(result.Activities))
	}
}

func TestRefreshEmptyCacheAndRemoteDownIsNoData(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.listErr = strava.ErrNetworkUnavailable

	eng, _ := newTestEngine(fetcher)
	_, err := eng.Refresh(context.Background(), nil)
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
	if !errors.Is(err, strava.ErrNetworkUnavailable) {
		t.Fatalf("expected cause preserved, got %v", err)
	}
}

func TestRefreshEmptyCacheUnauthorizedPropagates(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.listErr = strava.ErrUnauthorized

	eng, _ := newTestEngine(fetcher)
	_, err := eng.Refresh(context.Background(), nil)
	if !errors.Is(err, strava.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRefreshSurfacesCredentialRejectionDuringEnrichment(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	fetcher := newFakeFetcher()
	fetcher.listResult = []store.Activity{summary(1, now.Add(-2 * time.Hour))}
	fetcher.errs[1] = strava.ErrUnauthorized

	eng, _ := newTestEngine(fetcher)
	result, err := eng.Refresh(ctx, nil)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	if !result.Unauthorized {
		t.Fatal("credential rejection during detail fetch not surfaced")
	}
	if len(result.Activities) != 1 || result.Activities[0].HasDetail {
		t.Fatalf("expected the summary served regardless: %+v", result.Activities)
	}
}

func TestRefreshStaleResultCarriesUnauthorizedFlag(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	fetcher := newFakeFetcher()
	fetcher.listErr = strava.ErrUnauthorized

	eng, db := newTestEngine(fetcher)
	if err := db.Put(ctx, summary(1, now.AddDate(0, 0, -5))); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	result, err := eng.Refresh(ctx, nil)
	if err != nil {
		t.Fatalf("expected degraded success, got %v", err)
	}
	if !result.Stale || !result.Unauthorized {
		t.Fatalf("expected stale result flagged unauthorized: %+v", result)
	}
}

func TestRefreshWithoutCredentialServesCache(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	fetcher := newFakeFetcher()
	fetcher.authenticated = false

	eng, db := newTestEngine(fetcher)
	if err := db.Put(ctx, summary(1, now.AddDate(0, 0, -10))); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	result, err := eng.Refresh(ctx, nil)
	if err != nil {
		t.Fatalf("expected cached result, got %v", err)
	}
	if !result.Stale || len(result.Activities) != 1 {
		t.Fatalf("expected stale cached result, got %+v", result)
	}
}

func TestStatsCountCallsAndHits(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	fetcher := newFakeFetcher()
	summaries := []store.Activity{summary(1, now)}
	fetcher.details[1] = detailFor(summaries[0], "n")

	eng, _ := newTestEngine(fetcher)
	if _, err := eng.LoadWithDetail(ctx, summaries); err != nil {
		t.Fatalf("first load failed: %v", err)
	}
	if _, err := eng.LoadWithDetail(ctx, summaries); err != nil {
		t.Fatalf("second load failed: %v", err)
	}

	stats := eng.Stats()
	if stats.APICallCount != 1 {
		t.Fatalf("expected 1 api call counted, got %d", stats.APICallCount)
	}
	if stats.CacheHitCount != 1 {
		t.Fatalf("expected 1 cache hit counted, got %d", stats.CacheHitCount)
	}
}
