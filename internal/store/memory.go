package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory implements Store on process-local maps. It backs the degraded mode
// when Postgres is unreachable and the fakes used in tests. Contents do not
// survive a restart.
type Memory struct {
	mu         sync.RWMutex
	activities map[int64]Activity
	aggregates map[string]WeeklyAggregate
}

func NewMemory() *Memory {
	return &Memory{
		activities: make(map[int64]Activity),
		aggregates: make(map[string]WeeklyAggregate),
	}
}

func (m *Memory) Close() {}

func (m *Memory) Health(_ context.Context) error {
	return nil
}

func (m *Memory) Put(ctx context.Context, activity Activity) error {
	return m.PutMany(ctx, []Activity{activity})
}

func (m *Memory) PutMany(_ context.Context, activities []Activity) error {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, activity := range activities {
		stamp(&activity, now)
		m.activities[activity.ID] = activity
	}
	return nil
}

func (m *Memory) Get(_ context.Context, id int64) (*Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	activity, ok := m.activities[id]
	if !ok {
		return nil, nil
	}
	return &activity, nil
}

func (m *Memory) GetMany(_ context.Context, ids []int64) ([]Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	found := make([]Activity, 0, len(ids))
	for _, id := range ids {
		if activity, ok := m.activities[id]; ok {
			found = append(found, activity)
		}
	}
	return found, nil
}

func (m *Memory) GetAll(_ context.Context) ([]Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]Activity, 0, len(m.activities))
	for _, activity := range m.activities {
		all = append(all, activity)
	}
	return all, nil
}

func (m *Memory) GetInRange(_ context.Context, start, end time.Time) ([]Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]Activity, 0)
	for _, activity := range m.activities {
		if activity.StartDate.Before(start) || activity.StartDate.After(end) {
			continue
		}
		matched = append(matched, activity)
	}
	sortByStartDateDesc(matched)
	return matched, nil
}

func (m *Memory) MissingIDs(_ context.Context, ids []int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	missing := make([]int64, 0)
	for _, id := range ids {
		if _, ok := m.activities[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (m *Memory) DeleteOlderThan(_ context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays < 1 {
		return 0, fmt.Errorf("maxAgeDays must be >= 1")
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)

	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, activity := range m.activities {
		if activity.CachedAt.Before(cutoff) {
			delete(m.activities, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.activities = make(map[int64]Activity)
	m.aggregates = make(map[string]WeeklyAggregate)
	return nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		ActivityCount:  len(m.activities),
		AggregateCount: len(m.aggregates),
	}
	for _, activity := range m.activities {
		if activity.HasPrivateNote {
			stats.WithNoteCount++
		}
		if activity.HasDetail {
			stats.WithDetailCount++
		}
		cachedAt := activity.CachedAt
		if stats.OldestCachedAt == nil || cachedAt.Before(*stats.OldestCachedAt) {
			at := cachedAt
			stats.OldestCachedAt = &at
		}
		if stats.NewestCachedAt == nil || cachedAt.After(*stats.NewestCachedAt) {
			at := cachedAt
			stats.NewestCachedAt = &at
		}
	}
	return stats, nil
}

func (m *Memory) GetWeeklyAggregate(_ context.Context, weekID string) (*WeeklyAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	aggregate, ok := m.aggregates[weekID]
	if !ok {
		return nil, nil
	}
	return &aggregate, nil
}

func (m *Memory) PutWeeklyAggregate(_ context.Context, aggregate WeeklyAggregate) error {
	if aggregate.ComputedAt.IsZero() {
		aggregate.ComputedAt = time.Now().UTC()
	}
	if aggregate.Activities == nil {
		aggregate.Activities = []Activity{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregates[aggregate.WeekID] = aggregate
	return nil
}

func (m *Memory) ListWeeklyAggregates(_ context.Context) ([]WeeklyAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	aggregates := make([]WeeklyAggregate, 0, len(m.aggregates))
	for _, aggregate := range m.aggregates {
		aggregates = append(aggregates, aggregate)
	}
	sort.Slice(aggregates, func(i, j int) bool {
		return aggregates[i].WeekStart.After(aggregates[j].WeekStart)
	})
	return aggregates, nil
}

func sortByStartDateDesc(activities []Activity) {
	sort.Slice(activities, func(i, j int) bool {
		return activities[i].StartDate.After(activities[j].StartDate)
	})
}
