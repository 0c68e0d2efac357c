package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS activities (
    id BIGINT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    distance DOUBLE PRECISION NOT NULL DEFAULT 0,
    moving_time INT NOT NULL DEFAULT 0,
    elapsed_time INT NOT NULL DEFAULT 0,
    total_elevation_gain DOUBLE PRECISION NOT NULL DEFAULT 0,
    average_speed DOUBLE PRECISION NOT NULL DEFAULT 0,
    type TEXT NOT NULL DEFAULT '',
    sport_type TEXT NOT NULL DEFAULT '',
    start_date TIMESTAMPTZ NOT NULL,
    private_note TEXT NOT NULL DEFAULT '',
    has_detail BOOLEAN NOT NULL DEFAULT FALSE,
    has_private_note BOOLEAN NOT NULL DEFAULT FALSE,
    cached_at TIMESTAMPTZ NOT NULL,
    last_updated TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activities_start_date ON activities (start_date DESC);
CREATE INDEX IF NOT EXISTS idx_activities_has_private_note ON activities (has_private_note);
CREATE INDEX IF NOT EXISTS idx_activities_has_detail ON activities (has_detail);

CREATE TABLE IF NOT EXISTS weekly_aggregates (
    week_id TEXT PRIMARY KEY,
    week_start TIMESTAMPTZ NOT NULL,
    week_end TIMESTAMPTZ NOT NULL,
    total_distance DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_time INT NOT NULL DEFAULT 0,
    total_elevation DOUBLE PRECISION NOT NULL DEFAULT 0,
    run_count INT NOT NULL DEFAULT 0,
    is_complete BOOLEAN NOT NULL DEFAULT FALSE,
    activities JSONB NOT NULL DEFAULT '[]',
    computed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_weekly_aggregates_week_start ON weekly_aggregates (week_start DESC);
`

const activityColumns = `id, name, distance, moving_time, elapsed_time, total_elevation_gain,
average_speed, type, sport_type, start_date, private_note, has_detail,
has_private_note, cached_at, last_updated`

// Postgres implements Store on a pgx connection pool. The schema is created
// lazily on first use; concurrent callers share one initialization and a
// failed initialization may be retried by a later call.
type Postgres struct {
	pool *pgxpool.Pool

	readyMu sync.Mutex
	ready   bool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) ensureReady(ctx context.Context) error {
	p.readyMu.Lock()
	defer p.readyMu.Unlock()
	if p.ready {
		return nil
	}

	ctxInit, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := p.pool.Ping(ctxInit); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if _, err := p.pool.Exec(ctxInit, schema); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	p.ready = true
	return nil
}

func (p *Postgres) Put(ctx context.Context, activity Activity) error {
	return p.PutMany(ctx, []Activity{activity})
}

func (p *Postgres) PutMany(ctx context.Context, activities []Activity) error {
	if err := p.ensureReady(ctx); err != nil {
		return err
	}
	if len(activities) == 0 {
		return nil
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for _, activity := range activities {
		stamp(&activity, now)
		_, err := tx.Exec(
			ctx,
			`INSERT INTO activities (`+activityColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			 ON CONFLICT (id) DO UPDATE
			 SET name = EXCLUDED.name,
			     distance = EXCLUDED.distance,
			     moving_time = EXCLUDED.moving_time,
			     elapsed_time = EXCLUDED.elapsed_time,
			     total_elevation_gain = EXCLUDED.total_elevation_gain,
			     average_speed = EXCLUDED.average_speed,
			     type = EXCLUDED.type,
			     sport_type = EXCLUDED.sport_type,
			     start_date = EXCLUDED.start_date,
			     private_note = EXCLUDED.private_note,
			     has_detail = EXCLUDED.has_detail,
			     has_private_note = EXCLUDED.has_private_note,
			     cached_at = EXCLUDED.cached_at,
			     last_updated = EXCLUDED.last_updated`,
			activity.ID,
			activity.Name,
			activity.Distance,
			activity.MovingTime,
			activity.ElapsedTime,
			activity.TotalElevationGain,
			activity.AverageSpeed,
			activity.Type,
			activity.SportType,
			activity.StartDate,
			activity.PrivateNote,
			activity.HasDetail,
			activity.HasPrivateNote,
			activity.CachedAt,
			activity.LastUpdated,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (p *Postgres) Get(ctx context.Context, id int64) (*Activity, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}

	row := p.pool.QueryRow(
		ctx,
		`SELECT `+activityColumns+` FROM activities WHERE id = $1`,
		id,
	)
	activity, err := scanActivity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &activity, nil
}

func (p *Postgres) GetMany(ctx context.Context, ids []int64) ([]Activity, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Activity{}, nil
	}

	rows, err := p.pool.Query(
		ctx,
		`SELECT `+activityColumns+` FROM activities WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	found, err := collectActivities(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]Activity, len(found))
	for _, activity := range found {
		byID[activity.ID] = activity
	}

	ordered := make([]Activity, 0, len(found))
	for _, id := range ids {
		if activity, ok := byID[id]; ok {
			ordered = append(ordered, activity)
		}
	}
	return ordered, nil
}

func (p *Postgres) GetAll(ctx context.Context) ([]Activity, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, `SELECT `+activityColumns+` FROM activities`)
	if err != nil {
		return nil, err
	}
	return collectActivities(rows)
}

func (p *Postgres) GetInRange(ctx context.Context, start, end time.Time) ([]Activity, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(
		ctx,
		`SELECT `+activityColumns+` FROM activities
		 WHERE start_date >= $1 AND start_date <= $2
		 ORDER BY start_date DESC`,
		start,
		end,
	)
	if err != nil {
		return nil, err
	}
	return collectActivities(rows)
}

func (p *Postgres) MissingIDs(ctx context.Context, ids []int64) ([]int64, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []int64{}, nil
	}

	rows, err := p.pool.Query(ctx, `SELECT id FROM activities WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	present := make(map[int64]struct{}, len(ids))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		present[id] = struct{}{}
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	missing := make([]int64, 0)
	for _, id := range ids {
		if _, ok := present[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (p *Postgres) DeleteOlderThan(ctx context.Context, maxAgeDays int) (int, error) {
	if err := p.ensureReady(ctx); err != nil {
		return 0, err
	}
	if maxAgeDays < 1 {
		return 0, fmt.Errorf("maxAgeDays must be >= 1")
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	tag, err := p.pool.Exec(ctx, `DELETE FROM activities WHERE cached_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) Clear(ctx context.Context) error {
	if err := p.ensureReady(ctx); err != nil {
		return err
	}

	if _, err := p.pool.Exec(ctx, `DELETE FROM activities`); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `DELETE FROM weekly_aggregates`)
	return err
}

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	if err := p.ensureReady(ctx); err != nil {
		return Stats{}, err
	}

	stats := Stats{}
	err := p.pool.QueryRow(
		ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE has_private_note),
		        COUNT(*) FILTER (WHERE has_detail),
		        MIN(cached_at),
		        MAX(cached_at)
		 FROM activities`,
	).Scan(
		&stats.ActivityCount,
		&stats.WithNoteCount,
		&stats.WithDetailCount,
		&stats.OldestCachedAt,
		&stats.NewestCachedAt,
	)
	if err != nil {
		return Stats{}, err
	}

	err = p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM weekly_aggregates`).Scan(&stats.AggregateCount)
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (p *Postgres) GetWeeklyAggregate(ctx context.Context, weekID string) (*WeeklyAggregate, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}

	aggregate := WeeklyAggregate{}
	var activitiesJSON []byte
	err := p.pool.QueryRow(
		ctx,
		`SELECT week_id, week_start, week_end, total_distance, total_time,
		        total_elevation, run_count, is_complete, activities, computed_at
		 FROM weekly_aggregates WHERE week_id = $1`,
		weekID,
	).Scan(
		&aggregate.WeekID,
		&aggregate.WeekStart,
		&aggregate.WeekEnd,
		&aggregate.TotalDistance,
		&aggregate.TotalTime,
		&aggregate.TotalElevation,
		&aggregate.RunCount,
		&aggregate.IsComplete,
		&activitiesJSON,
		&aggregate.ComputedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(activitiesJSON, &aggregate.Activities); err != nil {
		return nil, fmt.Errorf("decode aggregate activities week=%s: %w", weekID, err)
	}
	return &aggregate, nil
}

func (p *Postgres) PutWeeklyAggregate(ctx context.Context, aggregate WeeklyAggregate) error {
	if err := p.ensureReady(ctx); err != nil {
		return err
	}

	if aggregate.Activities == nil {
		aggregate.Activities = []Activity{}
	}
	activitiesJSON, err := json.Marshal(aggregate.Activities)
	if err != nil {
		return fmt.Errorf("encode aggregate activities week=%s: %w", aggregate.WeekID, err)
	}
	if aggregate.ComputedAt.IsZero() {
		aggregate.ComputedAt = time.Now().UTC()
	}

	_, err = p.pool.Exec(
		ctx,
		`INSERT INTO weekly_aggregates (week_id, week_start, week_end, total_distance,
		     total_time, total_elevation, run_count, is_complete, activities, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (week_id) DO UPDATE
		 SET week_start = EXCLUDED.week_start,
		     week_end = EXCLUDED.week_end,
		     total_distance = EXCLUDED.total_distance,
		     total_time = EXCLUDED.total_time,
		     total_elevation = EXCLUDED.total_elevation,
		     run_count = EXCLUDED.run_count,
		     is_complete = EXCLUDED.is_complete,
		     activities = EXCLUDED.activities,
		     computed_at = EXCLUDED.computed_at`,
		aggregate.WeekID,
		aggregate.WeekStart,
		aggregate.WeekEnd,
		aggregate.TotalDistance,
		aggregate.TotalTime,
		aggregate.TotalElevation,
		aggregate.RunCount,
		aggregate.IsComplete,
		activitiesJSON,
		aggregate.ComputedAt,
	)
	return err
}

func (p *Postgres) ListWeeklyAggregates(ctx context.Context) ([]WeeklyAggregate, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(
		ctx,
		`SELECT week_id, week_start, week_end, total_distance, total_time,
		        total_elevation, run_count, is_complete, activities, computed_at
		 FROM weekly_aggregates
		 ORDER BY week_start DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	aggregates := make([]WeeklyAggregate, 0)
	for rows.Next() {
		aggregate := WeeklyAggregate{}
		var activitiesJSON []byte
		if err := rows.Scan(
			&aggregate.WeekID,
			&aggregate.WeekStart,
			&aggregate.WeekEnd,
			&aggregate.TotalDistance,
			&aggregate.TotalTime,
			&aggregate.TotalElevation,
			&aggregate.RunCount,
			&aggregate.IsComplete,
			&activitiesJSON,
			&aggregate.ComputedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(activitiesJSON, &aggregate.Activities); err != nil {
			return nil, fmt.Errorf("decode aggregate activities week=%s: %w", aggregate.WeekID, err)
		}
		aggregates = append(aggregates, aggregate)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return aggregates, nil
}

func scanActivity(row pgx.Row) (Activity, error) {
	activity := Activity{}
	err := row.Scan(
		&activity.ID,
		&activity.Name,
		&activity.Distance,
		&activity.MovingTime,
		&activity.ElapsedTime,
		&activity.TotalElevationGain,
		&activity.AverageSpeed,
		&activity.Type,
		&activity.SportType,
		&activity.StartDate,
		&activity.PrivateNote,
		&activity.HasDetail,
		&activity.HasPrivateNote,
		&activity.CachedAt,
		&activity.LastUpdated,
	)
	return activity, err
}

func collectActivities(rows pgx.Rows) ([]Activity, error) {
	defer rows.Close()

	activities := make([]Activity, 0)
	for rows.Next() {
		activity, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		activities = append(activities, activity)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return activities, nil
}
