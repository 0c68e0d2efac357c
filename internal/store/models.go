package store

import "time"

// Activity is one tracked activity as cached locally. IDs are assigned by the
// remote system. HasDetail records whether the row came from the single-activity
// endpoint; summary rows must never be treated as note-complete.
type Activity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Distance           float64   `json:"distance"`
	MovingTime         int       `json:"moving_time"`
	ElapsedTime        int       `json:"elapsed_time"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	AverageSpeed       float64   `json:"average_speed"`
	Type               string    `json:"type"`
	SportType          string    `json:"sport_type"`
	StartDate          time.Time `json:"start_date"`
	PrivateNote        string    `json:"private_note,omitempty"`
	HasDetail          bool      `json:"has_detail"`

	// Derived at put time, never supplied by callers.
	HasPrivateNote bool      `json:"has_private_note"`
	CachedAt       time.Time `json:"cached_at"`
	LastUpdated    time.Time `json:"last_updated"`
}

// IsRun reports whether the activity counts toward weekly run mileage.
func (a Activity) IsRun() bool {
	return a.Type == "Run" || a.SportType == "Run"
}

// WeeklyAggregate is the persisted total for one Monday-to-Sunday period.
// IsComplete is monotonic: once written true, later passes skip the week.
type WeeklyAggregate struct {
	WeekID         string     `json:"week_id"`
	WeekStart      time.Time  `json:"week_start"`
	WeekEnd        time.Time  `json:"week_end"`
	TotalDistance  float64    `json:"total_distance"`
	TotalTime      int        `json:"total_time"`
	TotalElevation float64    `json:"total_elevation"`
	RunCount       int        `json:"run_count"`
	IsComplete     bool       `json:"is_complete"`
	Activities     []Activity `json:"activities"`
	ComputedAt     time.Time  `json:"computed_at"`
}

// Stats describes the cache contents for the stats endpoint.
type Stats struct {
	ActivityCount   int        `json:"activityCount"`
	WithNoteCount   int        `json:"withNoteCount"`
	WithDetailCount int        `json:"withDetailCount"`
	AggregateCount  int        `json:"aggregateCount"`
	OldestCachedAt  *time.Time `json:"oldestCachedAt,omitempty"`
	NewestCachedAt  *time.Time `json:"newestCachedAt,omitempty"`
}
