// Package query holds the scheduling data model: queries, their results,
// the content hash used for dedup, and the schedule-due predicate.
package query

import "time"

// DataSource is a backend a query executes against.
// Kind selects the runner adapter ("postgres", "mysql", "sqlserver", "sqlite").
type DataSource struct {
	ID    int64
	OrgID int64
	Name  string
	Kind  string
	DSN   string
}

// Query is a scheduled piece of SQL attached to a data source.
//
// Schedule is the raw schedule string ("3600" for interval seconds,
// "HH:MM" for exact time); nil means the query is never auto-refreshed.
// Parse it once at read time with ParseSchedule.
type Query struct {
	ID           int64
	OrgID        int64
	DataSourceID int64

	Text string
	Hash string

	Schedule         *string
	ScheduleFailures int

	LatestResultID *int64

	IsArchived bool
	IsDraft    bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// QueryResult is the immutable output of one successful execution.
//
// Data is the normalized payload (columns + rows) serialized as JSON.
// Many queries may point at the same result when their
// (data source, content hash) match.
type QueryResult struct {
	ID           int64
	OrgID        int64
	DataSourceID int64

	Hash string
	Text string

	Data        []byte
	Runtime     time.Duration
	RetrievedAt time.Time
}
