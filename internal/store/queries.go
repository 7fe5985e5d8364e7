package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"refreshd/internal/query"
	logx "refreshd/pkg/logx"
)

func (s *Store) CreateDataSource(ctx context.Context, ds *query.DataSource) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO data_sources (org_id, name, kind, dsn) VALUES (?,?,?,?)`,
		ds.OrgID, ds.Name, ds.Kind, ds.DSN)
	if err != nil {
		return fmt.Errorf("create data source: %w", err)
	}
	ds.ID, err = res.LastInsertId()
	return err
}

func (s *Store) DataSources(ctx context.Context) ([]query.DataSource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, name, kind, dsn FROM data_sources ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []query.DataSource
	for rows.Next() {
		var ds query.DataSource
		if err := rows.Scan(&ds.ID, &ds.OrgID, &ds.Name, &ds.Kind, &ds.DSN); err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

// AddDataSourceGroup grants an access group visibility into a data source
// (and, through it, the source's queries).
func (s *Store) AddDataSourceGroup(ctx context.Context, dataSourceID, groupID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO data_source_groups (data_source_id, group_id) VALUES (?,?)`,
		dataSourceID, groupID)
	return err
}

// CreateQuery inserts a query. The content hash is derived from the text;
// callers never supply it.
func (s *Store) CreateQuery(ctx context.Context, q *query.Query) error {
	q.Hash = query.HashText(q.Text)
	now := time.Now()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now

	if q.Schedule != nil {
		if _, err := query.ParseSchedule(*q.Schedule); err != nil {
			return fmt.Errorf("create query: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queries
		   (org_id, data_source_id, query_text, query_hash, schedule, schedule_failures,
		    latest_result_id, is_archived, is_draft, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		q.OrgID, q.DataSourceID, q.Text, q.Hash, nullStr(q.Schedule), q.ScheduleFailures,
		q.LatestResultID, q.IsArchived, q.IsDraft, fmtTime(q.CreatedAt), fmtTime(q.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create query: %w", err)
	}
	q.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetQuery(ctx context.Context, id int64) (*query.Query, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, data_source_id, query_text, query_hash, schedule,
		        schedule_failures, latest_result_id, is_archived, is_draft,
		        created_at, updated_at
		 FROM queries WHERE id = ?`, id)
	return scanQuery(row)
}

// FindQuery looks up a non-archived query by content on one data source.
// Returns sql.ErrNoRows when absent.
func (s *Store) FindQuery(ctx context.Context, dataSourceID int64, hash string) (*query.Query, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, data_source_id, query_text, query_hash, schedule,
		        schedule_failures, latest_result_id, is_archived, is_draft,
		        created_at, updated_at
		 FROM queries
		 WHERE data_source_id = ? AND query_hash = ? AND is_archived = 0
		 ORDER BY id LIMIT 1`, dataSourceID, hash)
	return scanQuery(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanQuery(row rowScanner) (*query.Query, error) {
	var (
		q         query.Query
		schedule  sql.NullString
		latest    sql.NullInt64
		createdAt string
		updatedAt string
	)
	err := row.Scan(&q.ID, &q.OrgID, &q.DataSourceID, &q.Text, &q.Hash, &schedule,
		&q.ScheduleFailures, &latest, &q.IsArchived, &q.IsDraft, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if schedule.Valid {
		q.Schedule = &schedule.String
	}
	if latest.Valid {
		q.LatestResultID = &latest.Int64
	}
	if q.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if q.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &q, nil
}

// ArchiveQuery flags the query archived and clears its schedule, removing it
// from all future selection.
func (s *Store) ArchiveQuery(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queries SET is_archived = 1, schedule = NULL, updated_at = ? WHERE id = ?`,
		fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("archive query: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return err
}

// QueriesForGroups lists non-archived, non-draft queries reachable through
// the given access groups (via their data sources), ordered by id.
func (s *Store) QueriesForGroups(ctx context.Context, groupIDs []int64) ([]query.Query, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(groupIDs))
	for i, id := range groupIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT q.id, q.org_id, q.data_source_id, q.query_text, q.query_hash,
		        q.schedule, q.schedule_failures, q.latest_result_id, q.is_archived,
		        q.is_draft, q.created_at, q.updated_at
		 FROM queries q
		 JOIN data_source_groups g ON g.data_source_id = q.data_source_id
		 WHERE g.group_id IN (`+placeholders(len(groupIDs))+`)
		   AND q.is_archived = 0 AND q.is_draft = 0
		 ORDER BY q.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []query.Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

// InFlightFilter reports whether a (data source, hash) group currently has
// an execution in progress; those groups are excluded from selection.
type InFlightFilter interface {
	InFlight(dataSourceID int64, hash string) bool
}

// Outdated is one scheduling unit emitted by the selector: the lowest-id
// due query representing every query sharing its (data source, hash).
type Outdated struct {
	QueryID      int64
	OrgID        int64
	DataSourceID int64
	Hash         string
	Text         string
	Schedule     query.Schedule
	Failures     int       // max across the group (conservative backoff)
	LastRun      time.Time // zero when the group never produced a result
	GroupSize    int
}

// OutdatedQueries scans all schedulable queries and returns one entry per
// due (data source, content hash) group:
//
//  1. candidates: non-archived, non-draft, schedule set, joined to the
//     latest result's retrieval time;
//  2. grouped by (data_source_id, query_hash); the group shares its most
//     recent retrieval time and its maximum failure count;
//  3. each member's schedule is evaluated with the shared inputs; the due
//     member with the lowest id represents the group;
//  4. groups currently in flight are skipped.
//
// Output is ordered by (data_source_id, id) for reproducibility.
func (s *Store) OutdatedQueries(ctx context.Context, now time.Time, pol query.BackoffPolicy, skip InFlightFilter) ([]Outdated, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT q.id, q.org_id, q.data_source_id, q.query_text, q.query_hash,
		        q.schedule, q.schedule_failures, r.retrieved_at
		 FROM queries q
		 LEFT JOIN query_results r ON r.id = q.latest_result_id
		 WHERE q.is_archived = 0 AND q.is_draft = 0 AND q.schedule IS NOT NULL
		 ORDER BY q.data_source_id, q.id`)
	if err != nil {
		return nil, fmt.Errorf("outdated queries: %w", err)
	}
	defer rows.Close()

	type member struct {
		id       int64
		orgID    int64
		text     string
		sched    query.Schedule
		failures int
		lastRun  time.Time
	}
	type groupKey struct {
		dataSourceID int64
		hash         string
	}

	groups := map[groupKey][]member{}
	var order []groupKey

	for rows.Next() {
		var (
			m         member
			dsID      int64
			hash      string
			rawSched  string
			retrieved sql.NullString
		)
		if err := rows.Scan(&m.id, &m.orgID, &dsID, &m.text, &hash, &rawSched, &m.failures, &retrieved); err != nil {
			return nil, err
		}
		sched, err := query.ParseSchedule(rawSched)
		if err != nil {
			// A bad schedule string should never block the rest of the scan.
			s.log.Warn("skipping query with unparseable schedule",
				logx.Int64("query_id", m.id), logx.String("schedule", rawSched), logx.Err(err))
			continue
		}
		m.sched = sched
		if retrieved.Valid {
			if m.lastRun, err = parseTime(retrieved.String); err != nil {
				return nil, err
			}
		}

		key := groupKey{dataSourceID: dsID, hash: hash}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []Outdated
	for _, key := range order {
		if skip != nil && skip.InFlight(key.dataSourceID, key.hash) {
			continue
		}
		members := groups[key]

		// Shared inputs: the group's freshest result and worst failure streak.
		var lastRun time.Time
		failures := 0
		for _, m := range members {
			if m.lastRun.After(lastRun) {
				lastRun = m.lastRun
			}
			if m.failures > failures {
				failures = m.failures
			}
		}

		// Members are id-ordered, so the first due one is the representative.
		for _, m := range members {
			if !m.sched.Due(lastRun, now, failures, pol) {
				continue
			}
			out = append(out, Outdated{
				QueryID:      m.id,
				OrgID:        m.orgID,
				DataSourceID: key.dataSourceID,
				Hash:         key.hash,
				Text:         m.text,
				Schedule:     m.sched,
				Failures:     failures,
				LastRun:      lastRun,
				GroupSize:    len(members),
			})
			break
		}
	}
	return out, nil
}
