package store

import (
	"context"
	"fmt"
	"time"

	"refreshd/internal/query"
)

// StoreResultArgs carries one successful execution's output.
type StoreResultArgs struct {
	OrgID        int64
	DataSourceID int64
	Hash         string
	Text         string
	Data         []byte
	Runtime      time.Duration
	RetrievedAt  time.Time
}

// StoreResult inserts a new immutable QueryResult and republishes it to
// every non-archived query in the same org whose (data source, content hash)
// matches, resetting their failure counters. Insert and fan-out commit in
// one transaction; a half-updated group is never observable.
//
// It returns the stored result and the ids of the updated queries.
func (s *Store) StoreResult(ctx context.Context, args StoreResultArgs) (*query.QueryResult, []int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("store result: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO query_results
		   (org_id, data_source_id, query_hash, query_text, data, runtime_ms, retrieved_at)
		 VALUES (?,?,?,?,?,?,?)`,
		args.OrgID, args.DataSourceID, args.Hash, args.Text, args.Data,
		args.Runtime.Milliseconds(), fmtTime(args.RetrievedAt))
	if err != nil {
		return nil, nil, fmt.Errorf("store result: %w", err)
	}
	resultID, err := res.LastInsertId()
	if err != nil {
		return nil, nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM queries
		 WHERE org_id = ? AND data_source_id = ? AND query_hash = ? AND is_archived = 0
		 ORDER BY id`,
		args.OrgID, args.DataSourceID, args.Hash)
	if err != nil {
		return nil, nil, fmt.Errorf("store result: %w", err)
	}
	var updated []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, nil, err
		}
		updated = append(updated, id)
	}
	if err := rows.Close(); err != nil {
		return nil, nil, err
	}

	if len(updated) > 0 {
		qargs := make([]any, 0, len(updated)+2)
		qargs = append(qargs, resultID, fmtTime(args.RetrievedAt))
		for _, id := range updated {
			qargs = append(qargs, id)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE queries
			 SET latest_result_id = ?, schedule_failures = 0, updated_at = ?
			 WHERE id IN (`+placeholders(len(updated))+`)`, qargs...)
		if err != nil {
			return nil, nil, fmt.Errorf("store result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("store result: %w", err)
	}

	return &query.QueryResult{
		ID:           resultID,
		OrgID:        args.OrgID,
		DataSourceID: args.DataSourceID,
		Hash:         args.Hash,
		Text:         args.Text,
		Data:         args.Data,
		Runtime:      args.Runtime,
		RetrievedAt:  args.RetrievedAt,
	}, updated, nil
}

// RecordFailure increments the consecutive-failure counter on every
// non-archived query matching (org, data source, hash). No result row is
// written; the latest result pointers stay untouched so backoff kicks in on
// the next tick. Returns how many queries were affected.
func (s *Store) RecordFailure(ctx context.Context, orgID, dataSourceID int64, hash string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queries
		 SET schedule_failures = schedule_failures + 1, updated_at = ?
		 WHERE org_id = ? AND data_source_id = ? AND query_hash = ? AND is_archived = 0`,
		fmtTime(time.Now()), orgID, dataSourceID, hash)
	if err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) GetResult(ctx context.Context, id int64) (*query.QueryResult, error) {
	var (
		r         query.QueryResult
		runtimeMS int64
		retrieved string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, data_source_id, query_hash, query_text, data, runtime_ms, retrieved_at
		 FROM query_results WHERE id = ?`, id).
		Scan(&r.ID, &r.OrgID, &r.DataSourceID, &r.Hash, &r.Text, &r.Data, &runtimeMS, &retrieved)
	if err != nil {
		return nil, err
	}
	r.Runtime = time.Duration(runtimeMS) * time.Millisecond
	if r.RetrievedAt, err = parseTime(retrieved); err != nil {
		return nil, err
	}
	return &r, nil
}

// UnusedResults returns ids of results no query references as its latest
// data and that are older than the cutoff: the garbage-collection
// candidate set.
func (s *Store) UnusedResults(ctx context.Context, olderThan time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id FROM query_results r
		 WHERE r.retrieved_at < ?
		   AND NOT EXISTS (SELECT 1 FROM queries q WHERE q.latest_result_id = r.id)
		 ORDER BY r.id`, fmtTime(olderThan))
	if err != nil {
		return nil, fmt.Errorf("unused results: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeResults deletes the given result rows, returning how many went away.
func (s *Store) PurgeResults(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM query_results WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("purge results: %w", err)
	}
	return res.RowsAffected()
}
