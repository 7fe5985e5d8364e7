package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"refreshd/internal/query"
	logx "refreshd/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "meta.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDataSource(t *testing.T, s *Store) *query.DataSource {
	t.Helper()
	ds := &query.DataSource{OrgID: 1, Name: "ds-" + t.Name(), Kind: "sqlite", DSN: ":memory:"}
	if err := s.CreateDataSource(context.Background(), ds); err != nil {
		t.Fatalf("CreateDataSource: %v", err)
	}
	return ds
}

func strPtr(s string) *string { return &s }

func createQuery(t *testing.T, s *Store, dsID int64, text, schedule string) *query.Query {
	t.Helper()
	q := &query.Query{OrgID: 1, DataSourceID: dsID, Text: text}
	if schedule != "" {
		q.Schedule = strPtr(schedule)
	}
	if err := s.CreateQuery(context.Background(), q); err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}
	return q
}

func storeResultAt(t *testing.T, s *Store, dsID int64, text string, at time.Time) *query.QueryResult {
	t.Helper()
	r, _, err := s.StoreResult(context.Background(), StoreResultArgs{
		OrgID:        1,
		DataSourceID: dsID,
		Hash:         query.HashText(text),
		Text:         text,
		Data:         []byte(`{"columns":[],"rows":[]}`),
		Runtime:      123 * time.Millisecond,
		RetrievedAt:  at,
	})
	if err != nil {
		t.Fatalf("StoreResult: %v", err)
	}
	return r
}

func outdatedIDs(t *testing.T, s *Store, skip InFlightFilter) []int64 {
	t.Helper()
	out, err := s.OutdatedQueries(context.Background(), time.Now(), query.BackoffPolicy{}, skip)
	if err != nil {
		t.Fatalf("OutdatedQueries: %v", err)
	}
	ids := make([]int64, len(out))
	for i, o := range out {
		ids[i] = o.QueryID
	}
	return ids
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func TestOutdatedSkipsUnscheduledQueries(t *testing.T) {
	s := openTestStore(t)
	ds := testDataSource(t, s)
	q := createQuery(t, s, ds.ID, "SELECT 1", "")

	if ids := outdatedIDs(t, s, nil); containsID(ids, q.ID) {
		t.Errorf("unscheduled query selected: %v", ids)
	}
}

func TestOutdatedWithIntervalSchedule(t *testing.T) {
	s := openTestStore(t)
	ds := testDataSource(t, s)
	q := createQuery(t, s, ds.ID, "SELECT 1", "3600")

	// No result yet: infinitely overdue.
	if ids := outdatedIDs(t, s, nil); !containsID(ids, q.ID) {
		t.Fatalf("never-run query should be due: %v", ids)
	}

	storeResultAt(t, s, ds.ID, q.Text, time.Now().Add(-2*time.Hour))
	if ids := outdatedIDs(t, s, nil); !containsID(ids, q.ID) {
		t.Errorf("stale query should be due: %v", ids)
	}

	storeResultAt(t, s, ds.ID, q.Text, time.Now().Add(-30*time.Minute))
	if ids := outdatedIDs(t, s, nil); containsID(ids, q.ID) {
		t.Errorf("fresh query should not be due: %v", ids)
	}
}

func TestOutdatedSkipsDrafts(t *testing.T) {
	s := openTestStore(t)
	ds := testDataSource(t, s)
	q := &query.Query{OrgID: 1, DataSourceID: ds.ID, Text: "SELECT 1", Schedule: strPtr("60"), IsDraft: true}
	if err := s.CreateQuery(context.Background(), q); err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}

	if ids := outdatedIDs(t, s, nil); containsID(ids, q.ID) {
		t.Errorf("draft query selected: %v", ids)
	}
}

func TestOutdatedDedupesIdenticalWork(t *testing.T) {
	s := openTestStore(t)
	ds := testDataSource(t, s)
	q1 := createQuery(t, s, ds.ID, "SELECT 1", "60")
	q2 := createQuery(t, s, ds.ID, "SELECT 1", "60")
	storeResultAt(t, s, ds.ID, "SELECT 1", time.Now().Add(-10*time.Minute))

	ids := outdatedIDs(t, s, nil)
	if len(ids) != 1 {
		t.Fatalf("expected one scheduling unit, got %v", ids)
	}
	// Lowest id represents the group.
	if ids[0] != q1.ID {
		t.Errorf("representative = %d, want %d (q2=%d)", ids[0], q1.ID, q2.ID)
	}

	out, _ := s.OutdatedQueries(context.Background(), time.Now(), query.BackoffPolicy{}, nil)
	if out[0].GroupSize != 2 {
		t.Errorf("GroupSize = %d, want 2", out[0].GroupSize)
	}
}

func TestOutdatedKeepsDistinctDataSourcesApart(t *testing.T) {
	s := openTestStore(t)
	ds1 := testDataSource(t, s)
	ds2 := &query.DataSource{OrgID: 1, Name: "other", Kind: "sqlite", DSN: ":memory:"}
	if err := s.CreateDataSource(context.Background(), ds2); err != nil {
		t.Fatalf("CreateDataSource: %v", err)
	}

	q1 := createQuery(t, s, ds1.ID, "SELECT 1", "60")
	q2 := createQuery(t, s, ds2.ID, "SELECT 1", "60")
	storeResultAt(t, s, ds1.ID, "SELECT 1", time.Now().Add(-10*time.Minute))
	storeResultAt(t, s, ds2.ID, "SELECT 1", time.Now().Add(-10*time.Minute))

	ids := outdatedIDs(t, s, nil)
	if !containsID(ids, q1.ID) || !containsID(ids, q2.ID) {
		t.Fatalf("same text on two sources should yield two units: %v", ids)
	}
}

func TestOutdatedSelectsOnlyDueMemberOfGroup(t *testing.T) {
	s := openTestStore(t)
	ds := testDataSource(t, s)
	q1 := createQuery(t, s, ds.ID, "SELECT 1", "60")
	q2 := createQuery(t, s, ds.ID, "SELECT 1", "3600")
	storeResultAt(t, s, ds.ID, "SELECT 1", time.Now().Add(-10*time.Minute))

	ids := outdatedIDs(t, s, nil)
	if !containsID(ids, q1.ID) {
		t.Errorf("60s member should be due: %v", ids)
	}
	if containsID(ids, q2.ID) {
		t.Errorf("hourly member should not be due: %v", ids)
	}
}

type fakeFilter map[inflightKeyForTest]bool

type inflightKeyForTest struct {
	ds   int64
	hash string
}

func (f fakeFilter) InFlight(ds int64, hash string) bool {
	return f[inflightKeyForTest{ds: ds, hash: hash}]
}

func TestOutdatedExcludesInFlightGroups(t *testing.T) {
	s := openTestStore(t)
	ds := testDataSource(t, s)
	q := createQuery(t, s, ds.ID, "SELECT 1", "60")
	storeResultAt(t, s, ds.ID, "SELECT 1", time.Now().Add(-10*time.Minute))

	skip := fakeFilter{{ds: ds.ID, hash: q.Hash}: true}
	if ids := outdatedIDs(t, s, skip); containsID(ids, q.ID) {
		t.Errorf("in-flight group selected: %v", ids)
	}
	if ids := outdatedIDs(t, s, fakeFilter{}); !containsID(ids, q.ID) {
		t.Errorf("released group should be selectable: %v", ids)
	}
}

func TestFailureBackoffExtendsSelection(t *testing.T) {
	s := openTestStore(t)
	ds := testDataSource(t, s)
	q := createQuery(t, s, ds.ID, "SELECT 1", "60")
	storeResultAt(t, s, ds.ID, "SELECT 1", time.Now().Add(-10*time.Minute))

	// Four failures: effective interval 60s * 16 = 16 minutes.
	for i := 0; i < 4; i++ {
		if _, err := s.RecordFailure(context.Background(), 1, ds.ID, q.Hash); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	now := time.Now()
	out, err := s.OutdatedQueries(context.Background(), now, query.BackoffPolicy{}, nil)
	if err != nil {
		t.Fatalf("OutdatedQueries: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("backed-off query selected too early: %+v", out)
	}

	out, err = s.OutdatedQueries(context.Background(), now.Add(10*time.Minute), query.BackoffPolicy{}, nil)
	if err != nil {
		t.Fatalf("OutdatedQueries: %v", err)
	}
	if len(out) != 1 || out[0].QueryID != q.ID {
		t.Errorf("query should come due once the extended interval passes: %+v", out)
	}
}

func TestArchiveRemovesSchedulingAndClearsSchedule(t *testing.T) {
	s := openTestStore(t)
	ds := testDataSource(t, s)
	q := createQuery(t, s, ds.ID, "SELECT 1", "60")
	storeResultAt(t, s, ds.ID, "SELECT 1", time.Now().Add(-24*time.Hour))

	if ids := outdatedIDs(t, s, nil); !containsID(ids, q.ID) {
		t.Fatalf("precondition: query should be due")
	}

	if err := s.ArchiveQuery(context.Background(), q.ID); err != nil {
		t.Fatalf("ArchiveQuery: %v", err)
	}

	if ids := outdatedIDs(t, s, nil); containsID(ids, q.ID) {
		t.Errorf("archived query reappeared: %v", ids)
	}
	got, err := s.GetQuery(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("GetQuery: %v", err)
	}
	if !got.IsArchived {
		t.Errorf("archived flag not set")
	}
	if got.Schedule != nil {
		t.Errorf("schedule should be cleared, got %q", *got.Schedule)
	}
}

func TestStoreResultFansOutToMatchingQueries(t *testing.T) {
	s := openTestStore(t)
	ds := testDataSource(t, s)
	otherDS := &query.DataSource{OrgID: 1, Name: "other", Kind: "sqlite", DSN: ":memory:"}
	if err := s.CreateDataSource(context.Background(), otherDS); err != nil {
		t.Fatalf("CreateDataSource: %v", err)
	}

	q1 := createQuery(t, s, ds.ID, "SELECT 1", "60")
	q2 := createQuery(t, s, ds.ID, "SELECT 1", "")
	diffText := createQuery(t, s, ds.ID, "SELECT 2", "60")
	diffSource := createQuery(t, s, otherDS.ID, "SELECT 1", "60")

	r, updated, err := s.StoreResult(context.Background(), StoreResultArgs{
		OrgID:        1,
		DataSourceID: ds.ID,
		Hash:         query.HashText("SELECT 1"),
		Text:         "SELECT 1",
		Data:         []byte(`{"columns":[{"name":"c","type":"integer"}],"rows":[{"c":1}]}`),
		Runtime:      42 * time.Millisecond,
		RetrievedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("StoreResult: %v", err)
	}
	if len(updated) != 2 || !containsID(updated, q1.ID) || !containsID(updated, q2.ID) {
		t.Fatalf("updated = %v, want exactly [%d %d]", updated, q1.ID, q2.ID)
	}

	for _, id := range []int64{q1.ID, q2.ID} {
		got, _ := s.GetQuery(context.Background(), id)
		if got.LatestResultID == nil || *got.LatestResultID != r.ID {
			t.Errorf("query %d latest result = %v, want %d", id, got.LatestResultID, r.ID)
		}
	}
	for _, id := range []int64{diffText.ID, diffSource.ID} {
		got, _ := s.GetQuery(context.Background(), id)
		if got.LatestResultID != nil {
			t.Errorf("query %d should be untouched, got result %d", id, *got.LatestResultID)
		}
	}
}

func TestStoreResultResetsFailureCount(t *testing.T) {
	s := openTestStore(t)
	ds := testDataSource(t, s)
	q := createQuery(t, s, ds.ID, "SELECT 1", "60")

	for i := 0; i < 3; i++ {
		if _, err := s.RecordFailure(context.Background(), 1, ds.ID, q.Hash); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
	got, _ := s.GetQuery(context.Background(), q.ID)
	if got.ScheduleFailures != 3 {
		t.Fatalf("failures = %d, want 3", got.ScheduleFailures)
	}

	storeResultAt(t, s, ds.ID, "SELECT 1", time.Now())
	got, _ = s.GetQuery(context.Background(), q.ID)
	if got.ScheduleFailures != 0 {
		t.Errorf("failures after success = %d, want 0", got.ScheduleFailures)
	}
}

func TestStoreResultSkipsArchivedQueries(t *testing.T) {
	s := openTestStore(t)
	ds := testDataSource(t, s)
	q := createQuery(t, s, ds.ID, "SELECT 1", "60")
	if err := s.ArchiveQuery(context.Background(), q.ID); err != nil {
		t.Fatalf("ArchiveQuery: %v", err)
	}

	_, updated, err := s.StoreResult(context.Background(), StoreResultArgs{
		OrgID: 1, DataSourceID: ds.ID,
		Hash: query.HashText("SELECT 1"), Text: "SELECT 1",
		Data: []byte(`{}`), RetrievedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("StoreResult: %v", err)
	}
	if len(updated) != 0 {
		t.Errorf("archived query updated: %v", updated)
	}
}

func TestUnusedResults(t *testing.T) {
	s := openTestStore(t)
	ds := testDataSource(t, s)
	ctx := context.Background()

	twoWeeksAgo := time.Now().Add(-14 * 24 * time.Hour)

	// Referenced result: the query created after it points at it.
	used := storeResultAt(t, s, ds.ID, "SELECT 1", twoWeeksAgo)
	q := createQuery(t, s, ds.ID, "SELECT 1", "60")
	// Re-store to attach the pointer (fan-out only touches existing queries).
	used = storeResultAt(t, s, ds.ID, "SELECT 1", twoWeeksAgo)
	got, _ := s.GetQuery(ctx, q.ID)
	if got.LatestResultID == nil || *got.LatestResultID != used.ID {
		t.Fatalf("precondition: query should reference result %d", used.ID)
	}

	// Old and unreferenced: the first insert was superseded by the second.
	// A recent unreferenced result must also survive.
	recent := storeResultAt(t, s, ds.ID, "SELECT 99", time.Now())

	cutoff := time.Now().Add(-7 * 24 * time.Hour)
	ids, err := s.UnusedResults(ctx, cutoff)
	if err != nil {
		t.Fatalf("UnusedResults: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("unused = %v, want exactly the superseded old result", ids)
	}
	if containsID(ids, used.ID) || containsID(ids, recent.ID) {
		t.Errorf("referenced or recent result marked unused: %v", ids)
	}

	n, err := s.PurgeResults(ctx, ids)
	if err != nil {
		t.Fatalf("PurgeResults: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if _, err := s.GetResult(ctx, ids[0]); err == nil {
		t.Errorf("purged result still readable")
	}
}

func TestQueriesForGroups(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ds1 := testDataSource(t, s)
	ds2 := &query.DataSource{OrgID: 1, Name: "second", Kind: "sqlite", DSN: ":memory:"}
	if err := s.CreateDataSource(ctx, ds2); err != nil {
		t.Fatalf("CreateDataSource: %v", err)
	}
	if err := s.AddDataSourceGroup(ctx, ds1.ID, 10); err != nil {
		t.Fatalf("AddDataSourceGroup: %v", err)
	}
	if err := s.AddDataSourceGroup(ctx, ds2.ID, 20); err != nil {
		t.Fatalf("AddDataSourceGroup: %v", err)
	}

	q1 := createQuery(t, s, ds1.ID, "SELECT 1", "")
	q2 := createQuery(t, s, ds2.ID, "SELECT 2", "")

	got, err := s.QueriesForGroups(ctx, []int64{10})
	if err != nil {
		t.Fatalf("QueriesForGroups: %v", err)
	}
	if len(got) != 1 || got[0].ID != q1.ID {
		t.Errorf("group 10 queries = %+v, want only q1", got)
	}

	got, err = s.QueriesForGroups(ctx, []int64{10, 20})
	if err != nil {
		t.Fatalf("QueriesForGroups: %v", err)
	}
	if len(got) != 2 || got[0].ID != q1.ID || got[1].ID != q2.ID {
		t.Errorf("both groups should see both queries in id order: %+v", got)
	}
}

func TestCreateQueryRejectsBadSchedule(t *testing.T) {
	s := openTestStore(t)
	ds := testDataSource(t, s)
	q := &query.Query{OrgID: 1, DataSourceID: ds.ID, Text: "SELECT 1", Schedule: strPtr("weekly")}
	if err := s.CreateQuery(context.Background(), q); err == nil {
		t.Fatalf("expected schedule validation error")
	}
}

func TestArchiveMissingQuery(t *testing.T) {
	s := openTestStore(t)
	err := s.ArchiveQuery(context.Background(), 9999)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("ArchiveQuery(missing) = %v, want sql.ErrNoRows", err)
	}
}
