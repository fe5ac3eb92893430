package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_Migration_CreatesTablesAndVersion(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	var version int
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestSQLiteStore_UpsertAndGetJob(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	now := time.Now().Truncate(time.Second)
	job := &JobRecord{
		UPID:        "UPID:pve1:0000A1B2:0001C3D4:65A1B2C3:qmstart:100:root@pam:",
		Node:        "pve1",
		Operation:   "start_vm",
		State:       "running",
		SubmittedAt: now,
	}
	require.NoError(t, s.UpsertJob(job))

	got, err := s.GetJob(job.UPID)
	require.NoError(t, err)
	assert.Equal(t, "pve1", got.Node)
	assert.Equal(t, "start_vm", got.Operation)
	assert.Equal(t, "running", got.State)
	assert.True(t, now.Equal(got.SubmittedAt))
}

func TestSQLiteStore_UpsertJob_UpdatesOutcomeAndKeepsOperation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.UpsertJob(&JobRecord{UPID: "UPID:a", Node: "pve1", Operation: "clone_vm", State: "running", SubmittedAt: now}))

	require.NoError(t, s.UpsertJob(&JobRecord{
		UPID:        "UPID:a",
		Node:        "pve1",
		State:       "succeeded",
		ExitStatus:  "OK",
		Polls:       4,
		SubmittedAt: now,
		CompletedAt: now.Add(8 * time.Second),
	}))

	got, err := s.GetJob("UPID:a")
	require.NoError(t, err)
	assert.Equal(t, "clone_vm", got.Operation, "empty operation must not overwrite the recorded one")
	assert.Equal(t, "succeeded", got.State)
	assert.Equal(t, "OK", got.ExitStatus)
	assert.Equal(t, 4, got.Polls)
	assert.True(t, now.Add(8*time.Second).Equal(got.CompletedAt))
}

func TestSQLiteStore_GetJob_NotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.GetJob("UPID:missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListJobs_FilterByState(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.UpsertJob(&JobRecord{UPID: "UPID:s1", Node: "pve1", State: "succeeded", SubmittedAt: now}))
	require.NoError(t, s.UpsertJob(&JobRecord{UPID: "UPID:s2", Node: "pve1", State: "failed", SubmittedAt: now.Add(time.Second)}))
	require.NoError(t, s.UpsertJob(&JobRecord{UPID: "UPID:s3", Node: "pve2", State: "succeeded", SubmittedAt: now.Add(2 * time.Second)}))

	succeeded, err := s.ListJobs(JobFilter{State: "succeeded"})
	require.NoError(t, err)
	assert.Len(t, succeeded, 2)

	all, err := s.ListJobs(JobFilter{State: "all"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	onNode, err := s.ListJobs(JobFilter{Node: "pve2"})
	require.NoError(t, err)
	require.Len(t, onNode, 1)
	assert.Equal(t, "UPID:s3", onNode[0].UPID)
}

func TestSQLiteStore_ListJobs_OrderAndLimit(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	now := time.Now()
	for i := range 5 {
		require.NoError(t, s.UpsertJob(&JobRecord{
			UPID:        fmt.Sprintf("UPID:l%d", i),
			Node:        "pve1",
			State:       "running",
			SubmittedAt: now.Add(time.Duration(i) * 300 * time.Millisecond),
		}))
	}

	jobs, err := s.ListJobs(JobFilter{Limit: 3})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "UPID:l4", jobs[0].UPID, "newest job should be first")
	assert.Equal(t, "UPID:l3", jobs[1].UPID)
}

func TestSQLiteStore_GetAverageJobDuration(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.UpsertJob(&JobRecord{UPID: "UPID:d1", Node: "n", Operation: "clone_vm", State: "succeeded",
		SubmittedAt: now, CompletedAt: now.Add(60 * time.Second)}))
	require.NoError(t, s.UpsertJob(&JobRecord{UPID: "UPID:d2", Node: "n", Operation: "clone_vm", State: "succeeded",
		SubmittedAt: now, CompletedAt: now.Add(120 * time.Second)}))
	require.NoError(t, s.UpsertJob(&JobRecord{UPID: "UPID:d3", Node: "n", Operation: "clone_vm", State: "failed",
		SubmittedAt: now, CompletedAt: now.Add(5 * time.Second)}))
	require.NoError(t, s.UpsertJob(&JobRecord{UPID: "UPID:d4", Node: "n", Operation: "start_vm", State: "succeeded",
		SubmittedAt: now, CompletedAt: now.Add(300 * time.Second)}))

	avg, count, err := s.GetAverageJobDuration("clone_vm")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 90*time.Second, avg)
}

func TestSQLiteStore_GetAverageJobDuration_WhenNoHistory_ReturnsZero(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	avg, count, err := s.GetAverageJobDuration("delete_vm")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), avg)
	assert.Equal(t, 0, count)
}

func TestSQLiteStore_GetHistory_ReturnsOldestFirstWithinLimit(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for i := range 4 {
		require.NoError(t, s.AddMessage(&MessageRecord{ThreadID: 1, Role: "user", Content: fmt.Sprintf("m%d", i)}))
	}
	require.NoError(t, s.AddMessage(&MessageRecord{ThreadID: 2, Role: "user", Content: "other thread"}))

	history, err := s.GetHistory(1, 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "m1", history[0].Content)
	assert.Equal(t, "m3", history[2].Content)
	for _, m := range history {
		assert.Equal(t, int64(1), m.ThreadID)
	}
}

func TestSQLiteStore_AddMessage_KeepsToolFields(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	msg := &MessageRecord{
		ThreadID:  7,
		Role:      "assistant",
		ToolCalls: `[{"id":"call_1","name":"list_nodes","arguments":{}}]`,
	}
	require.NoError(t, s.AddMessage(msg))
	assert.NotZero(t, msg.ID)
	require.NoError(t, s.AddMessage(&MessageRecord{ThreadID: 7, Role: "tool", Content: "[]", ToolCallID: "call_1"}))

	history, err := s.GetHistory(7, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, msg.ToolCalls, history[0].ToolCalls)
	assert.Equal(t, "call_1", history[1].ToolCallID)
}

func TestSQLiteStore_Cleanup_RemovesOldRecords(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	old := time.Now().Add(-100 * 24 * time.Hour)
	recent := time.Now()

	require.NoError(t, s.UpsertJob(&JobRecord{UPID: "UPID:old", Node: "n", State: "succeeded", SubmittedAt: old, CompletedAt: old}))
	require.NoError(t, s.UpsertJob(&JobRecord{UPID: "UPID:running", Node: "n", State: "running", SubmittedAt: old}))
	require.NoError(t, s.UpsertJob(&JobRecord{UPID: "UPID:new", Node: "n", State: "succeeded", SubmittedAt: recent, CompletedAt: recent}))
	require.NoError(t, s.AddMessage(&MessageRecord{ThreadID: 1, Role: "user", Content: "old", CreatedAt: old}))
	require.NoError(t, s.AddMessage(&MessageRecord{ThreadID: 1, Role: "user", Content: "new", CreatedAt: recent}))

	require.NoError(t, s.Cleanup(time.Now().Add(-90*24*time.Hour)))

	_, err := s.GetJob("UPID:old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetJob("UPID:running")
	assert.NoError(t, err, "unfinished jobs are kept")
	_, err = s.GetJob("UPID:new")
	assert.NoError(t, err)

	history, err := s.GetHistory(1, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "new", history[0].Content)
}

func TestNewSQLiteStore_SetsFilePermissions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	dirInfo, err := os.Stat(filepath.Join(dir, "subdir"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm(), "directory should be 0700")

	fileInfo, err := os.Stat(dbPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fileInfo.Mode().Perm(), "database file should be 0600")
}

func TestNewSQLiteStore_FixesLoosePermissions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "loose.db")
	require.NoError(t, os.WriteFile(dbPath, nil, 0644))

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	info, err := os.Stat(dbPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "permissions should be tightened to 0600")
}
