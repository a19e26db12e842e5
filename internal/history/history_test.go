package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baduker/xckd/internal/domain"
)

func sampleReport(id string, started time.Time) domain.BatchReport {
	rep := domain.BatchReport{
		RunID:      id,
		Dir:        "/tmp/comics",
		Strategy:   "scrape",
		Order:      domain.OrderNewest,
		Latest:     5,
		Requested:  3,
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
		Items: []domain.ItemResult{
			{Index: 5, Status: domain.StatusDownloaded, Name: "0005-a.png", Bytes: 10},
			{Index: 4, Status: domain.StatusFailed, ErrorCode: domain.ErrCodeFetchFailed, ErrorMsg: "HTTP 503"},
			{Index: 3, Status: domain.StatusSkipped, ErrorCode: domain.ErrCodeNotFound, ErrorMsg: "页面不存在"},
		},
	}
	rep.Finalize()
	return rep
}

func TestStore_RecordAndRecent(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "db", "history.db"))
	require.NoError(t, err)
	defer s.Close()

	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Record(ctx, sampleReport("run-a", t0)))
	require.NoError(t, s.Record(ctx, sampleReport("run-b", t0.Add(time.Hour))))

	runs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-b", runs[0].RunID)
	assert.Equal(t, "run-a", runs[1].RunID)

	r := runs[1]
	assert.True(t, r.StartedAt.Equal(t0), "started_at=%v", r.StartedAt)
	assert.Equal(t, 1500*time.Millisecond, r.Elapsed)
	assert.Equal(t, "newest", r.Order)
	assert.Equal(t, domain.ReportSummary{Planned: 3, Downloaded: 1, Skipped: 1, Failed: 1, Bytes: 10}, r.Summary)

	runs, err = s.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestStore_Failures(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Record(ctx, sampleReport("run-a", time.Now())))

	fails, err := s.Failures(ctx, "run-a")
	require.NoError(t, err)
	require.Len(t, fails, 2)
	assert.Equal(t, domain.Index(3), fails[0].Index)
	assert.Equal(t, domain.ErrCodeNotFound, fails[0].ErrorCode)
	assert.Equal(t, domain.Index(4), fails[1].Index)
	assert.Equal(t, domain.ErrCodeFetchFailed, fails[1].ErrorCode)
}

func TestStore_RecordRejectsDuplicateAndEmptyID(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer s.Close()

	rep := sampleReport("run-a", time.Now())
	require.NoError(t, s.Record(ctx, rep))
	assert.Error(t, s.Record(ctx, rep))

	rep.RunID = ""
	assert.Error(t, s.Record(ctx, rep))

	// 失败的事务不应留下半截数据。
	runs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	p := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(p)
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, sampleReport("run-a", time.Now())))
	require.NoError(t, s.Close())

	s, err = Open(p)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
