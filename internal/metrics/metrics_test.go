package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baduker/xckd/internal/domain"
)

func TestCollector_CountsItems(t *testing.T) {
	c := New()

	c.OnPhaseDone("latest", map[string]any{"latest": 2916}, time.Second)
	for i := 1; i <= 3; i++ {
		c.OnItemStart(domain.Index(i))
	}
	c.OnItemDone(1, 3, domain.ItemResult{Index: 1, Status: domain.StatusDownloaded, Bytes: 100}, 10*time.Millisecond)
	c.OnItemDone(2, 3, domain.ItemResult{Index: 2, Status: domain.StatusDownloaded, Bytes: 50}, 10*time.Millisecond)
	c.OnItemDone(3, 3, domain.ItemResult{Index: 3, Status: domain.StatusSkipped, ErrorCode: domain.ErrCodeNotFound}, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.itemsTotal.WithLabelValues(domain.StatusDownloaded, "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.itemsTotal.WithLabelValues(domain.StatusSkipped, domain.ErrCodeNotFound)))
	assert.Equal(t, 150.0, testutil.ToFloat64(c.bytesTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.inFlight))
	assert.Equal(t, 2916.0, testutil.ToFloat64(c.latestIndex))
	assert.Equal(t, 2, testutil.CollectAndCount(c.itemDuration))
}

func TestCollector_OnFinish(t *testing.T) {
	c := New()
	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	ok := domain.BatchReport{StartedAt: started, FinishedAt: started.Add(3 * time.Second)}
	ok.Finalize()
	c.OnFinish(ok)

	partial := domain.BatchReport{
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
		Items:      []domain.ItemResult{{Index: 1, Status: domain.StatusFailed, ErrorCode: domain.ErrCodeFetchFailed}},
	}
	partial.Finalize()
	c.OnFinish(partial)

	fatal := domain.BatchReport{StartedAt: started, FinishedAt: started, ErrorCode: domain.ErrCodeLatestFailed}
	fatal.Finalize()
	c.OnFinish(fatal)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("fatal")))
	assert.Equal(t, float64(started.Unix()), testutil.ToFloat64(c.lastRunFinished))
}

func TestCollector_WriteTextfile(t *testing.T) {
	c := New()
	c.OnItemStart(1)
	c.OnItemDone(1, 1, domain.ItemResult{Index: 1, Status: domain.StatusDownloaded, Bytes: 7}, time.Millisecond)

	p := filepath.Join(t.TempDir(), "textfile", "xkcd.prom")
	require.NoError(t, c.WriteTextfile(p))

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	out := string(b)
	assert.Contains(t, out, "xkcd_downloaded_bytes_total 7")
	assert.Contains(t, out, `xkcd_items_total{error_code="",status="downloaded"} 1`)

	ents, err := os.ReadDir(filepath.Dir(p))
	require.NoError(t, err)
	for _, e := range ents {
		assert.False(t, strings.Contains(e.Name(), ".tmp"), "不应留下临时文件：%s", e.Name())
	}
}

func TestResult(t *testing.T) {
	assert.Equal(t, "ok", Result(domain.BatchReport{}))
	assert.Equal(t, "fatal", Result(domain.BatchReport{ErrorCode: domain.ErrCodeCountInvalid}))
	assert.Equal(t, "partial", Result(domain.BatchReport{Summary: domain.ReportSummary{Failed: 1}}))
}
