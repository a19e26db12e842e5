// Package metrics 把一次批量运行的事件汇总为 Prometheus 指标，
// 供 node_exporter textfile collector 之类的离线采集使用。
package metrics

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/baduker/xckd/internal/app/run"
	"github.com/baduker/xckd/internal/config"
	"github.com/baduker/xckd/internal/domain"
	"github.com/baduker/xckd/internal/infra/fsx"
)

const namespace = "xkcd"

var _ run.Observer = (*Collector)(nil)

// Collector 是一个 run.Observer：只统计，不输出。
// 使用独立的 Registry，避免与进程内其它指标（或测试）相互干扰。
type Collector struct {
	reg *prometheus.Registry

	itemsTotal   *prometheus.CounterVec
	itemDuration *prometheus.HistogramVec
	bytesTotal   prometheus.Counter
	inFlight     prometheus.Gauge

	latestIndex     prometheus.Gauge
	lastRunSeconds  prometheus.Gauge
	lastRunFinished prometheus.Gauge
	runsTotal       *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{reg: prometheus.NewRegistry()}

	c.itemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "items_total",
		Help:      "Archive items processed, by final status and error code.",
	}, []string{"status", "error_code"})

	c.itemDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "item_duration_seconds",
		Help:      "Wall time spent on one item (resolve, fetch and write).",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status"})

	c.bytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "downloaded_bytes_total",
		Help:      "Bytes written for downloaded items.",
	})

	c.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "items_in_flight",
		Help:      "Items currently being processed by workers.",
	})

	c.latestIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "latest_index",
		Help:      "Newest archive index discovered by the last run.",
	})

	c.lastRunSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_duration_seconds",
		Help:      "Elapsed time of the last run.",
	})

	c.lastRunFinished = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_finished_timestamp_seconds",
		Help:      "Unix time at which the last run finished.",
	})

	c.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Runs by outcome (ok, partial, fatal).",
	}, []string{"result"})

	c.reg.MustRegister(
		c.itemsTotal,
		c.itemDuration,
		c.bytesTotal,
		c.inFlight,
		c.latestIndex,
		c.lastRunSeconds,
		c.lastRunFinished,
		c.runsTotal,
	)
	return c
}

// Registry 暴露内部 Registry（测试或自定义导出时使用）。
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) OnStart(config.EffectiveConfig) {}

func (c *Collector) OnPhaseDone(name string, fields map[string]any, _ time.Duration) {
	if name != "latest" {
		return
	}
	if v, ok := fields["latest"].(int); ok {
		c.latestIndex.Set(float64(v))
	}
}

func (c *Collector) OnItemStart(domain.Index) { c.inFlight.Inc() }

func (c *Collector) OnItemDone(_, _ int, res domain.ItemResult, dur time.Duration) {
	c.inFlight.Dec()
	c.itemsTotal.WithLabelValues(res.Status, res.ErrorCode).Inc()
	c.itemDuration.WithLabelValues(res.Status).Observe(dur.Seconds())
	if res.Status == domain.StatusDownloaded && res.Bytes > 0 {
		c.bytesTotal.Add(float64(res.Bytes))
	}
}

func (c *Collector) OnFinish(rep domain.BatchReport) {
	c.lastRunSeconds.Set(rep.Elapsed().Seconds())
	c.lastRunFinished.Set(float64(rep.FinishedAt.Unix()))
	c.runsTotal.WithLabelValues(Result(rep)).Inc()
}

// Result 把报告归为 ok / partial / fatal 三类。
func Result(rep domain.BatchReport) string {
	switch {
	case rep.Fatal():
		return "fatal"
	case rep.Summary.Failed > 0:
		return "partial"
	default:
		return "ok"
	}
}

// WriteTextfile 把当前指标以文本格式原子写入 path（父目录不存在时创建）。
func (c *Collector) WriteTextfile(path string) error {
	path = strings.TrimSpace(path)
	if err := fsx.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, c.reg)
}
