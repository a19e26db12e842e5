package main

import (
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/baduker/xckd/internal/app/run"
	"github.com/baduker/xckd/internal/config"
	"github.com/baduker/xckd/internal/domain"
)

var _ run.Observer = (*progressUI)(nil)

// progressUI 是交互终端下的进度输出。
//
// - 所有过程信息写到 stderr，不污染 stdout 的 JSON 输出契约
// - 事件驱动：run 层只发事件，CLI 决定如何展示
// - keepalive：长时间没有条目完成时定期输出一行，并列出正在处理的编号
type progressUI struct {
	w io.Writer

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	workers int
	total   int
	started int
	done    int
	ok      int
	fail    int
	skip    int
	bytes   int64
	active  map[domain.Index]struct{}

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{
		w:                  w,
		active:             make(map[domain.Index]struct{}),
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(eff config.EffectiveConfig) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}

	fmt.Fprintf(p.w, "[%s] xkcd run\n", now.Format("15:04:05"))
	fmt.Fprintln(p.w, "配置（生效）:")
	fmt.Fprintf(p.w, "  dir: %s\n", eff.Dir)
	fmt.Fprintf(p.w, "  base_url: %s\n", truncate(eff.BaseURL, 120))
	fmt.Fprintf(p.w, "  strategy: %s\n", eff.Strategy)
	fmt.Fprintf(p.w, "  order: %s\n", eff.Order)
	fmt.Fprintf(p.w, "  count: %s\n", formatCount(eff.Count))
	fmt.Fprintf(p.w, "  concurrency: %d\n", eff.Concurrency)
	fmt.Fprintf(p.w, "  retries: %d\n", eff.Retries)
	fmt.Fprintf(p.w, "  proxy: %s\n", formatProxy(eff.ProxyURL))
	if eff.MetricsTextfile != "" {
		fmt.Fprintf(p.w, "  metrics_textfile: %s\n", eff.MetricsTextfile)
	}
	if eff.HistoryDB != "" {
		fmt.Fprintf(p.w, "  history_db: %s\n", eff.HistoryDB)
	}
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch name {
	case "latest":
		fmt.Fprintf(p.w, "最新: #%d (%s)\n", intField(fields, "latest"), formatShortDuration(dur))
	case "plan":
		fmt.Fprintf(p.w, "规划: items=%d order=%v\n", intField(fields, "items"), fields["order"])
	case "prepare":
		fmt.Fprintf(p.w, "目录: %v (%s)\n", fields["dir"], formatShortDuration(dur))
	case "dispatch":
		p.workers = intField(fields, "workers")
		p.total = intField(fields, "total_items")
		fmt.Fprintf(p.w, "执行: workers=%d total_items=%d\n\n", p.workers, p.total)
		if p.total > 0 && !p.tickerStarted {
			p.startTickerLocked()
		}
	default:
		// 兜底：未知阶段也不要静默（便于调试/演进）。
		fmt.Fprintf(p.w, "%s (%s)\n", name, formatShortDuration(dur))
	}

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnItemStart(i domain.Index) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[i] = struct{}{}
	p.started++
	fmt.Fprintf(p.w, "[%d/%d] #%d 开始\n", p.started, p.total, int(i))
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnItemDone(done, total int, res domain.ItemResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, res.Index)
	p.done = done
	p.total = total

	switch res.Status {
	case domain.StatusDownloaded:
		p.ok++
		p.bytes += res.Bytes
		fmt.Fprintf(p.w, "[%d/%d] #%d OK %s %s (%s)\n",
			done, total, int(res.Index), res.Name, humanize.Bytes(uint64(max(res.Bytes, 0))), formatShortDuration(dur),
		)
	case domain.StatusSkipped:
		p.skip++
		fmt.Fprintf(p.w, "[%d/%d] #%d SKIP %s (%s)\n",
			done, total, int(res.Index), res.ErrorCode, formatShortDuration(dur),
		)
	default:
		p.fail++
		attempts := ""
		if res.Attempts > 1 {
			attempts = fmt.Sprintf(" attempts=%d", res.Attempts)
		}
		fmt.Fprintf(p.w, "[%d/%d] #%d FAIL %s: %s%s (%s)\n",
			done, total, int(res.Index), res.ErrorCode, truncate(res.ErrorMsg, 160), attempts, formatShortDuration(dur),
		)
	}

	p.lastPrinted = time.Now()

	// 最后一条完成：停止 ticker，避免在结束打印后又冒出 keepalive。
	if p.done >= p.total {
		p.stopTickerLocked()
	}
}

func (p *progressUI) OnFinish(rep domain.BatchReport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopTickerLocked()
	if rep.Fatal() {
		fmt.Fprintf(p.w, "中止: %s (%s)\n", rep.ErrorCode, formatElapsed(rep.Elapsed()))
		return
	}
	fmt.Fprintf(p.w, "\n用时 %s，共写入 %s\n", formatElapsed(rep.Elapsed()), humanize.Bytes(uint64(max(rep.Summary.Bytes, 0))))
}

func (p *progressUI) stopTickerLocked() {
	if p.tickerStarted {
		close(p.stopCh)
		p.tickerStarted = false
	}
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true
	stop := p.stopCh

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if p.total > 0 && p.done >= p.total {
					p.mu.Unlock()
					return
				}
				if p.total > 0 && time.Since(p.lastPrinted) > threshold {
					p.printProgressLocked()
				}
				p.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func (p *progressUI) printProgressLocked() {
	fmt.Fprintf(p.w, "进度: done=%d/%d ok=%d fail=%d skip=%d active=%s bytes=%s elapsed=%s\n",
		p.done, p.total, p.ok, p.fail, p.skip, formatActive(p.active, 8), humanize.Bytes(uint64(max(p.bytes, 0))),
		formatElapsed(time.Since(p.startedAt)),
	)
	p.lastPrinted = time.Now()
}

// formatActive 输出按编号排序的在途列表，超过 max 个时截断。
func formatActive(active map[domain.Index]struct{}, max int) string {
	if len(active) == 0 {
		return "[]"
	}
	xs := make([]int, 0, len(active))
	for i := range active {
		xs = append(xs, int(i))
	}
	sort.Ints(xs)
	parts := make([]string, 0, len(xs))
	for k, i := range xs {
		if max > 0 && k >= max {
			parts = append(parts, fmt.Sprintf("+%d", len(xs)-max))
			break
		}
		parts = append(parts, fmt.Sprintf("#%d", i))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func formatCount(n int) string {
	if n == config.CountAll {
		return "all"
	}
	return fmt.Sprintf("%d", n)
}

func formatProxy(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "off"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "on (" + truncate(raw, 120) + ")"
	}
	auth := "off"
	if u.User != nil {
		auth = "on"
	}
	return fmt.Sprintf("on (%s://%s, auth=%s)", u.Scheme, u.Host, auth)
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	switch x := fields[key].(type) {
	case int:
		return x
	case int64:
		return int(x)
	default:
		return 0
	}
}
