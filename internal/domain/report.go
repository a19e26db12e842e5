package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	StatusDownloaded = "downloaded"
	StatusSkipped    = "skipped"
	StatusFailed     = "failed"
)

const (
	ErrCodeNotFound       = "not_found"
	ErrCodeFetchFailed    = "fetch_failed"
	ErrCodeIOFailed       = "io_failed"
	ErrCodeTargetConflict = "target_conflict"
	ErrCodeCanceled       = "canceled"
	ErrCodeInternal       = "internal_error"
	ErrCodeConfigNotFound = "config_not_found"
	ErrCodeConfigInvalid  = "config_invalid"
	ErrCodeCountInvalid   = "count_invalid"
	ErrCodeLatestFailed   = "latest_failed"
)

// BatchReport 是一次批量下载的对外稳定输出（stdout JSON / --report 文件）。
//
// ErrorCode/ErrorMsg 只在“派发前”失败（无法发现最新编号、目录无法创建等）时填写，
// 此时 Items 为空；条目级失败一律记录在 Items 中。
type BatchReport struct {
	RunID    string `json:"run_id"`
	Dir      string `json:"dir"`
	Strategy string `json:"strategy"`
	Order    Order  `json:"order"`

	Latest    int `json:"latest"`
	Requested int `json:"requested"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	ElapsedMS  int64     `json:"elapsed_ms"`

	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`

	Summary ReportSummary `json:"summary"`
	Items   []ItemResult  `json:"items"`
}

type ReportSummary struct {
	Planned    int   `json:"planned"`
	Downloaded int   `json:"downloaded"`
	Skipped    int   `json:"skipped"`
	Failed     int   `json:"failed"`
	Bytes      int64 `json:"bytes"`
}

// ItemResult 是单期的终态结果（由 worker 生成后按值交给聚合方，之后不再修改）。
type ItemResult struct {
	Index  Index  `json:"index"`
	Status string `json:"status"`

	URL   string `json:"url"`
	Name  string `json:"name"`
	Bytes int64  `json:"bytes"`

	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	Attempts   int   `json:"attempts"`
	DurationMS int64 `json:"duration_ms"`
}

// Fatal 报告本次运行是否在派发前就被中止。
func (r *BatchReport) Fatal() bool { return r.ErrorCode != "" }

// Elapsed 返回整批耗时。
func (r *BatchReport) Elapsed() time.Duration {
	return time.Duration(r.ElapsedMS) * time.Millisecond
}

// Finalize 做三件事：
// 1) 时间统一为 UTC，并计算 elapsed
// 2) items 按编号升序稳定排序（完成顺序不确定，排序只为输出可复现）
// 3) summary 由 items 计算得出
func (r *BatchReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()
	if d := r.FinishedAt.Sub(r.StartedAt); d > 0 {
		r.ElapsedMS = d.Milliseconds()
	} else {
		r.ElapsedMS = 0
	}
	if r.Items == nil {
		r.Items = []ItemResult{}
	}

	sort.SliceStable(r.Items, func(i, j int) bool { return r.Items[i].Index < r.Items[j].Index })

	s := ReportSummary{Planned: len(r.Items)}
	for _, it := range r.Items {
		switch it.Status {
		case StatusDownloaded:
			s.Downloaded++
			s.Bytes += it.Bytes
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		}
	}
	r.Summary = s
}

// Failures 返回 skipped + failed 条目（按编号升序）。
func (r *BatchReport) Failures() []ItemResult {
	out := make([]ItemResult, 0, r.Summary.Skipped+r.Summary.Failed)
	for _, it := range r.Items {
		if it.Status == StatusDownloaded {
			continue
		}
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// MarshalJSON 仅用于集中约束输出的稳定性（避免未来不小心引入非确定字段）。
func (r BatchReport) MarshalJSON() ([]byte, error) {
	type Alias BatchReport
	return json.Marshal(Alias(r))
}
