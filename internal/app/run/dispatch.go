package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/baduker/xckd/internal/domain"
	"github.com/baduker/xckd/internal/fetch"
	"github.com/baduker/xckd/internal/infra/fsx"
	"github.com/baduker/xckd/internal/resolver"
	"github.com/baduker/xckd/internal/store"
)

// Deps 是 worker 需要的三个协作者。三者都必须可并发调用。
type Deps struct {
	Resolver resolver.Resolver
	Fetcher  fetch.Fetcher
	Writer   store.Writer
}

// Options 控制派发行为。
type Options struct {
	// Concurrency 是 worker 数；< 1 按 1 处理。
	Concurrency int
	// Retries 是传输失败（fetch_failed）时额外的取图+写入次数；0 表示只尝试一次。
	Retries int
}

// retryDelay 返回第 attempt 次失败后的等待时间（测试可替换）。
var retryDelay = func(attempt int) time.Duration {
	return time.Duration(attempt) * 500 * time.Millisecond
}

// Dispatch 用固定大小的 worker pool 处理 plan 中的每一期，并返回已 Finalize 的报告。
//
// 约束：
// - 每个编号恰好得到一条结果；单条失败不影响其它条目
// - 结果只经由一个 channel 交给调用方 goroutine 聚合（worker 之间不共享可变状态）
// - ctx 取消后尚未开始传输的条目记为 canceled；已在传输中的条目由请求自身的 ctx 决定
func Dispatch(ctx context.Context, plan []domain.Index, deps Deps, opt Options, obs Observer) domain.BatchReport {
	rep := domain.BatchReport{
		StartedAt: time.Now().UTC(),
		Items:     make([]domain.ItemResult, 0, len(plan)),
	}

	workers := opt.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(plan) && len(plan) > 0 {
		workers = len(plan)
	}

	type outcome struct {
		res domain.ItemResult
		dur time.Duration
	}

	jobs := make(chan domain.Index)
	results := make(chan outcome, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if obs != nil {
					obs.OnItemStart(i)
				}
				started := time.Now()
				res := processOne(ctx, deps, opt.Retries, i)
				results <- outcome{res: res, dur: time.Since(started)}
			}
		}()
	}

	go func() {
		for _, i := range plan {
			jobs <- i
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	done := 0
	for o := range results {
		done++
		rep.Items = append(rep.Items, o.res)
		if obs != nil {
			obs.OnItemDone(done, len(plan), o.res, o.dur)
		}
	}

	rep.FinishedAt = time.Now().UTC()
	rep.Finalize()
	return rep
}

// processOne 是单个任务的完整生命周期：resolve → fetch → write。
// panic 在这里被收敛为 internal_error，不会越过 worker 边界。
func processOne(ctx context.Context, deps Deps, retries int, i domain.Index) (res domain.ItemResult) {
	started := time.Now()
	res = domain.ItemResult{Index: i}
	defer func() {
		if r := recover(); r != nil {
			res.Status = domain.StatusFailed
			res.ErrorCode = domain.ErrCodeInternal
			res.ErrorMsg = fmt.Sprintf("panic：%v", r)
			res.Bytes = 0
		}
		res.DurationMS = time.Since(started).Milliseconds()
	}()

	if err := ctx.Err(); err != nil {
		return fail(res, domain.ErrCodeCanceled, err)
	}

	ref, err := deps.Resolver.Resolve(ctx, i)
	if err != nil {
		switch {
		case resolver.IsNotFound(err):
			res.Status = domain.StatusSkipped
			res.ErrorCode = domain.ErrCodeNotFound
			res.ErrorMsg = err.Error()
			return res
		case ctx.Err() != nil:
			return fail(res, domain.ErrCodeCanceled, err)
		default:
			return fail(res, domain.ErrCodeFetchFailed, err)
		}
	}
	res.URL = ref.URL
	res.Name = ref.Name

	if retries < 0 {
		retries = 0
	}
	for attempt := 1; ; attempt++ {
		// resolve 与 fetch 之间检查取消：已取消就不再发起新的传输。
		if err := ctx.Err(); err != nil {
			return fail(res, domain.ErrCodeCanceled, err)
		}
		res.Attempts = attempt

		n, err := transfer(ctx, deps, ref)
		if err == nil {
			res.Status = domain.StatusDownloaded
			res.Bytes = n
			return res
		}

		code := classifyTransfer(ctx, err)
		if code != domain.ErrCodeFetchFailed || attempt > retries {
			return fail(res, code, err)
		}

		select {
		case <-ctx.Done():
			return fail(res, domain.ErrCodeCanceled, ctx.Err())
		case <-time.After(retryDelay(attempt)):
		}
	}
}

// transfer 把图片流直接交给存储层；读 body 出错时归为传输失败而不是写入失败。
func transfer(ctx context.Context, deps Deps, ref domain.AssetRef) (int64, error) {
	rc, err := deps.Fetcher.Fetch(ctx, ref.URL)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	body := &trackingReader{r: rc}
	n, err := deps.Writer.Write(ref.Name, body)
	if err != nil && body.err != nil {
		return 0, &fetch.Error{URL: ref.URL, Err: body.err}
	}
	return n, err
}

type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

// classifyTransfer 只看 ctx 判断取消：http.Client 自身超时也会匹配 DeadlineExceeded，但那是传输失败。
func classifyTransfer(ctx context.Context, err error) string {
	var fe *fetch.Error
	switch {
	case ctx.Err() != nil:
		return domain.ErrCodeCanceled
	case errors.As(err, &fe):
		return domain.ErrCodeFetchFailed
	case fsx.IsPathTypeConflict(err):
		return domain.ErrCodeTargetConflict
	default:
		return domain.ErrCodeIOFailed
	}
}

func fail(res domain.ItemResult, code string, err error) domain.ItemResult {
	res.Status = domain.StatusFailed
	res.ErrorCode = code
	res.ErrorMsg = err.Error()
	res.Bytes = 0
	return res
}
