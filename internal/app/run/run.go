package run

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/baduker/xckd/internal/app/planner"
	"github.com/baduker/xckd/internal/config"
	"github.com/baduker/xckd/internal/domain"
	"github.com/baduker/xckd/internal/fetch"
	"github.com/baduker/xckd/internal/infra/fsx"
	"github.com/baduker/xckd/internal/infra/httpx"
	"github.com/baduker/xckd/internal/resolver"
	"github.com/baduker/xckd/internal/resolver/api"
	"github.com/baduker/xckd/internal/resolver/scrape"
	"github.com/baduker/xckd/internal/store"
)

// Env 是一次批量运行的外部协作者；Execute 会按配置构造默认实现。
type Env struct {
	Registry resolver.Registry
	Fetcher  fetch.Fetcher
	Writer   store.Writer
}

// NewRegistry 注册内置的两种解析策略（scrape / api），共用同一个 client。
func NewRegistry(baseURL string, c *http.Client) (resolver.Registry, error) {
	return resolver.NewRegistry(
		scrape.Source{BaseURL: baseURL, Client: c},
		api.Source{BaseURL: baseURL, Client: c},
	)
}

// Execute 按配置构造 HTTP client、解析策略与存储，然后执行一次批量下载。
// 该函数尽量把错误“降级”为条目级失败；只有派发前的错误才会让整批失败。
func Execute(ctx context.Context, eff config.EffectiveConfig, obs Observer) domain.BatchReport {
	c, err := httpx.NewClient(httpx.Options{
		ProxyURL:        eff.ProxyURL,
		Timeout:         eff.Timeout,
		RetryMax:        eff.HTTPRetries,
		MaxConnsPerHost: eff.Concurrency,
	})
	if err != nil {
		rep := newReport(eff)
		return abort(rep, obs, domain.ErrCodeConfigInvalid, fmt.Errorf("proxy.url 无效：%w", err))
	}
	reg, err := NewRegistry(eff.BaseURL, c)
	if err != nil {
		rep := newReport(eff)
		return abort(rep, obs, domain.ErrCodeConfigInvalid, err)
	}
	return ExecuteWith(ctx, eff, Env{
		Registry: reg,
		Fetcher:  fetch.New(c),
		Writer:   store.New(eff.Dir),
	}, obs)
}

// ExecuteWith 是 Execute 的可注入版本：发现最新编号 → 规划 → 准备目录 → 派发 → 汇总。
func ExecuteWith(ctx context.Context, eff config.EffectiveConfig, env Env, obs Observer) domain.BatchReport {
	rep := newReport(eff)
	if obs != nil {
		obs.OnStart(eff)
	}

	src, ok := env.Registry.Get(eff.Strategy)
	if !ok {
		return abort(rep, obs, domain.ErrCodeConfigInvalid,
			fmt.Errorf("未知的 strategy %q（可选：%s）", eff.Strategy, strings.Join(env.Registry.Names(), ", ")))
	}

	latestStarted := time.Now()
	latest, err := src.Latest(ctx)
	if err != nil {
		return abort(rep, obs, domain.ErrCodeLatestFailed, fmt.Errorf("无法确定最新编号：%w", err))
	}
	rep.Latest = int(latest)
	if obs != nil {
		obs.OnPhaseDone("latest", map[string]any{"latest": int(latest), "strategy": src.Name()}, time.Since(latestStarted))
	}

	if eff.Count < 0 {
		return abort(rep, obs, domain.ErrCodeCountInvalid, fmt.Errorf("count 不能为负数：%d", eff.Count))
	}
	plan := planner.Plan(latest, eff.Count, eff.Order)
	rep.Requested = len(plan)
	if obs != nil {
		obs.OnPhaseDone("plan", map[string]any{"items": len(plan), "order": string(eff.Order)}, 0)
	}

	prepStarted := time.Now()
	if err := env.Writer.Prepare(); err != nil {
		code := domain.ErrCodeIOFailed
		if fsx.IsPathTypeConflict(err) {
			code = domain.ErrCodeTargetConflict
		}
		return abort(rep, obs, code, fmt.Errorf("无法准备输出目录：%w", err))
	}
	if obs != nil {
		obs.OnPhaseDone("prepare", map[string]any{"dir": eff.Dir}, time.Since(prepStarted))
		obs.OnPhaseDone("dispatch", map[string]any{"workers": eff.Concurrency, "total_items": len(plan)}, 0)
	}

	out := Dispatch(ctx, plan, Deps{
		Resolver: src,
		Fetcher:  env.Fetcher,
		Writer:   env.Writer,
	}, Options{
		Concurrency: eff.Concurrency,
		Retries:     eff.Retries,
	}, obs)

	rep.Items = out.Items
	rep.FinishedAt = time.Now().UTC()
	rep.Finalize()
	if obs != nil {
		obs.OnFinish(rep)
	}
	return rep
}

func newReport(eff config.EffectiveConfig) domain.BatchReport {
	return domain.BatchReport{
		RunID:     uuid.NewString(),
		Dir:       eff.Dir,
		Strategy:  eff.Strategy,
		Order:     eff.Order,
		StartedAt: time.Now().UTC(),
		Items:     []domain.ItemResult{},
	}
}

// abort 结束一次在派发前就失败的运行（Items 为空，错误写在报告顶层）。
func abort(rep domain.BatchReport, obs Observer, code string, err error) domain.BatchReport {
	rep.ErrorCode = code
	rep.ErrorMsg = err.Error()
	rep.FinishedAt = time.Now().UTC()
	rep.Finalize()
	if obs != nil {
		obs.OnFinish(rep)
	}
	return rep
}
