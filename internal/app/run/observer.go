package run

import (
	"time"

	"github.com/baduker/xckd/internal/config"
	"github.com/baduker/xckd/internal/domain"
)

// Observer 用于把“运行进度/阶段/条目结果”从核心执行流程中解耦出来。
//
// 约束：
// - run 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）。
// - Observer 的实现必须并发安全：OnItemStart 来自多个 worker goroutine。
type Observer interface {
	// OnStart 在 Execute 开始时调用（应尽量早，保证用户 1 秒内看到输出）。
	OnStart(eff config.EffectiveConfig)
	// OnPhaseDone 在阶段结束/就绪时调用（latest / plan / prepare / dispatch）。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnItemStart 在 worker 开始处理某一期时调用。
	OnItemStart(i domain.Index)
	// OnItemDone 在某一期得到终态结果时调用（只由聚合方调用，done 单调递增）。
	OnItemDone(done, total int, res domain.ItemResult, dur time.Duration)
	// OnFinish 在报告 Finalize 之后调用一次（包括派发前就失败的情况）。
	OnFinish(rep domain.BatchReport)
}

// MultiObserver 把事件依次转发给多个 Observer（nil 项会被忽略）。
type MultiObserver []Observer

var _ Observer = MultiObserver(nil)

// Observers 过滤掉 nil 并在只剩一个时直接返回它。
func Observers(obs ...Observer) Observer {
	out := make(MultiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

func (m MultiObserver) OnStart(eff config.EffectiveConfig) {
	for _, o := range m {
		o.OnStart(eff)
	}
}

func (m MultiObserver) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	for _, o := range m {
		o.OnPhaseDone(name, fields, dur)
	}
}

func (m MultiObserver) OnItemStart(i domain.Index) {
	for _, o := range m {
		o.OnItemStart(i)
	}
}

func (m MultiObserver) OnItemDone(done, total int, res domain.ItemResult, dur time.Duration) {
	for _, o := range m {
		o.OnItemDone(done, total, res, dur)
	}
}

func (m MultiObserver) OnFinish(rep domain.BatchReport) {
	for _, o := range m {
		o.OnFinish(rep)
	}
}
