package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/baduker/xckd/internal/domain"
)

// Resolver 把编号解析为图片地址与建议文件名。
//
// 约束：
// - 无状态、幂等：同一编号总是得到同一结果（上游内容变化除外）
// - 该期没有可解析的图片（页面不存在、缺少元素/字段、URL 非法）返回 *NotFoundError
// - 网络错误与其它非 2xx 状态返回 *Error（Stage="fetch"），由上层记为失败
// - 不做缓存、不做重试、不做限速（这些由 http/调度层统一实现）
type Resolver interface {
	Resolve(ctx context.Context, i domain.Index) (domain.AssetRef, error)
}

// Source 是一种可切换的解析策略（scrape / api）：除了逐期解析，还负责发现最新编号。
type Source interface {
	Resolver
	Name() string
	Latest(ctx context.Context) (domain.Index, error)
}

// ErrNotFound 是所有 NotFoundError 的哨兵值，便于 errors.Is 判断。
var ErrNotFound = errors.New("asset not found")

// NotFoundError 表示该期没有可解析的图片；Reason 给人看，Err 保留原始原因。
type NotFoundError struct {
	Index  domain.Index
	Reason string
	Err    error
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("#%d 没有可下载的图片：%s", int(e.Index), e.Reason)
	if e.Err != nil {
		msg += "：" + e.Err.Error()
	}
	return msg
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func (e *NotFoundError) Unwrap() error { return e.Err }

// NotFound 构造 NotFoundError 的便捷函数。
func NotFound(i domain.Index, reason string, cause error) error {
	return &NotFoundError{Index: i, Reason: reason, Err: cause}
}

// IsNotFound 报告 err 是否表示“该期无图”（应记为 skipped 而不是 failed）。
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Error 是 resolver 阶段的可追溯错误。
// 上层可以据此把失败归类为 fetch_failed，并写入 report。
type Error struct {
	Source string // 策略名（scrape / api）
	Stage  string // "fetch" 或 "parse" 或 "latest"
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("source=%s stage=%s: %v", e.Source, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
