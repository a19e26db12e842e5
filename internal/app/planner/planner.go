package planner

import "github.com/baduker/xckd/internal/domain"

// Clamp 把请求数量截断到 [0, latest]。latest < 0 视为 0。
func Clamp(latest domain.Index, count int) int {
	if latest < 0 {
		latest = 0
	}
	if count < 0 {
		return 0
	}
	if count > int(latest) {
		return int(latest)
	}
	return count
}

// Plan 基于最新编号与请求数量生成确定性的编号序列（不做任何网络/磁盘操作）。
//
// 规则：
// - 数量先截断到 [0, latest]，0 得到空计划
// - newest：latest, latest-1, ..., latest-count+1
// - oldest：1, 2, ..., count
// - 不校验编号是否真的有图（那是 resolver 在执行期的职责）
func Plan(latest domain.Index, count int, order domain.Order) []domain.Index {
	n := Clamp(latest, count)
	out := make([]domain.Index, 0, n)
	switch order {
	case domain.OrderOldest:
		for i := 1; i <= n; i++ {
			out = append(out, domain.Index(i))
		}
	default:
		for i := 0; i < n; i++ {
			out = append(out, latest-domain.Index(i))
		}
	}
	return out
}
