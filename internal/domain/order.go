package domain

import (
	"fmt"
	"strings"
)

// Order 决定规划出的编号序列方向。
type Order string

const (
	// OrderNewest 从最新一期往回取（默认）。
	OrderNewest Order = "newest"
	// OrderOldest 从第 1 期往后取。
	OrderOldest Order = "oldest"
)

// ParseOrder 接受 newest/oldest（大小写不敏感）；空串视为默认 newest。
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(OrderNewest):
		return OrderNewest, nil
	case string(OrderOldest):
		return OrderOldest, nil
	default:
		return "", fmt.Errorf("order 只能是 newest 或 oldest，实际是 %q", s)
	}
}
