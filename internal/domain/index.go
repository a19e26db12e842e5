package domain

import (
	"strconv"
	"strings"
)

// Index 是归档条目的编号（从 1 开始，连续递增到最新一期）。
type Index int

// Valid 报告 i 是否为合法编号（>= 1）。
func (i Index) Valid() bool { return i >= 1 }

func (i Index) String() string { return strconv.Itoa(int(i)) }

// ParseIndex 解析形如 "614" 或 "/614/" 的编号（归档页链接就是这种形态）。
func ParseIndex(s string) (Index, bool) {
	s = strings.Trim(strings.TrimSpace(s), "/")
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return Index(n), true
}
