package resolver

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL 把页面里取到的图片地址变成绝对 URL。
//
// - 协议相对地址（//cdn.example.com/a.png）补 https:
// - 相对地址按 base 解析
// - 结果必须是 http/https 且带 host，否则报错（由调用方转成 NotFound）
func NormalizeURL(base, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("图片地址为空")
	}
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}

	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("图片地址无效：%q：%w", raw, err)
	}
	if !ref.IsAbs() {
		bu, err := url.Parse(base)
		if err != nil || !bu.IsAbs() {
			return "", fmt.Errorf("无法解析相对地址 %q（base=%q）", raw, base)
		}
		ref = bu.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", fmt.Errorf("不支持的协议：%q", ref.Scheme)
	}
	if ref.Host == "" {
		return "", fmt.Errorf("图片地址缺少 host：%q", raw)
	}
	return ref.String(), nil
}
