package domain

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode"
)

// AssetRef 是 resolver 对某一期的解析结果（不可变值）。
//
// 约束：
// - URL 必须是绝对地址（协议相对地址需在 resolver 内规范化）
// - Name 必须可直接作为文件名，且不同 Index 之间不重复（通过编号前缀保证）
type AssetRef struct {
	Index Index
	URL   string
	Name  string

	Title string
	Date  string // ISO date, e.g. "2006-01-01"；scrape 策略拿不到时为空
}

// maxNameLen 限制文件名长度，避免触及常见文件系统的 255 字节上限。
const maxNameLen = 200

// NameFromURL 生成 "<编号>-<URL 最后一段>" 形式的文件名（scrape 策略使用）。
func NameFromURL(i Index, rawURL string) (string, error) {
	base := urlBase(rawURL)
	if base == "" {
		return "", fmt.Errorf("无法从 URL 提取文件名：%q", rawURL)
	}
	return joinName(i, SanitizeName(base)), nil
}

// NameFromMeta 生成 "<编号>-<日期>-<标题 slug><扩展名>" 形式的文件名（api 策略使用）。
// 标题为空时回退到 URL 的文件名部分。
func NameFromMeta(i Index, date, title, rawURL string) (string, error) {
	ext := path.Ext(urlBase(rawURL))
	slug := Slug(title)
	if slug == "" {
		return NameFromURL(i, rawURL)
	}
	parts := make([]string, 0, 2)
	if d := strings.TrimSpace(date); d != "" {
		parts = append(parts, d)
	}
	parts = append(parts, slug)
	return joinName(i, SanitizeName(strings.Join(parts, "-")+strings.ToLower(ext))), nil
}

func joinName(i Index, rest string) string {
	name := fmt.Sprintf("%04d-%s", int(i), rest)
	if len(name) > maxNameLen {
		ext := path.Ext(name)
		// 过长的“扩展名”不是真正的扩展名，整体截断。
		if len(ext) >= maxNameLen/2 {
			ext = ""
		}
		name =strings.ToValidUTF8(name[:maxNameLen-len(ext)], "") + ext
	}
	return name
}

func urlBase(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	p := strings.TrimRight(u.Path, "/")
	if p == "" {
		return ""
	}
	b := path.Base(p)
	if b == "." || b == "/" {
		return ""
	}
	if unescaped, err := url.PathUnescape(b); err == nil {
		b = unescaped
	}
	return b
}

// SanitizeName 去掉路径分隔符、控制字符与常见文件系统保留字符。
func SanitizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsControl(r):
			continue
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ". ")
	if out == "" {
		return "_"
	}
	return out
}

// Slug 把标题变成小写、以 '-' 连接的片段（只保留字母与数字）。
func Slug(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
