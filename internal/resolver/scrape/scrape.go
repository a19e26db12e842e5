package scrape

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/baduker/xckd/internal/domain"
	"github.com/baduker/xckd/internal/resolver"
)

// Name 是该策略在配置/CLI 中的名字。
const Name = "scrape"

// Source 通过抓取条目页解析图片地址：<base>/<n>/ 中的 #comic img[src]。
// 最新编号来自归档页 <base>/archive/ 的链接列表。
//
// 约束：
// - Resolve/Latest 不做缓存/重试/限速（由上层统一控制）
// - Parse/ParseArchive 是纯函数（只依赖输入 html + pageURL）
type Source struct {
	// BaseURL 为空时使用 https://xkcd.com。
	BaseURL string
	Client  *http.Client
}

func (Source) Name() string { return Name }

func (s Source) baseURL() string {
	u := strings.TrimSpace(s.BaseURL)
	if u == "" {
		return "https://xkcd.com"
	}
	return strings.TrimRight(u, "/")
}

// Resolve 读取条目页并解析出图片地址。
func (s Source) Resolve(ctx context.Context, i domain.Index) (domain.AssetRef, error) {
	if s.Client == nil {
		return domain.AssetRef{}, errors.New("http client 不能为空")
	}
	if !i.Valid() {
		return domain.AssetRef{}, resolver.NotFound(i, "编号非法", nil)
	}

	pageURL := s.baseURL() + "/" + i.String() + "/"
	html, err := resolver.GetPage(ctx, s.Client, pageURL)
	if err != nil {
		return domain.AssetRef{}, resolver.PageError(Name, i, err)
	}
	return Parse(i, html, pageURL)
}

// Parse 从条目页 HTML 中定位 #comic 下的第一张图片。
// 找不到图片（例如交互式条目）或地址非法时返回 NotFound。
func Parse(i domain.Index, html []byte, pageURL string) (domain.AssetRef, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return domain.AssetRef{}, resolver.NotFound(i, "页面无法解析", err)
	}

	img := doc.Find("#comic img[src]").First()
	if img.Length() == 0 {
		return domain.AssetRef{}, resolver.NotFound(i, "页面中没有 #comic 图片", nil)
	}
	src, _ := img.Attr("src")

	u, err := resolver.NormalizeURL(pageURL, src)
	if err != nil {
		return domain.AssetRef{}, resolver.NotFound(i, "图片地址无效", err)
	}
	name, err := domain.NameFromURL(i, u)
	if err != nil {
		return domain.AssetRef{}, resolver.NotFound(i, "无法生成文件名", err)
	}

	title := normSpace(doc.Find("#ctitle").First().Text())
	if title == "" {
		title = normSpace(img.AttrOr("alt", ""))
	}

	return domain.AssetRef{
		Index: i,
		URL:   u,
		Name:  name,
		Title: title,
	}, nil
}

// Latest 读取归档页并返回最大的条目编号。
func (s Source) Latest(ctx context.Context) (domain.Index, error) {
	if s.Client == nil {
		return 0, errors.New("http client 不能为空")
	}
	archiveURL := s.baseURL() + "/archive/"
	html, err := resolver.GetPage(ctx, s.Client, archiveURL)
	if err != nil {
		return 0, &resolver.Error{Source: Name, Stage: "latest", Err: err}
	}
	n, err := ParseArchive(html)
	if err != nil {
		return 0, &resolver.Error{Source: Name, Stage: "latest", Err: err}
	}
	return n, nil
}

// ParseArchive 在归档页 div.box 的链接中找出最大的 /<n>/ 编号。
// 归档页按新到旧排列，取最大值而不是第一个，避免导航链接插在前面时误判。
func ParseArchive(html []byte) (domain.Index, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return 0, err
	}

	var latest domain.Index
	doc.Find("div.box a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if n, ok := domain.ParseIndex(href); ok && n > latest {
			latest = n
		}
	})
	if latest == 0 {
		return 0, errors.New("归档页中没有条目链接（站点结构可能变化）")
	}
	return latest, nil
}

func normSpace(s string) string { return strings.Join(strings.Fields(s), " ") }
