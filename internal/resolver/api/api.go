package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/baduker/xckd/internal/domain"
	"github.com/baduker/xckd/internal/resolver"
)

// Name 是该策略在配置/CLI 中的名字。
const Name = "api"

// Source 通过每期的 JSON 元数据解析图片地址：<base>/<n>/info.0.json。
// 最新编号来自 <base>/info.0.json 的 num 字段。
type Source struct {
	// BaseURL 为空时使用 https://xkcd.com。
	BaseURL string
	Client  *http.Client
}

// Info 对应 info.0.json 中用到的字段（其余字段忽略）。
type Info struct {
	Num       int    `json:"num"`
	Img       string `json:"img"`
	Title     string `json:"title"`
	SafeTitle string `json:"safe_title"`
	Year      string `json:"year"`
	Month     string `json:"month"`
	Day       string `json:"day"`
}

func (Source) Name() string { return Name }

func (s Source) baseURL() string {
	u := strings.TrimSpace(s.BaseURL)
	if u == "" {
		return "https://xkcd.com"
	}
	return strings.TrimRight(u, "/")
}

// Resolve 读取该期的 info.0.json 并直接取 img/title/date。
func (s Source) Resolve(ctx context.Context, i domain.Index) (domain.AssetRef, error) {
	if s.Client == nil {
		return domain.AssetRef{}, errors.New("http client 不能为空")
	}
	if !i.Valid() {
		return domain.AssetRef{}, resolver.NotFound(i, "编号非法", nil)
	}

	metaURL := s.baseURL() + "/" + i.String() + "/info.0.json"
	b, err := resolver.GetPage(ctx, s.Client, metaURL)
	if err != nil {
		return domain.AssetRef{}, resolver.PageError(Name, i, err)
	}
	return Parse(i, b, metaURL)
}

// Parse 把 info.0.json 解析为 AssetRef（纯函数）。
func Parse(i domain.Index, b []byte, metaURL string) (domain.AssetRef, error) {
	var info Info
	if err := json.Unmarshal(b, &info); err != nil {
		return domain.AssetRef{}, resolver.NotFound(i, "元数据不是合法 JSON", err)
	}
	if info.Num != 0 && info.Num != int(i) {
		return domain.AssetRef{}, resolver.NotFound(i, fmt.Sprintf("元数据编号不匹配（num=%d）", info.Num), nil)
	}

	u, err := resolver.NormalizeURL(metaURL, info.Img)
	if err != nil {
		return domain.AssetRef{}, resolver.NotFound(i, "img 字段无效", err)
	}
	// 交互式条目的 img 往往只是目录地址（.../comics/），不是文件。
	if pu, err := url.Parse(u); err != nil || strings.HasSuffix(pu.Path, "/") {
		return domain.AssetRef{}, resolver.NotFound(i, "img 字段不是文件地址", err)
	}

	title := strings.TrimSpace(info.SafeTitle)
	if title == "" {
		title = strings.TrimSpace(info.Title)
	}
	date := isoDate(info.Year, info.Month, info.Day)

	name, err := domain.NameFromMeta(i, date, title, u)
	if err != nil {
		return domain.AssetRef{}, resolver.NotFound(i, "无法生成文件名", err)
	}

	return domain.AssetRef{
		Index: i,
		URL:   u,
		Name:  name,
		Title: title,
		Date:  date,
	}, nil
}

// Latest 读取 <base>/info.0.json 的 num。
func (s Source) Latest(ctx context.Context) (domain.Index, error) {
	if s.Client == nil {
		return 0, errors.New("http client 不能为空")
	}
	b, err := resolver.GetPage(ctx, s.Client, s.baseURL()+"/info.0.json")
	if err != nil {
		return 0, &resolver.Error{Source: Name, Stage: "latest", Err: err}
	}
	var info Info
	if err := json.Unmarshal(b, &info); err != nil {
		return 0, &resolver.Error{Source: Name, Stage: "latest", Err: err}
	}
	if info.Num < 1 {
		return 0, &resolver.Error{Source: Name, Stage: "latest", Err: fmt.Errorf("num 非法：%d", info.Num)}
	}
	return domain.Index(info.Num), nil
}

// isoDate 把 "2006","1","1" 转为 "2006-01-01"；任何一段缺失或非法时返回空串。
func isoDate(y, m, d string) string {
	yi, err1 := strconv.Atoi(strings.TrimSpace(y))
	mi, err2 := strconv.Atoi(strings.TrimSpace(m))
	di, err3 := strconv.Atoi(strings.TrimSpace(d))
	if err1 != nil || err2 != nil || err3 != nil {
		return ""
	}
	if mi < 1 || mi > 12 || di < 1 || di > 31 {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", yi, mi, di)
}
