package run

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/baduker/xckd/internal/config"
	"github.com/baduker/xckd/internal/domain"
	"github.com/baduker/xckd/internal/fetch"
	"github.com/baduker/xckd/internal/store"
)

// newArchiveServer 模拟一个最新编号为 latest、缺少 missing 的站点。
// 条目页里的图片使用协议相对地址，必须配合 TLS server 才能取到。
func newArchiveServer(t *testing.T, latest int, missing map[int]bool) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := strings.TrimPrefix(srv.URL, "https:")
		switch {
		case r.URL.Path == "/archive/":
			var b strings.Builder
			b.WriteString(`<html><body><div id="middleContainer" class="box">`)
			for i := latest; i >= 1; i-- {
				fmt.Fprintf(&b, `<a href="/%d/" title="2006-1-%d">Comic %d</a><br/>`, i, i, i)
			}
			b.WriteString(`</div></body></html>`)
			_, _ = w.Write([]byte(b.String()))
		case strings.HasPrefix(r.URL.Path, "/comics/"):
			_, _ = w.Write([]byte("PNG:" + r.URL.Path))
		default:
			i, ok := domain.ParseIndex(r.URL.Path)
			if !ok || int(i) > latest || missing[int(i)] {
				http.NotFound(w, r)
				return
			}
			fmt.Fprintf(w, `<html><body><div id="ctitle">Comic %d</div><div id="comic"><img src="%s/comics/c%d.png" alt="c"/></div></body></html>`, i, host, i)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func scrapeEnv(t *testing.T, srv *httptest.Server, dir string) Env {
	t.Helper()
	reg, err := NewRegistry(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	return Env{Registry: reg, Fetcher: fetch.New(srv.Client()), Writer: store.New(dir)}
}

func scrapeConfig(dir string) config.EffectiveConfig {
	return config.EffectiveConfig{
		Dir:         dir,
		Strategy:    "scrape",
		Order:       domain.OrderNewest,
		Count:       config.CountAll,
		Concurrency: 3,
	}
}

func TestExecuteWith_DownloadsArchiveAndSkipsMissing(t *testing.T) {
	srv := newArchiveServer(t, 5, map[int]bool{3: true})
	dir := filepath.Join(t.TempDir(), "comics")

	obs := &recordObserver{}
	rep := ExecuteWith(context.Background(), scrapeConfig(dir), scrapeEnv(t, srv, dir), obs)

	if rep.Fatal() {
		t.Fatalf("不期望整批失败：%s %s", rep.ErrorCode, rep.ErrorMsg)
	}
	if rep.Latest != 5 || rep.Requested != 5 {
		t.Fatalf("latest/requested 不符合预期：%d/%d", rep.Latest, rep.Requested)
	}
	if rep.Summary.Downloaded != 4 || rep.Summary.Skipped != 1 || rep.Summary.Failed != 0 {
		t.Fatalf("summary 不符合预期：%+v items=%+v", rep.Summary, rep.Items)
	}
	fails := rep.Failures()
	if len(fails) != 1 || fails[0].Index != 3 || fails[0].Status != domain.StatusSkipped {
		t.Fatalf("期望只有 #3 被跳过：%+v", fails)
	}
	if rep.RunID == "" {
		t.Fatalf("RunID 不应为空")
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("读取目录失败：%v", err)
	}
	if len(ents) != 4 {
		t.Fatalf("期望 4 个文件，实际 %d", len(ents))
	}
	b, err := os.ReadFile(filepath.Join(dir, "0001-c1.png"))
	if err != nil || string(b) != "PNG:/comics/c1.png" {
		t.Fatalf("协议相对地址应被规范化并下载：b=%q err=%v", b, err)
	}

	wantPhases := []string{"latest", "plan", "prepare", "dispatch"}
	if !reflect.DeepEqual(obs.phases, wantPhases) {
		t.Fatalf("阶段事件不符合预期：got=%v want=%v", obs.phases, wantPhases)
	}
	if obs.startCalls != 1 || obs.finishCalls != 1 || len(obs.done) != 5 {
		t.Fatalf("事件次数不符合预期：%+v", obs)
	}
}

func TestExecuteWith_RerunIsByteIdentical(t *testing.T) {
	srv := newArchiveServer(t, 4, nil)
	dir := t.TempDir()
	env := scrapeEnv(t, srv, dir)

	first := ExecuteWith(context.Background(), scrapeConfig(dir), env, nil)
	if first.Summary.Downloaded != 4 {
		t.Fatalf("首次运行不符合预期：%+v", first.Summary)
	}
	before := snapshot(t, dir)

	second := ExecuteWith(context.Background(), scrapeConfig(dir), env, nil)
	if second.Summary.Downloaded != 4 {
		t.Fatalf("再次运行不符合预期：%+v", second.Summary)
	}
	after := snapshot(t, dir)

	if !reflect.DeepEqual(before, after) {
		t.Fatalf("重复运行后目录内容应一致：\nbefore=%v\nafter=%v", keys(before), keys(after))
	}
}

func TestExecuteWith_CountAndOrder(t *testing.T) {
	srv := newArchiveServer(t, 6, nil)
	dir := t.TempDir()

	eff := scrapeConfig(dir)
	eff.Count = 2
	eff.Order = domain.OrderOldest
	rep := ExecuteWith(context.Background(), eff, scrapeEnv(t, srv, dir), nil)
	if len(rep.Items) != 2 || rep.Items[0].Index != 1 || rep.Items[1].Index != 2 {
		t.Fatalf("oldest 应取 1,2：%+v", rep.Items)
	}

	eff.Order = domain.OrderNewest
	rep = ExecuteWith(context.Background(), eff, scrapeEnv(t, srv, dir), nil)
	if len(rep.Items) != 2 || rep.Items[0].Index != 5 || rep.Items[1].Index != 6 {
		t.Fatalf("newest 应取 6,5（报告按编号升序）：%+v", rep.Items)
	}

	eff.Count = 0
	rep = ExecuteWith(context.Background(), eff, scrapeEnv(t, srv, dir), nil)
	if rep.Fatal() || len(rep.Items) != 0 {
		t.Fatalf("count=0 应得到空报告：%+v", rep)
	}
}

func TestExecuteWith_FatalBeforeDispatch(t *testing.T) {
	srv := newArchiveServer(t, 3, nil)

	t.Run("negative count", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "out")
		eff := scrapeConfig(dir)
		eff.Count = -2
		rep := ExecuteWith(context.Background(), eff, scrapeEnv(t, srv, dir), nil)
		if rep.ErrorCode != domain.ErrCodeCountInvalid || len(rep.Items) != 0 {
			t.Fatalf("期望 count_invalid：%+v", rep)
		}
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Fatalf("整批失败时不应创建目录：err=%v", err)
		}
	})

	t.Run("unknown strategy", func(t *testing.T) {
		dir := t.TempDir()
		eff := scrapeConfig(dir)
		eff.Strategy = "rss"
		rep := ExecuteWith(context.Background(), eff, scrapeEnv(t, srv, dir), nil)
		if rep.ErrorCode != domain.ErrCodeConfigInvalid {
			t.Fatalf("期望 config_invalid：%+v", rep)
		}
	})

	t.Run("target is a file", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "taken")
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("准备失败：%v", err)
		}
		obs := &recordObserver{}
		rep := ExecuteWith(context.Background(), scrapeConfig(p), scrapeEnv(t, srv, p), obs)
		if rep.ErrorCode != domain.ErrCodeTargetConflict || len(rep.Items) != 0 {
			t.Fatalf("期望 target_conflict：%+v", rep)
		}
		if obs.finishCalls != 1 || obs.final.ErrorCode != domain.ErrCodeTargetConflict {
			t.Fatalf("整批失败也应调用 OnFinish：%+v", obs)
		}
	})
}

func TestExecuteWith_LatestFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	dir := filepath.Join(t.TempDir(), "out")
	reg, err := NewRegistry(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	rep := ExecuteWith(context.Background(), scrapeConfig(dir), Env{
		Registry: reg,
		Fetcher:  fetch.New(srv.Client()),
		Writer:   store.New(dir),
	}, nil)

	if rep.ErrorCode != domain.ErrCodeLatestFailed || len(rep.Items) != 0 {
		t.Fatalf("期望 latest_failed：%+v", rep)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("latest 失败时不应创建目录：err=%v", err)
	}
}

func TestExecute_APIStrategy(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/info.0.json":
			fmt.Fprint(w, `{"num": 3}`)
		case r.URL.Path == "/2/info.0.json":
			http.NotFound(w, r)
		case strings.HasSuffix(r.URL.Path, "/info.0.json"):
			i, _ := domain.ParseIndex(strings.TrimSuffix(r.URL.Path, "info.0.json"))
			fmt.Fprintf(w, `{"num": %d, "img": "%s/comics/p%d.png", "safe_title": "Comic #%d", "year": "2007", "month": "3", "day": "%d"}`, i, srv.URL, i, i, i)
		case strings.HasPrefix(r.URL.Path, "/comics/"):
			if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "Mozilla/5.0") {
				http.Error(w, "bad ua", http.StatusForbidden)
				return
			}
			_, _ = w.Write([]byte("img"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	rep := Execute(context.Background(), config.EffectiveConfig{
		Dir:         dir,
		BaseURL:     srv.URL,
		Strategy:    "api",
		Order:       domain.OrderNewest,
		Count:       config.CountAll,
		Concurrency: 2,
	}, nil)

	if rep.Fatal() {
		t.Fatalf("不期望整批失败：%s", rep.ErrorMsg)
	}
	if rep.Summary.Downloaded != 2 || rep.Summary.Skipped != 1 || rep.Summary.Bytes != 6 {
		t.Fatalf("summary 不符合预期：%+v items=%+v", rep.Summary, rep.Items)
	}
	if _, err := os.Stat(filepath.Join(dir, "0003-2007-03-03-comic-3.png")); err != nil {
		t.Fatalf("api 策略文件名不符合预期：%v", err)
	}
}

func TestExecute_InvalidProxy(t *testing.T) {
	rep := Execute(context.Background(), config.EffectiveConfig{
		Dir:      t.TempDir(),
		BaseURL:  "https://xkcd.invalid",
		Strategy: "scrape",
		ProxyURL: "no-scheme",
	}, nil)
	if rep.ErrorCode != domain.ErrCodeConfigInvalid {
		t.Fatalf("期望 config_invalid：%+v", rep)
	}
}

func snapshot(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	out := map[string][]byte{}
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("读取目录失败：%v", err)
	}
	for _, e := range ents {
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatalf("读取文件失败：%v", err)
		}
		out[e.Name()] = bytes.Clone(b)
	}
	return out
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
