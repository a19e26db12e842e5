package scrape

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/baduker/xckd/internal/domain"
	"github.com/baduker/xckd/internal/resolver"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("读取 fixture 失败：%v", err)
	}
	return b
}

func TestParse_ProtocolRelativeNormalized(t *testing.T) {
	ref, err := Parse(614, readFixture(t, "614.html"), "https://xkcd.com/614/")
	if err != nil {
		t.Fatalf("Parse 失败：%v", err)
	}
	if ref.URL != "https://imgs.xkcd.com/comics/woodpecker.png" {
		t.Fatalf("URL 不符合预期：%q", ref.URL)
	}
	if ref.Name != "0614-woodpecker.png" {
		t.Fatalf("Name 不符合预期：%q", ref.Name)
	}
	if ref.Title != "Woodpecker" || ref.Index != 614 {
		t.Fatalf("ref 不符合预期：%+v", ref)
	}
}

func TestParse_NoImageIsNotFound(t *testing.T) {
	_, err := Parse(1350, readFixture(t, "1350.html"), "https://xkcd.com/1350/")
	if !resolver.IsNotFound(err) {
		t.Fatalf("期望 NotFound，实际：%T %v", err, err)
	}
}

func TestParse_EmptySrcIsNotFound(t *testing.T) {
	html := []byte(`<div id="comic"><img src="  " alt="x"></div>`)
	_, err := Parse(5, html, "https://xkcd.com/5/")
	if !resolver.IsNotFound(err) {
		t.Fatalf("期望 NotFound，实际：%T %v", err, err)
	}
}

func TestParseArchive_TakesMaxIndex(t *testing.T) {
	n, err := ParseArchive(readFixture(t, "archive.html"))
	if err != nil {
		t.Fatalf("ParseArchive 失败：%v", err)
	}
	if n != 2916 {
		t.Fatalf("期望 latest=2916，实际 %d", n)
	}
}

func TestParseArchive_NoLinks(t *testing.T) {
	if _, err := ParseArchive([]byte(`<div class="box"><a href="/about">About</a></div>`)); err == nil {
		t.Fatalf("期望错误，但得到 nil")
	}
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	page := readFixture(t, "614.html")
	archive := readFixture(t, "archive.html")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/614/":
			_, _ = w.Write(page)
		case "/archive/":
			_, _ = w.Write(archive)
		case "/500/":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolve_OK(t *testing.T) {
	srv := newSite(t)
	s := Source{BaseURL: srv.URL + "/", Client: srv.Client()}

	ref, err := s.Resolve(context.Background(), 614)
	if err != nil {
		t.Fatalf("Resolve 失败：%v", err)
	}
	if ref.URL != "https://imgs.xkcd.com/comics/woodpecker.png" {
		t.Fatalf("URL 不符合预期：%q", ref.URL)
	}
}

func TestResolve_404IsNotFound(t *testing.T) {
	srv := newSite(t)
	s := Source{BaseURL: srv.URL, Client: srv.Client()}

	_, err := s.Resolve(context.Background(), 404)
	if !resolver.IsNotFound(err) {
		t.Fatalf("期望 NotFound，实际：%T %v", err, err)
	}
	var hs *resolver.HTTPStatusError
	if !errors.As(err, &hs) || hs.StatusCode != http.StatusNotFound {
		t.Fatalf("NotFound 应保留原始 HTTP 错误：%v", err)
	}
}

func TestResolve_5xxIsTransportError(t *testing.T) {
	srv := newSite(t)
	s := Source{BaseURL: srv.URL, Client: srv.Client()}

	_, err := s.Resolve(context.Background(), 500)
	if resolver.IsNotFound(err) {
		t.Fatalf("5xx 不应视为 NotFound：%v", err)
	}
	var re *resolver.Error
	if !errors.As(err, &re) || re.Stage != "fetch" || re.Source != Name {
		t.Fatalf("期望 resolver.Error{stage=fetch}，实际：%T %v", err, err)
	}
}

func TestLatest(t *testing.T) {
	srv := newSite(t)
	s := Source{BaseURL: srv.URL, Client: srv.Client()}

	n, err := s.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest 失败：%v", err)
	}
	if n != domain.Index(2916) {
		t.Fatalf("期望 2916，实际 %d", n)
	}
}

func TestResolve_NilClient(t *testing.T) {
	if _, err := (Source{}).Resolve(context.Background(), 1); err == nil {
		t.Fatalf("期望错误，但得到 nil")
	}
}
