package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Fetcher 以流的方式读取图片内容；调用方负责 Close。
//
// 约束：
// - 不缓冲整个响应体，调用方直接把流交给存储层
// - 非 2xx 与网络错误一律返回 *Error
// - 内部不重试（重试由调度层按 Retries 统一处理）
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// Error 表示一次取图失败；StatusCode 为 0 表示没有拿到 HTTP 响应（网络错误等）。
type Error struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTP 是基于 *http.Client 的 Fetcher 实现。
type HTTP struct {
	Client *http.Client
}

func New(c *http.Client) *HTTP { return &HTTP{Client: c} }

func (f *HTTP) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	if f == nil || f.Client == nil {
		return nil, &Error{URL: url, Err: errors.New("http client 不能为空")}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{URL: url, Err: err}
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, &Error{URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// 丢弃少量响应体，让连接可以复用。
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		return nil, &Error{URL: url, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}
