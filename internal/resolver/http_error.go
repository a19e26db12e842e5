package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/baduker/xckd/internal/domain"
)

// maxPageBytes 限制页面/JSON 的读取上限；条目页远小于这个值。
const maxPageBytes = 4 << 20

// HTTPStatusError 表示站点返回了非 2xx 的 HTTP 状态码。
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Location   string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "HTTP status error"
	}
	loc := strings.TrimSpace(e.Location)
	if loc == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d location=%s", e.StatusCode, loc)
}

// GetPage 读取一个页面（HTML 或 JSON）。非 2xx 返回 *HTTPStatusError。
func GetPage(ctx context.Context, c *http.Client, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPStatusError{URL: u, StatusCode: resp.StatusCode, Location: resp.Header.Get("Location")}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
}

// PageError 把读取条目页时的错误归类：404/410 视为“该期不存在”（NotFound），
// 其余（网络错误、5xx、403 等）视为传输失败。
func PageError(source string, i domain.Index, err error) error {
	var hs *HTTPStatusError
	if errors.As(err, &hs) && (hs.StatusCode == http.StatusNotFound || hs.StatusCode == http.StatusGone) {
		return NotFound(i, "页面不存在", err)
	}
	return &Error{Source: source, Stage: "fetch", Err: err}
}
