package httpx

import (
	"errors"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTimeout 是单次请求（含读完 body）的总超时。
	// 图片通常不大，但慢速网络下仍需留足余量。
	DefaultTimeout = 60 * time.Second
)

// Transport 把“UA 池 + 代理 + keep-alive 策略 + 可选的有界重试”固化为统一策略。
//
// resolver/fetcher 只负责“请求什么 + 怎么解释响应”，不关心网络策略细节。
type Transport struct {
	Base *http.Transport

	ua *uaPool

	// RetryMax 表示网络层错误时的最大重试次数（不含首次尝试）。
	// 默认 0：单次尝试是基本契约，条目级重试由调度器决定。
	RetryMax int

	// DisableKeepAlives 决定是否对 Request 设置 Close=true。
	DisableKeepAlives bool
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if t.Base == nil {
		return nil, errors.New("nil base transport")
	}

	// 只对“可重放”的请求做重试：GET/HEAD 且无 body。
	canRetry := (req.Method == http.MethodGet || req.Method == http.MethodHead) && req.Body == nil
	max := t.RetryMax
	if max < 0 || !canRetry {
		max = 0
	}

	var lastErr error
	for attempt := 0; attempt <= max; attempt++ {
		r := req.Clone(req.Context())
		if r.Header.Get("User-Agent") == "" {
			r.Header.Set("User-Agent", t.ua.random())
		}
		if t.DisableKeepAlives {
			r.Close = true
		}

		resp, err := t.Base.RoundTrip(r)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if req.Context().Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// Options 描述一个 client 的网络策略。零值可用：直连、DefaultTimeout、不重试。
type Options struct {
	ProxyURL string
	Timeout  time.Duration
	RetryMax int

	// MaxConnsPerHost 限制对同一 host 的并发连接数（通常设为 worker 数）。
	MaxConnsPerHost int
}

// NewClient 按 Options 构造 HTTP client。
//
// 规则：
// - ProxyURL 非空：走代理，且禁用 keep-alive（代理池轮换依赖每请求新连接）
// - 内置 UA 池：每个请求随机 UA（调用方显式设置的 UA 优先）
func NewClient(o Options) (*http.Client, error) {
	base := &http.Transport{
		Proxy:                 nil,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		MaxIdleConnsPerHost:   o.MaxConnsPerHost,
		MaxConnsPerHost:       o.MaxConnsPerHost,
	}

	disableKeepAlives := false
	if p := strings.TrimSpace(o.ProxyURL); p != "" {
		u, err := url.Parse(p)
		if err != nil {
			return nil, err
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, errors.New("proxy.url 必须包含 scheme 与 host")
		}
		base.Proxy = http.ProxyURL(u)
		base.DisableKeepAlives = true
		disableKeepAlives = true
	}

	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &http.Client{
		Transport: &Transport{
			Base:              base,
			ua:                globalUA,
			RetryMax:          o.RetryMax,
			DisableKeepAlives: disableKeepAlives,
		},
		Timeout: timeout,
	}, nil
}

type uaPool struct {
	mu  sync.Mutex
	rnd *rand.Rand
	uas []string
}

func (p *uaPool) random() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uas[p.rnd.Intn(len(p.uas))]
}

var globalUA = newUAPool()

func newUAPool() *uaPool {
	uas := []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	}
	return &uaPool{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
		uas: uas,
	}
}
