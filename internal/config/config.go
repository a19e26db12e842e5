package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/baduker/xckd/internal/domain"
)

const (
	// ErrCodeNotFound 表示 --config 指定的配置文件不存在。
	ErrCodeNotFound = domain.ErrCodeConfigNotFound
	// ErrCodeInvalid 表示配置文件/环境变量/CLI 参数无法解析，或字段不合法。
	ErrCodeInvalid = domain.ErrCodeConfigInvalid
)

const (
	// FileName 是 cwd 下可选配置文件的名字。
	FileName = "xkcd.json"

	DefaultDir         = "xkcd_comics"
	DefaultBaseURL     = "https://xkcd.com"
	DefaultStrategy    = "scrape"
	DefaultConcurrency = 5
	DefaultRetries     = 0
	DefaultHTTPRetries = 0

	MaxConcurrency = 32
	MaxRetries     = 5

	// CountAll 表示下载整个归档（count 未指定或为 "all"）；规划时会被截断到 latest。
	CountAll = math.MaxInt

	envPrefix = "XKCD_"
)

// CLIArgs 保留“是否显式指定”的信息，保证 CLI 能覆盖配置中的任何值（包括零值）。
type CLIArgs struct {
	// ConfigFile 显式指定配置文件（必须存在）；为空时读取 <cwd>/xkcd.json（可选）。
	ConfigFile string

	Dir string

	// Count 是原始字符串："all" 或十进制整数；空串表示未指定。
	Count string

	Strategy    string
	StrategySet bool

	Order    string
	OrderSet bool

	Concurrency    int
	ConcurrencySet bool

	Retries    int
	RetriesSet bool

	BaseURL string
}

// FileConfig 对应 xkcd.json 的解析结构。
type FileConfig struct {
	Dir             string          `json:"dir"`
	BaseURL         string          `json:"base_url"`
	Strategy        string          `json:"strategy"`
	Order           string          `json:"order"`
	Count           json.RawMessage `json:"count"` // "all" 或整数
	Concurrency     *int            `json:"concurrency"`
	Retries         *int            `json:"retries"`
	HTTPRetries     *int            `json:"http_retries"`
	Proxy           *ProxyConfig    `json:"proxy"`
	Timeout         string          `json:"timeout"`
	MetricsTextfile string          `json:"metrics_textfile"`
	HistoryDB       string          `json:"history_db"`
}

type ProxyConfig struct {
	URL string `json:"url"`
}

// EffectiveConfig 是合并并规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	Dir      string
	BaseURL  string
	Strategy string
	Order    domain.Order

	// Count 为 CountAll 表示全部；负数由执行层报 count_invalid。
	Count int
	// CountSet 表示 count 来自 CLI/环境变量/配置文件，而不是默认值。
	CountSet bool

	Concurrency int
	Retries     int
	// HTTPRetries 是传输层对网络错误的重试次数（不含首次），与条目级 Retries 相互独立。
	HTTPRetries int

	ProxyURL string
	Timeout  time.Duration

	// 以下两项为空表示不启用（默认除图片外不落任何文件）。
	MetricsTextfile string
	HistoryDB       string
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Path == "" {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		if e.Err != nil {
			return fmt.Sprintf("%s：配置 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 读取 <cwd>/xkcd.json（可选）、<cwd>/.env 与 <cwd>/.env.local（可选）
// 以及 XKCD_* 环境变量，然后与 CLI 参数合并为最终配置。
//
// 覆盖优先级（固定）：CLI > 进程环境变量 > .env.local > .env > xkcd.json > 默认值。
// dir 为相对路径时以 cwd 为基准。
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	cfgPath := filepath.Join(cwdAbs, FileName)
	required := false
	if strings.TrimSpace(cli.ConfigFile) != "" {
		cfgPath = absCleanFrom(cwdAbs, cli.ConfigFile)
		required = true
	}
	fc, exists, err := readFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if required && !exists {
		return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
	}

	env, err := readEnv(cwdAbs)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: filepath.Join(cwdAbs, ".env"), Err: err}
	}

	return merge(cwdAbs, cli, fc, env, cfgPath)
}

func merge(cwdAbs string, cli CLIArgs, fc FileConfig, env map[string]string, cfgPath string) (EffectiveConfig, error) {
	invalid := func(err error) (EffectiveConfig, error) {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}

	// 字符串字段：CLI > env > config > 默认
	dir := pick(cli.Dir, env["DIR"], fc.Dir, DefaultDir)
	baseURL := strings.TrimRight(pick(cli.BaseURL, env["BASE_URL"], fc.BaseURL, DefaultBaseURL), "/")
	if err := validateHTTPURL("base_url", baseURL); err != nil {
		return invalid(err)
	}

	strategy := pick("", env["STRATEGY"], fc.Strategy, DefaultStrategy)
	if cli.StrategySet {
		strategy = cli.Strategy
	}
	strategy = strings.ToLower(strings.TrimSpace(strategy))
	if err := validateStrategy(strategy); err != nil {
		return invalid(err)
	}

	orderRaw := pick("", env["ORDER"], fc.Order, string(domain.OrderNewest))
	if cli.OrderSet {
		orderRaw = cli.Order
	}
	order, err := domain.ParseOrder(orderRaw)
	if err != nil {
		return invalid(err)
	}

	count, countSet := CountAll, false
	raw, ok, err := fileCount(fc.Count)
	if err != nil {
		return invalid(err)
	}
	if ok {
		if count, err = ParseCount(raw); err != nil {
			return invalid(err)
		}
		countSet = true
	}
	if v, ok := env["COUNT"]; ok {
		if count, err = ParseCount(v); err != nil {
			return invalid(fmt.Errorf("%sCOUNT：%w", envPrefix, err))
		}
		countSet = true
	}
	if strings.TrimSpace(cli.Count) != "" {
		if count, err = ParseCount(cli.Count); err != nil {
			return invalid(fmt.Errorf("--count：%w", err))
		}
		countSet = true
	}

	concurrency, err := pickInt(cli.ConcurrencySet, cli.Concurrency, env, "CONCURRENCY", fc.Concurrency, DefaultConcurrency)
	if err != nil {
		return invalid(err)
	}
	retries, err := pickInt(cli.RetriesSet, cli.Retries, env, "RETRIES", fc.Retries, DefaultRetries)
	if err != nil {
		return invalid(err)
	}
	httpRetries, err := pickInt(false, 0, env, "HTTP_RETRIES", fc.HTTPRetries, DefaultHTTPRetries)
	if err != nil {
		return invalid(err)
	}

	proxyURL := ""
	if fc.Proxy != nil {
		proxyURL = fc.Proxy.URL
	}
	proxyURL = strings.TrimSpace(pick("", env["PROXY_URL"], proxyURL, ""))
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err != nil || u.Scheme == "" || u.Host == "" {
			return invalid(fmt.Errorf("proxy.url 无效：%q", proxyURL))
		}
	}

	var timeout time.Duration
	if raw := strings.TrimSpace(pick("", env["TIMEOUT"], fc.Timeout, "")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return invalid(fmt.Errorf("timeout 无效：%q", raw))
		}
		timeout = d
	}

	return EffectiveConfig{
		Dir:             absCleanFrom(cwdAbs, dir),
		BaseURL:         baseURL,
		Strategy:        strategy,
		Order:           order,
		Count:           count,
		CountSet:        countSet,
		Concurrency:     clamp(concurrency, 1, MaxConcurrency),
		Retries:         clamp(retries, 0, MaxRetries),
		HTTPRetries:     clamp(httpRetries, 0, MaxRetries),
		ProxyURL:        proxyURL,
		Timeout:         timeout,
		MetricsTextfile: absCleanFrom(cwdAbs, pick("", env["METRICS_TEXTFILE"], fc.MetricsTextfile, "")),
		HistoryDB:       absCleanFrom(cwdAbs, pick("", env["HISTORY_DB"], fc.HistoryDB, "")),
	}, nil
}

// fileCount 接受 "count": "all" 与 "count": 12 两种写法；缺省或 null 时 ok=false。
func fileCount(raw json.RawMessage) (string, bool, error) {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return "", false, nil
	}
	if t[0] == '"' {
		var s string
		if err := json.Unmarshal(t, &s); err != nil {
			return "", false, fmt.Errorf("count 无效：%w", err)
		}
		return s, true, nil
	}
	return string(t), true, nil
}

// ParseCount 解析 "all" 或十进制整数。负数原样返回，由执行层判定 count_invalid。
func ParseCount(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "all" {
		return CountAll, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("count 只能是 all 或整数，实际是 %q", s)
	}
	return n, nil
}

func validateStrategy(s string) error {
	switch s {
	case "scrape", "api":
		return nil
	case "":
		return fmt.Errorf("strategy 不能为空")
	default:
		return fmt.Errorf("strategy 只能是 scrape 或 api，实际是 %q", s)
	}
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s 必须是 http/https 地址：%q", field, raw)
	}
	return nil
}

// pick 返回第一个非空（trim 后）的值。
func pick(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func pickInt(cliSet bool, cliVal int, env map[string]string, key string, fileVal *int, def int) (int, error) {
	if cliSet {
		return cliVal, nil
	}
	if v, ok := env[key]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%s%s 不是整数：%q", envPrefix, key, v)
		}
		return n, nil
	}
	if fileVal != nil {
		return *fileVal, nil
	}
	return def, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// readEnv 收集 XKCD_* 配置项（去掉前缀后的 key）。
// .env 与 .env.local 只读不写入进程环境；真实环境变量总是优先。
func readEnv(dir string) (map[string]string, error) {
	out := make(map[string]string)
	for _, name := range []string{".env", ".env.local"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		vals, err := godotenv.Read(p)
		if err != nil {
			return nil, fmt.Errorf("%s：%w", name, err)
		}
		collectEnv(out, vals)
	}

	proc := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			proc[k] = v
		}
	}
	collectEnv(out, proc)
	return out, nil
}

func collectEnv(dst, src map[string]string) {
	for k, v := range src {
		if !strings.HasPrefix(k, envPrefix) || strings.TrimSpace(v) == "" {
			continue
		}
		dst[strings.TrimPrefix(k, envPrefix)] = v
	}
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute；p 为空时返回空串。
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 JSON 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
