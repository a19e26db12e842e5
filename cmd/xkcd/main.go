package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/baduker/xckd/internal/app/run"
	"github.com/baduker/xckd/internal/config"
	"github.com/baduker/xckd/internal/domain"
	"github.com/baduker/xckd/internal/history"
	"github.com/baduker/xckd/internal/infra/fsx"
	"github.com/baduker/xckd/internal/metrics"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := newCLI().main(ctx, os.Args[1:])
	stop()
	if code != 0 {
		os.Exit(code)
	}
}

// cli 把标准输入输出与 TTY 判定收拢在一起，便于在测试里直接驱动。
type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	stdinTTY  bool
	stdoutTTY bool
	stderrTTY bool

	getwd func() (string, error)
}

func newCLI() *cli {
	return &cli{
		stdin:     os.Stdin,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		stdinTTY:  isTTY(os.Stdin),
		stdoutTTY: isTTY(os.Stdout),
		stderrTTY: isTTY(os.Stderr),
		getwd:     os.Getwd,
	}
}

func (c *cli) main(ctx context.Context, args []string) int {
	if len(args) == 0 || isHelp(args[0]) {
		c.printUsage()
		return 0
	}

	switch args[0] {
	case "run":
		return c.runCmd(ctx, args[1:])
	case "history":
		return c.historyCmd(ctx, args[1:])
	default:
		fmt.Fprintf(c.stderr, "未知命令：%q\n\n", args[0])
		c.printUsage()
		return 2
	}
}

func (c *cli) runCmd(ctx context.Context, args []string) int {
	for _, a := range args {
		if isHelp(a) {
			c.printRunUsage()
			return 0
		}
	}

	ra, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintf(c.stderr, "参数错误：%v\n\n", err)
		c.printRunUsage()
		return 2
	}

	cwd, err := c.getwd()
	if err != nil {
		fmt.Fprintf(c.stderr, "读取当前目录失败：%v\n", err)
		return 1
	}

	eff, err := config.LoadEffective(cwd, ra.CLI)
	if err != nil {
		c.emitReport(reportForConfigError(cwd, err))
		return 1
	}

	// count 在任何层都未指定且 stdin 是终端：询问要下载多少期（直接回车表示全部）。
	if !eff.CountSet && c.stdinTTY {
		n, err := promptCount(c.stdin, c.stderr)
		if err != nil {
			fmt.Fprintf(c.stderr, "读取数量失败：%v\n", err)
			return 2
		}
		eff.Count = n
	}

	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	var observers []run.Observer
	if c.stderrTTY {
		observers = append(observers, newProgressUI(c.stderr))
	}
	var collector *metrics.Collector
	if eff.MetricsTextfile != "" {
		collector = metrics.New()
		observers = append(observers, collector)
	}
	obs := run.Observers(observers...)

	rep := run.Execute(ctx, eff, obs)

	exit := 0
	if rep.Fatal() || rep.Summary.Failed > 0 {
		exit = 1
	}

	if collector != nil {
		if err := collector.WriteTextfile(eff.MetricsTextfile); err != nil {
			fmt.Fprintf(c.stderr, "写入 metrics 失败：%v\n", err)
			exit = 1
		}
	}
	if eff.HistoryDB != "" {
		if err := recordHistory(ctx, eff.HistoryDB, rep); err != nil {
			fmt.Fprintf(c.stderr, "写入运行历史失败：%v\n", err)
			exit = 1
		}
	}
	if ra.ReportFile != "" {
		p := ra.ReportFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(cwd, p)
		}
		if err := writeReportFile(p, rep); err != nil {
			fmt.Fprintf(c.stderr, "写入报告失败：%v\n", err)
			exit = 1
		}
	}

	c.emitReport(rep)
	return exit
}

type runArgs struct {
	CLI        config.CLIArgs
	ReportFile string
}

func parseRunArgs(args []string) (runArgs, error) {
	ra := runArgs{}

	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") {
			if ra.CLI.Dir != "" {
				return runArgs{}, fmt.Errorf("重复的 dir：%q 与 %q", ra.CLI.Dir, a)
			}
			ra.CLI.Dir = a
			continue
		}

		name, val, hasVal := strings.Cut(a, "=")
		if !hasVal {
			if i+1 >= len(args) {
				return runArgs{}, fmt.Errorf("%s 需要一个值", name)
			}
			i++
			val = args[i]
		}

		switch name {
		case "--count":
			if _, err := config.ParseCount(val); err != nil {
				return runArgs{}, err
			}
			if strings.TrimSpace(val) == "" {
				return runArgs{}, fmt.Errorf("--count 不能为空")
			}
			ra.CLI.Count = val
		case "--strategy":
			ra.CLI.Strategy, ra.CLI.StrategySet = val, true
		case "--order":
			ra.CLI.Order, ra.CLI.OrderSet = val, true
		case "--concurrency":
			n, err := strconv.Atoi(val)
			if err != nil {
				return runArgs{}, fmt.Errorf("--concurrency 必须是整数，实际是 %q", val)
			}
			ra.CLI.Concurrency, ra.CLI.ConcurrencySet = n, true
		case "--retries":
			n, err := strconv.Atoi(val)
			if err != nil {
				return runArgs{}, fmt.Errorf("--retries 必须是整数，实际是 %q", val)
			}
			ra.CLI.Retries, ra.CLI.RetriesSet = n, true
		case "--base-url":
			ra.CLI.BaseURL = val
		case "--config":
			ra.CLI.ConfigFile = val
		case "--report":
			if strings.TrimSpace(val) == "" {
				return runArgs{}, fmt.Errorf("--report 不能为空")
			}
			ra.ReportFile = val
		default:
			return runArgs{}, fmt.Errorf("未知参数 %q", a)
		}
	}
	return ra, nil
}

// promptCount 询问下载数量；空输入或 all 表示全部，最多重试 3 次。
func promptCount(in io.Reader, out io.Writer) (int, error) {
	sc := bufio.NewScanner(in)
	for tries := 0; tries < 3; tries++ {
		fmt.Fprint(out, "要下载多少期？（回车 = 全部）：")
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return 0, err
			}
			return 0, io.ErrUnexpectedEOF
		}
		n, err := config.ParseCount(sc.Text())
		if err == nil && n >= 0 {
			return n, nil
		}
		fmt.Fprintln(out, "请输入非负整数或 all。")
	}
	return 0, errors.New("输入无效次数过多")
}

func (c *cli) historyCmd(ctx context.Context, args []string) int {
	dbPath := ""
	runID := ""
	limit := 10
	for i := 0; i < len(args); i++ {
		a := args[i]
		if isHelp(a) {
			c.printHistoryUsage()
			return 0
		}
		name, val, hasVal := strings.Cut(a, "=")
		if !hasVal && i+1 < len(args) {
			i++
			val = args[i]
			hasVal = true
		}
		if !hasVal {
			fmt.Fprintf(c.stderr, "参数错误：%s 需要一个值\n", name)
			return 2
		}
		switch name {
		case "--db":
			dbPath = val
		case "--run":
			runID = strings.TrimSpace(val)
		case "--limit":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				fmt.Fprintf(c.stderr, "参数错误：--limit 必须是正整数，实际是 %q\n", val)
				return 2
			}
			limit = n
		default:
			fmt.Fprintf(c.stderr, "参数错误：未知参数 %q\n", a)
			return 2
		}
	}

	cwd, err := c.getwd()
	if err != nil {
		fmt.Fprintf(c.stderr, "读取当前目录失败：%v\n", err)
		return 1
	}
	if dbPath == "" {
		eff, err := config.LoadEffective(cwd, config.CLIArgs{})
		if err != nil {
			fmt.Fprintln(c.stderr, err)
			return 1
		}
		dbPath = eff.HistoryDB
	} else if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cwd, dbPath)
	}
	if dbPath == "" {
		fmt.Fprintln(c.stderr, "未配置运行历史：请在 xkcd.json 设置 history_db，或使用 --db")
		return 2
	}

	s, err := history.Open(dbPath)
	if err != nil {
		fmt.Fprintf(c.stderr, "打开运行历史失败：%v\n", err)
		return 1
	}
	defer s.Close()

	if runID != "" {
		return c.printRunFailures(ctx, s, runID)
	}

	runs, err := s.Recent(ctx, limit)
	if err != nil {
		fmt.Fprintf(c.stderr, "读取运行历史失败：%v\n", err)
		return 1
	}
	if len(runs) == 0 {
		fmt.Fprintln(c.stdout, "暂无运行记录")
		return 0
	}
	for _, r := range runs {
		status := "ok"
		if r.ErrorCode != "" {
			status = r.ErrorCode
		} else if r.Summary.Failed > 0 {
			status = "partial"
		}
		fmt.Fprintf(c.stdout, "%s  %s  %-8s latest=%d downloaded=%d skipped=%d failed=%d %s in %s  %s\n",
			r.RunID,
			humanize.Time(r.StartedAt),
			status,
			r.Latest,
			r.Summary.Downloaded, r.Summary.Skipped, r.Summary.Failed,
			humanize.Bytes(uint64(max(r.Summary.Bytes, 0))),
			formatShortDuration(r.Elapsed),
			r.Dir,
		)
	}
	return 0
}

// printRunFailures 列出某次运行里被跳过/失败的条目。
func (c *cli) printRunFailures(ctx context.Context, s *history.Store, runID string) int {
	items, err := s.Failures(ctx, runID)
	if err != nil {
		fmt.Fprintf(c.stderr, "读取运行历史失败：%v\n", err)
		return 1
	}
	if len(items) == 0 {
		fmt.Fprintf(c.stdout, "运行 %s 没有失败或跳过的条目\n", runID)
		return 0
	}
	for _, it := range items {
		fmt.Fprintf(c.stdout, "#%d  %-8s %-14s %s\n", int(it.Index), it.Status, it.ErrorCode, truncate(it.ErrorMsg, 120))
	}
	return 0
}

func recordHistory(ctx context.Context, path string, rep domain.BatchReport) error {
	s, err := history.Open(path)
	if err != nil {
		return err
	}
	defer s.Close()
	// 被中断的运行也要记下来：不继承已取消的 ctx。
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return s.Record(ctx, rep)
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func (c *cli) printUsage() {
	fmt.Fprint(c.stdout, `用法：
  xkcd run [dir] [--count N|all] [--strategy scrape|api] [--order newest|oldest]
           [--concurrency N] [--retries N] [--report FILE]
  xkcd history [--db FILE] [--limit N] [--run ID]

命令：
  run      下载归档中的图片到 dir（默认 ./xkcd_comics）
  history  查看最近的运行记录（需要配置 history_db）

使用 "xkcd run --help" 查看详细说明。
`)
}

func (c *cli) printRunUsage() {
	fmt.Fprint(c.stdout, `用法：
  xkcd run [dir] [flags]

参数：
  --count N|all       下载多少期（未指定且在终端中运行时会询问；否则全部）
  --strategy NAME     解析策略：scrape（页面）| api（info.0.json），默认 scrape
  --order DIR         newest（从最新往回，默认）| oldest（从第 1 期开始）
  --concurrency N     并发 worker 数，默认 5，范围 [1, 32]
  --retries N         传输失败时的额外重试次数，默认 0，范围 [0, 5]
  --report FILE       额外把 JSON 报告写入 FILE
  --base-url URL      站点地址，默认 https://xkcd.com
  --config FILE       指定配置文件（默认读取 ./xkcd.json，可选）
  -h, --help          显示帮助

环境变量 XKCD_*（以及 .env / .env.local）可覆盖配置文件中的同名字段。
`)
}

func (c *cli) printHistoryUsage() {
	fmt.Fprint(c.stdout, `用法：
  xkcd history [--db FILE] [--limit N] [--run ID]

参数：
  --db FILE    SQLite 文件（默认取配置中的 history_db）
  --limit N    显示最近 N 次，默认 10
  --run ID     列出该次运行中失败/跳过的条目
`)
}

func (c *cli) emitReport(rep domain.BatchReport) {
	summary := formatSummary(rep)
	if c.stdoutTTY {
		fmt.Fprintln(c.stdout, summary)
		c.printFailures(rep)
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 BatchReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(c.stdout)
	_ = enc.Encode(rep)
	fmt.Fprintln(c.stderr, summary)
	c.printFailures(rep)
}

func (c *cli) printFailures(rep domain.BatchReport) {
	if rep.Fatal() {
		fmt.Fprintf(c.stderr, "%s: %s\n", rep.ErrorCode, rep.ErrorMsg)
		return
	}
	for _, it := range rep.Failures() {
		fmt.Fprintf(c.stderr, "#%d %s %s: %s\n", int(it.Index), it.Status, it.ErrorCode, truncate(it.ErrorMsg, 200))
	}
}

func formatSummary(rep domain.BatchReport) string {
	if rep.Fatal() {
		return fmt.Sprintf("失败：%s（%s）", rep.ErrorCode, formatShortDuration(rep.Elapsed()))
	}
	s := rep.Summary
	return fmt.Sprintf("完成：downloaded=%d skipped=%d failed=%d bytes=%s elapsed=%s",
		s.Downloaded, s.Skipped, s.Failed, humanize.Bytes(uint64(max(s.Bytes, 0))), formatShortDuration(rep.Elapsed()),
	)
}

func reportForConfigError(cwd string, err error) domain.BatchReport {
	now := time.Now().UTC()
	code := config.Code(err)
	if code == "" {
		code = domain.ErrCodeConfigInvalid
	}
	rep := domain.BatchReport{
		Dir:        cwd,
		StartedAt:  now,
		FinishedAt: now,
		ErrorCode:  code,
		ErrorMsg:   err.Error(),
	}
	rep.Finalize()
	return rep
}

func writeReportFile(path string, rep domain.BatchReport) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomicReplace(filepath.Dir(path), filepath.Base(path), b)
}

func isTTY(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
