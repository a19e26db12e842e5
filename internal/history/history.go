// Package history 把每次运行的报告记入一个本地 SQLite 文件（可选功能）。
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/baduker/xckd/internal/domain"
	"github.com/baduker/xckd/internal/infra/fsx"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL,
	elapsed_ms  INTEGER NOT NULL,
	dir         TEXT NOT NULL,
	strategy    TEXT NOT NULL,
	order_by    TEXT NOT NULL,
	latest      INTEGER NOT NULL,
	planned     INTEGER NOT NULL,
	downloaded  INTEGER NOT NULL,
	skipped     INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	bytes       INTEGER NOT NULL,
	error_code  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS run_items (
	run_id     TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	idx        INTEGER NOT NULL,
	status     TEXT NOT NULL,
	name       TEXT NOT NULL,
	bytes      INTEGER NOT NULL,
	error_code TEXT NOT NULL,
	error_msg  TEXT NOT NULL,
	PRIMARY KEY (run_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// Run 是 runs 表中的一行（不含条目明细）。
type Run struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Elapsed    time.Duration
	Dir        string
	Strategy   string
	Order      string
	Latest     int
	Summary    domain.ReportSummary
	ErrorCode  string
}

// Store 是运行历史的 SQLite 实现。
type Store struct {
	db *sql.DB
}

// Open 打开（必要时创建）path 指向的数据库并确保表结构存在。
func Open(path string) (*Store, error) {
	if err := fsx.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// 单文件 + 单写者：一个连接足够，也避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("初始化表结构失败：%w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record 在一个事务里写入报告及其全部条目。同一 RunID 重复写入会报错。
func (s *Store) Record(ctx context.Context, rep domain.BatchReport) error {
	if rep.RunID == "" {
		return errors.New("run_id 不能为空")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO runs
		(run_id, started_at, finished_at, elapsed_ms, dir, strategy, order_by, latest,
		 planned, downloaded, skipped, failed, bytes, error_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.RunID, rep.StartedAt.UTC(), rep.FinishedAt.UTC(), rep.ElapsedMS, rep.Dir, rep.Strategy, string(rep.Order), rep.Latest,
		rep.Summary.Planned, rep.Summary.Downloaded, rep.Summary.Skipped, rep.Summary.Failed, rep.Summary.Bytes, rep.ErrorCode,
	)
	if err != nil {
		return fmt.Errorf("写入 runs 失败：%w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO run_items
		(run_id, idx, status, name, bytes, error_code, error_msg) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, it := range rep.Items {
		if _, err := stmt.ExecContext(ctx, rep.RunID, int(it.Index), it.Status, it.Name, it.Bytes, it.ErrorCode, it.ErrorMsg); err != nil {
			return fmt.Errorf("写入 run_items 失败（#%d）：%w", int(it.Index), err)
		}
	}
	return tx.Commit()
}

// Recent 返回最近 limit 次运行（按开始时间倒序）；limit <= 0 时按 10 处理。
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `SELECT
		run_id, started_at, finished_at, elapsed_ms, dir, strategy, order_by, latest,
		planned, downloaded, skipped, failed, bytes, error_code
		FROM runs ORDER BY started_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Run, 0, limit)
	for rows.Next() {
		var (
			r         Run
			elapsedMS int64
		)
		if err := rows.Scan(&r.RunID, &r.StartedAt, &r.FinishedAt, &elapsedMS, &r.Dir, &r.Strategy, &r.Order, &r.Latest,
			&r.Summary.Planned, &r.Summary.Downloaded, &r.Summary.Skipped, &r.Summary.Failed, &r.Summary.Bytes, &r.ErrorCode); err != nil {
			return nil, err
		}
		r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// Failures 返回某次运行中未成功下载的条目（按编号升序）。
func (s *Store) Failures(ctx context.Context, runID string) ([]domain.ItemResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT idx, status, name, bytes, error_code, error_msg
		FROM run_items WHERE run_id = ? AND status <> ? ORDER BY idx`, runID, domain.StatusDownloaded)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ItemResult
	for rows.Next() {
		var (
			it  domain.ItemResult
			idx int
		)
		if err := rows.Scan(&idx, &it.Status, &it.Name, &it.Bytes, &it.ErrorCode, &it.ErrorMsg); err != nil {
			return nil, err
		}
		it.Index = domain.Index(idx)
		out = append(out, it)
	}
	return out, rows.Err()
}
