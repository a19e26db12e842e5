package fsx

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

// 通过可替换的函数指针，让测试能稳定模拟 rename 失败。
var renameFunc = os.Rename

// PathTypeConflictError 表示目标路径类型冲突（例如期望目录但实际是文件）。
// 上层可把它映射为 error_code=target_conflict。
type PathTypeConflictError struct {
	Path string
	Want string
	Got  string
}

func (e *PathTypeConflictError) Error() string {
	return fmt.Sprintf("目标路径类型冲突：%q（期望 %s，实际 %s）", e.Path, e.Want, e.Got)
}

func IsPathTypeConflict(err error) bool {
	var e *PathTypeConflictError
	return errors.As(err, &e)
}

// EnsureDir 确保 dir 存在且是目录（幂等）。
// dir 已存在但不是目录时返回 PathTypeConflictError。
func EnsureDir(dir string) error {
	fi, err := os.Stat(dir)
	if err == nil {
		if fi.IsDir() {
			return nil
		}
		return &PathTypeConflictError{Path: dir, Want: "dir", Got: "file"}
	}
	if !os.IsNotExist(err) {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// WriteFileAtomicReplace 在 dir 下原子写入 name 并覆盖同名文件（report 等内部产物使用）。
func WriteFileAtomicReplace(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	_, err := writeAtomic(dir, name, bytes.NewReader(data), 0o644)
	return err
}

// WriteStreamAtomic 把 r 流式写入 dir/name（同目录临时文件 + fsync + rename）。
//
// 语义：
// - 目标已存在则覆盖；重复写入同样内容得到字节一致的文件
// - 失败时不留下临时文件，也不会破坏已有的同名文件
// - dir 必须已存在（目录创建是调用方一次性完成的事，这里不再 MkdirAll）
func WriteStreamAtomic(dir, name string, r io.Reader) (int64, error) {
	dst := filepath.Join(filepath.Clean(dir), name)
	if fi, err := os.Lstat(dst); err == nil && fi.IsDir() {
		return 0, &PathTypeConflictError{Path: dst, Want: "file", Got: "dir"}
	}
	return writeAtomic(dir, name, r, 0o644)
}

func writeAtomic(dir, name string, r io.Reader, perm os.FileMode) (int64, error) {
	dst := filepath.Join(dir, name)

	// 临时文件前缀带 '.'，中途失败也不会被当成一期漫画。
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return n, err
	}
	if err := tmp.Chmod(perm); err != nil {
		return n, err
	}
	if err := tmp.Sync(); err != nil {
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := renameFunc(tmpName, dst); err != nil {
		return n, err
	}

	_ = syncDirBestEffort(dir)
	return n, nil
}

func syncDirBestEffort(dir string) error {
	// Windows 上目录 Sync 的语义与支持情况不稳定，这里直接跳过。
	if runtime.GOOS == "windows" {
		return nil
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
