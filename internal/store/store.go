package store

import (
	"fmt"
	"io"
	"strings"

	"github.com/baduker/xckd/internal/infra/fsx"
)

// Writer 把图片写入同一个输出目录。
//
// 约束：
// - Prepare 只在派发前调用一次；失败即整批失败
// - Write 可并发调用（不同 name 之间互不影响）；同名覆盖
// - 任何失败都不会留下临时文件
type Writer interface {
	Prepare() error
	Write(name string, r io.Reader) (int64, error)
}

// Dir 是落盘到本地目录的 Writer。
type Dir struct {
	Path string
}

func New(path string) *Dir { return &Dir{Path: path} }

// Prepare 确保输出目录存在；路径被普通文件占用时返回 *fsx.PathTypeConflictError。
func (d *Dir) Prepare() error {
	if strings.TrimSpace(d.Path) == "" {
		return fmt.Errorf("输出目录不能为空")
	}
	return fsx.EnsureDir(d.Path)
}

func (d *Dir) Write(name string, r io.Reader) (int64, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}
	return fsx.WriteStreamAtomic(d.Path, name, r)
}

// ValidateName 拒绝空名、路径分隔符以及 "." / ".."。
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("文件名不能为空")
	case name == "." || name == "..":
		return fmt.Errorf("文件名非法：%q", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("文件名不能包含路径分隔符：%q", name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("文件名包含 NUL：%q", name)
	}
	return nil
}
