// Package notify 向用户展示提示信息（toast 的替身）
package notify

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
)

// Level 提示级别
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Notice 一条提示
type Notice struct {
	Level   Level
	Code    string
	Message string
}

// Notifier 提示接收方
type Notifier interface {
	Notify(n Notice)
}

// Info 发送信息提示
func Info(n Notifier, code, format string, args ...any) {
	n.Notify(Notice{Level: LevelInfo, Code: code, Message: fmt.Sprintf(format, args...)})
}

// Warn 发送警告提示
func Warn(n Notifier, code, format string, args ...any) {
	n.Notify(Notice{Level: LevelWarning, Code: code, Message: fmt.Sprintf(format, args...)})
}

// Error 发送错误提示
func Error(n Notifier, code, format string, args ...any) {
	n.Notify(Notice{Level: LevelError, Code: code, Message: fmt.Sprintf(format, args...)})
}

// Nop 丢弃所有提示
type Nop struct{}

// Notify 实现 Notifier
func (Nop) Notify(Notice) {}

// OrNop nil 时返回 Nop
func OrNop(n Notifier) Notifier {
	if n == nil {
		return Nop{}
	}
	return n
}

// Console 彩色输出到终端
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole 创建控制台提示；out 为 nil 时写到 stderr
func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stderr
	}
	return &Console{out: out}
}

// Notify 实现 Notifier
func (c *Console) Notify(n Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var prefix *color.Color
	switch n.Level {
	case LevelError:
		prefix = color.New(color.FgRed, color.Bold)
	case LevelWarning:
		prefix = color.New(color.FgYellow, color.Bold)
	default:
		prefix = color.New(color.FgCyan, color.Bold)
	}
	prefix.Fprintf(c.out, "[%s]", n.Level)
	fmt.Fprintf(c.out, " %s\n", n.Message)
}

// Recorder 记录所有提示，便于检查
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

// Notify 实现 Notifier
func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

// Notices 返回已记录的提示副本
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Codes 返回已记录提示的代码
func (r *Recorder) Codes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	codes := make([]string, len(r.notices))
	for i, n := range r.notices {
		codes[i] = n.Code
	}
	return codes
}
