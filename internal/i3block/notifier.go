// Package i3block tells i3blocks to re-read the lyric block when the current
// line changes. The block itself just cats the status file.
package i3block

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	sigrtmin        = 34
	refreshInterval = 10 * time.Second
)

var errNotRunning = errors.New("i3blocks process not found")

// Notifier 向 i3blocks 发送 SIGRTMIN+N，对应 block 配置里的 signal=N
type Notifier struct {
	signal  syscall.Signal
	pid     atomic.Int64
	findPID func(ctx context.Context) (int, error)
	kill    func(pid int, sig syscall.Signal) error

	log zerolog.Logger
}

func NewNotifier(blockSignal int) *Notifier {
	return &Notifier{
		signal:  syscall.Signal(sigrtmin + blockSignal),
		findPID: pgrep,
		kill:    syscall.Kill,
		log:     log.With().Str("component", "i3block").Logger(),
	}
}

// Start 每 10 秒刷新一次 i3blocks 的 PID，直到 ctx 结束
func (n *Notifier) Start(ctx context.Context) {
	n.refresh(ctx)
	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n.refresh(ctx)
			}
		}
	}()
}

func (n *Notifier) refresh(ctx context.Context) {
	pid, err := n.findPID(ctx)
	if err != nil {
		pid = 0
	}
	if old := n.pid.Swap(int64(pid)); old != int64(pid) {
		n.log.Info().Int64("old_pid", old).Int("pid", pid).Msg("i3blocks PID updated")
	}
}

// Notify 没有 i3blocks 时什么也不做
func (n *Notifier) Notify() {
	pid := int(n.pid.Load())
	if pid <= 0 {
		return
	}
	if err := n.kill(pid, n.signal); err != nil {
		n.log.Debug().Err(err).Int("pid", pid).Msg("Failed to signal i3blocks")
		n.pid.CompareAndSwap(int64(pid), 0)
	}
}

func pgrep(ctx context.Context) (int, error) {
	out, err := exec.CommandContext(ctx, "pgrep", "-x", "i3blocks").Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return 0, errNotRunning
		}
		return 0, fmt.Errorf("failed to run pgrep: %w", err)
	}
	return parsePgrep(string(out))
}

// parsePgrep 有多个进程时取第一个
func parsePgrep(out string) (int, error) {
	first, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	if first == "" {
		return 0, errNotRunning
	}
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, fmt.Errorf("failed to parse PID %q: %w", first, err)
	}
	return pid, nil
}
