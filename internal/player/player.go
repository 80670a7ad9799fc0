package player

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNoPlayer 没有正在运行的 MPRIS 播放器
var ErrNoPlayer = errors.New("no active player")

const metadataFormat = "{{xesam:title}}\t{{xesam:artist}}\t{{xesam:album}}\t{{mpris:length}}\t{{mpris:trackid}}"

// Track 播放器上报的当前曲目信息
type Track struct {
	Title    string
	Artist   string
	Album    string
	LengthMs int64
	ID       string
}

// Identifier 用于判断是否切歌
func (t Track) Identifier() string {
	if t.ID != "" {
		return t.ID
	}
	if t.Artist == "" {
		return t.Title
	}
	return t.Artist + " - " + t.Title
}

// Playerctl 通过 playerctl 命令读取和控制 MPRIS 播放器
type Playerctl struct {
	bin    string
	player string
}

// New player 为空时由 playerctl 自己选择播放器
func New(player string) *Playerctl {
	return &Playerctl{bin: "playerctl", player: player}
}

func (p *Playerctl) command(ctx context.Context, args ...string) *exec.Cmd {
	if p.player != "" {
		args = append([]string{"--player", p.player}, args...)
	}
	return exec.CommandContext(ctx, p.bin, args...)
}

// Metadata 获取当前曲目
func (p *Playerctl) Metadata(ctx context.Context) (Track, error) {
	out, err := p.command(ctx, "metadata", "--format", metadataFormat).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Track{}, ErrNoPlayer
		}
		return Track{}, fmt.Errorf("failed to run playerctl metadata: %w", err)
	}
	return parseMetadata(string(out))
}

// PositionMs 当前播放位置（毫秒）。没有播放器时返回 0 而不是错误。
func (p *Playerctl) PositionMs(ctx context.Context) (int64, error) {
	out, err := p.command(ctx, "position").Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to run playerctl position: %w", err)
	}
	return parsePosition(string(out))
}

// SeekMs 跳转到绝对位置
func (p *Playerctl) SeekMs(ctx context.Context, targetMs int64) error {
	if targetMs < 0 {
		targetMs = 0
	}
	seconds := strconv.FormatFloat(float64(targetMs)/1000, 'f', 3, 64)
	if out, err := p.command(ctx, "position", seconds).CombinedOutput(); err != nil {
		return fmt.Errorf("failed to seek to %sS: %w (%s)", seconds, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func parsePosition(out string) (int64, error) {
	s := strings.TrimSpace(out)
	if s == "" {
		return 0, nil
	}
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid position %q: %w", s, err)
	}
	if seconds < 0 || math.IsNaN(seconds) {
		return 0, nil
	}
	return int64(math.Round(seconds * 1000)), nil
}

func parseMetadata(out string) (Track, error) {
	fields := strings.Split(strings.TrimRight(out, "\r\n"), "\t")
	if len(fields) != 5 {
		return Track{}, fmt.Errorf("unexpected playerctl metadata output %q", out)
	}

	t := Track{
		Title:  strings.TrimSpace(fields[0]),
		Artist: strings.TrimSpace(fields[1]),
		Album:  strings.TrimSpace(fields[2]),
		ID:     strings.TrimSpace(fields[4]),
	}
	if t.Title == "" {
		return Track{}, ErrNoPlayer
	}
	// mpris:length 单位是微秒
	if us, err := strconv.ParseInt(strings.TrimSpace(fields[3]), 10, 64); err == nil && us > 0 {
		t.LengthMs = us / 1000
	}
	return t, nil
}

// Player 守护进程需要的全部播放器能力
type Player interface {
	Metadata(ctx context.Context) (Track, error)
	PositionMs(ctx context.Context) (int64, error)
	SeekMs(ctx context.Context, targetMs int64) error
}

var (
	_ Player = (*Playerctl)(nil)
	_ Player = (*MPRIS)(nil)
)

// Open backend 为 "dbus" 时直接走 session bus，否则使用 playerctl
func Open(backend, player string) (Player, error) {
	switch backend {
	case "", "playerctl":
		return New(player), nil
	case "dbus", "mpris":
		m, err := NewMPRIS(player)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown player backend: %s", backend)
	}
}
