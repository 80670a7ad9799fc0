package player

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	mprisPrefix      = "org.mpris.MediaPlayer2."
	mprisPath        = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	mprisPlayerIface = "org.mpris.MediaPlayer2.Player"
	propertiesGet    = "org.freedesktop.DBus.Properties.Get"
	serviceUnknown   = "org.freedesktop.DBus.Error.ServiceUnknown"
)

// MPRIS 直接通过 session bus 读取播放器，不依赖 playerctl
type MPRIS struct {
	bus *dbus.Conn
	// player 为空时使用第一个找到的 MPRIS 服务
	player string
}

func NewMPRIS(player string) (*MPRIS, error) {
	bus, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return &MPRIS{bus: bus, player: player}, nil
}

func (m *MPRIS) Close() error {
	return m.bus.Close()
}

// service 每次都重新查找，播放器可能随时启动或退出
func (m *MPRIS) service(ctx context.Context) (string, error) {
	var names []string
	if err := m.bus.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return "", fmt.Errorf("failed to list bus names: %w", err)
	}
	return pickService(names, m.player)
}

func pickService(names []string, player string) (string, error) {
	var candidates []string
	for _, name := range names {
		if !strings.HasPrefix(name, mprisPrefix) {
			continue
		}
		if player == "" {
			candidates = append(candidates, name)
			continue
		}
		// 和 playerctl 一样，"spotify" 也匹配 "spotify.instance123"
		rest := strings.TrimPrefix(name, mprisPrefix)
		if rest == player || strings.HasPrefix(rest, player+".") {
			return name, nil
		}
	}
	if len(candidates) == 0 {
		return "", ErrNoPlayer
	}
	sort.Strings(candidates)
	return candidates[0], nil
}

func (m *MPRIS) property(ctx context.Context, name string) (dbus.Variant, error) {
	svc, err := m.service(ctx)
	if err != nil {
		return dbus.Variant{}, err
	}
	var v dbus.Variant
	err = m.bus.Object(svc, mprisPath).CallWithContext(ctx, propertiesGet, 0, mprisPlayerIface, name).Store(&v)
	if err != nil {
		if isServiceGone(err) {
			return dbus.Variant{}, ErrNoPlayer
		}
		return dbus.Variant{}, fmt.Errorf("failed to get %s: %w", name, err)
	}
	return v, nil
}

func isServiceGone(err error) bool {
	var dErr dbus.Error
	if errors.As(err, &dErr) {
		return dErr.Name == serviceUnknown
	}
	var pErr *dbus.Error
	return errors.As(err, &pErr) && pErr.Name == serviceUnknown
}

// Metadata 获取当前曲目
func (m *MPRIS) Metadata(ctx context.Context) (Track, error) {
	v, err := m.property(ctx, "Metadata")
	if err != nil {
		return Track{}, err
	}
	metadata, ok := v.Value().(map[string]dbus.Variant)
	if !ok {
		return Track{}, fmt.Errorf("unexpected metadata type %T", v.Value())
	}
	return trackFromMetadata(metadata)
}

// PositionMs 没有播放器时返回 0
func (m *MPRIS) PositionMs(ctx context.Context) (int64, error) {
	v, err := m.property(ctx, "Position")
	if errors.Is(err, ErrNoPlayer) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	us, ok := v.Value().(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected position type %T", v.Value())
	}
	if us < 0 {
		return 0, nil
	}
	return us / 1000, nil
}

// SeekMs 通过 SetPosition 跳转，需要当前曲目的 trackid
func (m *MPRIS) SeekMs(ctx context.Context, targetMs int64) error {
	if targetMs < 0 {
		targetMs = 0
	}
	track, err := m.Metadata(ctx)
	if err != nil {
		return err
	}
	if track.ID == "" {
		return errors.New("player did not report a track id")
	}
	svc, err := m.service(ctx)
	if err != nil {
		return err
	}
	call := m.bus.Object(svc, mprisPath).CallWithContext(ctx, mprisPlayerIface+".SetPosition", 0,
		dbus.ObjectPath(track.ID), targetMs*1000)
	if call.Err != nil {
		return fmt.Errorf("failed to seek to %dms: %w", targetMs, call.Err)
	}
	return nil
}

func trackFromMetadata(metadata map[string]dbus.Variant) (Track, error) {
	t := Track{
		Title:  stringValue(metadata["xesam:title"]),
		Artist: artistValue(metadata["xesam:artist"]),
		Album:  stringValue(metadata["xesam:album"]),
		ID:     stringValue(metadata["mpris:trackid"]),
	}
	t.Title = strings.TrimSpace(t.Title)
	t.Artist = strings.TrimSpace(t.Artist)
	if t.Title == "" {
		return Track{}, ErrNoPlayer
	}

	// mpris:length 单位是微秒，不同播放器类型不一样
	switch us := metadata["mpris:length"].Value().(type) {
	case int64:
		if us > 0 {
			t.LengthMs = us / 1000
		}
	case uint64:
		t.LengthMs = int64(us / 1000)
	case int32:
		if us > 0 {
			t.LengthMs = int64(us) / 1000
		}
	}
	return t, nil
}

func stringValue(v dbus.Variant) string {
	switch s := v.Value().(type) {
	case string:
		return s
	case dbus.ObjectPath:
		return string(s)
	}
	return ""
}

// artistValue xesam:artist 是字符串数组，多个歌手用逗号连接
func artistValue(v dbus.Variant) string {
	switch a := v.Value().(type) {
	case []string:
		return strings.Join(a, ", ")
	case string:
		return a
	}
	return ""
}
