package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"lyricsync/internal/lyrics"
	"lyricsync/internal/sampler"
)

type fakeHandler struct {
	mu      sync.Mutex
	offset  int64
	seekErr error
	seeked  int64
}

func (h *fakeHandler) Offset() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.offset
}

func (h *fakeHandler) SetOffset(ms int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offset = ms
	return nil
}

func (h *fakeHandler) AdjustOffset(deltaMs int64) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offset += deltaMs
	return h.offset, nil
}

func (h *fakeHandler) SeekMs(_ context.Context, targetMs int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seeked = targetMs
	return h.seekErr
}

func (h *fakeHandler) SeekFraction(ctx context.Context, fraction float64) (int64, error) {
	target := lyrics.SeekTarget(fraction, 100000)
	return target, h.SeekMs(ctx, target)
}

func TestDecodeCommand(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"offset delta", `{"cmd":"offset","delta_ms":-250}`, false},
		{"offset set", `{"cmd":"offset","set_ms":0}`, false},
		{"seek fraction", `{"cmd":"seek","fraction":0.5}`, false},
		{"seek ms", `{"cmd":"seek","ms":12000}`, false},
		{"offset both", `{"cmd":"offset","delta_ms":1,"set_ms":2}`, true},
		{"offset none", `{"cmd":"offset"}`, true},
		{"seek none", `{"cmd":"seek"}`, true},
		{"unknown", `{"cmd":"play"}`, true},
		{"missing cmd", `{}`, true},
		{"not json", `offset +100`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeCommand(tc.in)
			if (err != nil) != tc.wantErr {
				t.Errorf("DecodeCommand(%s): unexpected error state %v", tc.in, err)
			}
		})
	}
}

func TestExecute(t *testing.T) {
	h := &fakeHandler{}

	cmd, _ := DecodeCommand(`{"cmd":"offset","delta_ms":300}`)
	reply := execute(h, cmd)
	if !reply.OK || reply.OffsetMs == nil || *reply.OffsetMs != 300 {
		t.Errorf("unexpected reply %+v", reply)
	}

	cmd, _ = DecodeCommand(`{"cmd":"offset","set_ms":-120}`)
	if reply := execute(h, cmd); !reply.OK || *reply.OffsetMs != -120 || h.Offset() != -120 {
		t.Errorf("unexpected reply %+v offset %d", reply, h.Offset())
	}

	cmd, _ = DecodeCommand(`{"cmd":"seek","fraction":0.25}`)
	if reply := execute(h, cmd); !reply.OK || *reply.TargetMs != 25000 || h.seeked != 25000 {
		t.Errorf("unexpected reply %+v", reply)
	}

	h.seekErr = errors.New("player gone")
	cmd, _ = DecodeCommand(`{"cmd":"seek","ms":1000}`)
	if reply := execute(h, cmd); reply.OK || reply.Error != "player gone" {
		t.Errorf("expected seek failure in reply, got %+v", reply)
	}
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	socket := filepath.Join(dir, "s.sock")
	srv := NewServer(socket, filepath.Join(dir, "current"))
	srv.SetHandler(&fakeHandler{})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv, dir
}

type testClient struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func dial(t *testing.T, socket string) *testClient {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn, scanner: bufio.NewScanner(conn)}
}

// next 读取下一条指定类型的消息，跳过其他类型
func (c *testClient) next(t *testing.T, typ string, v any) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for c.scanner.Scan() {
		var head struct {
			Type string `json:"type"`
		}
		line := c.scanner.Bytes()
		if err := json.Unmarshal(line, &head); err != nil {
			t.Fatalf("invalid line %q: %v", line, err)
		}
		if head.Type != typ {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			t.Fatalf("invalid %s message: %v", typ, err)
		}
		return
	}
	t.Fatalf("no %s message received: %v", typ, c.scanner.Err())
}

func TestServerBroadcastsStateAndFrames(t *testing.T) {
	srv, dir := startServer(t)
	srv.BroadcastState(StateLoading, "Artist - Song")

	client := dial(t, filepath.Join(dir, "s.sock"))

	var state Message
	client.next(t, "state", &state)
	if state.State != StateLoading || state.Detail != "Artist - Song" {
		t.Errorf("unexpected state %+v", state)
	}

	srv.Publish(sampler.Frame{SessionID: "abc", Text: "hello", Cursor: lyrics.Cursor{LineIndex: 2, LineProgress: 0.5}})
	var frame Message
	client.next(t, "frame", &frame)
	if frame.Frame == nil || frame.Frame.Text != "hello" || frame.Frame.Cursor.LineIndex != 2 {
		t.Errorf("unexpected frame %+v", frame.Frame)
	}
}

func TestServerHandlesCommands(t *testing.T) {
	_, dir := startServer(t)
	client := dial(t, filepath.Join(dir, "s.sock"))

	if _, err := client.conn.Write([]byte("{\"cmd\":\"offset\",\"delta_ms\":100}\n\n{\"cmd\":\"jump\"}\n")); err != nil {
		t.Fatal(err)
	}

	var reply Reply
	client.next(t, "reply", &reply)
	if !reply.OK || reply.OffsetMs == nil || *reply.OffsetMs != 100 {
		t.Errorf("unexpected reply %+v", reply)
	}

	reply = Reply{}
	client.next(t, "reply", &reply)
	if reply.OK || !strings.Contains(reply.Error, "unknown cmd") {
		t.Errorf("expected error reply, got %+v", reply)
	}
}

func TestStatusFileWrittenOnChange(t *testing.T) {
	srv, dir := startServer(t)
	status := filepath.Join(dir, "current")
	hooks := 0
	srv.SetStatusHook(func() { hooks++ })

	srv.Publish(sampler.Frame{Text: "first line"})
	data, err := os.ReadFile(status)
	if err != nil || string(data) != "first line\n" {
		t.Fatalf("unexpected status %q %v", data, err)
	}

	// 内容不变时不重写
	os.Remove(status)
	srv.Publish(sampler.Frame{Text: "first line"})
	if _, err := os.Stat(status); !os.IsNotExist(err) {
		t.Error("status file should not be rewritten for the same line")
	}

	srv.Publish(sampler.Frame{Text: "second line"})
	if data, _ := os.ReadFile(status); string(data) != "second line\n" {
		t.Errorf("unexpected status %q", data)
	}
	if hooks != 2 {
		t.Errorf("expected status hook to run twice, got %d", hooks)
	}
}

func TestSecondInstanceIsRejected(t *testing.T) {
	_, dir := startServer(t)
	other := NewServer(filepath.Join(dir, "s.sock"), "")
	if err := other.Start(); err == nil {
		other.Close()
		t.Fatal("expected second instance to fail to acquire the lock")
	}
}
