package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"lyricsync/internal/sampler"
	"lyricsync/pkg/fileutil"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeTimeout   = 200 * time.Millisecond
	commandTimeout = 2 * time.Second
	maxCommandSize = 4096
)

// 客户端状态
const (
	StateIdle     = "idle"
	StateLoading  = "loading"
	StateNoLyrics = "no_lyrics"
	StateReady    = "ready"
)

// CommandHandler 处理客户端发来的偏移和跳转命令，由 sampler.Sampler 实现
type CommandHandler interface {
	Offset() int64
	SetOffset(ms int64) error
	AdjustOffset(deltaMs int64) (int64, error)
	SeekMs(ctx context.Context, targetMs int64) error
	SeekFraction(ctx context.Context, fraction float64) (int64, error)
}

// Message 服务端发给客户端的一行 JSON
type Message struct {
	Type   string         `json:"type"`
	State  string         `json:"state,omitempty"`
	Detail string         `json:"detail,omitempty"`
	Frame  *sampler.Frame `json:"frame,omitempty"`
}

// Command 客户端发来的一行 JSON
type Command struct {
	Cmd      string   `json:"cmd"`
	DeltaMs  *int64   `json:"delta_ms,omitempty"`
	SetMs    *int64   `json:"set_ms,omitempty"`
	Fraction *float64 `json:"fraction,omitempty"`
	Ms       *int64   `json:"ms,omitempty"`
}

// Reply 对单条命令的回复，只发给发命令的客户端
type Reply struct {
	Type     string `json:"type"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	OffsetMs *int64 `json:"offset_ms,omitempty"`
	TargetMs *int64 `json:"target_ms,omitempty"`
}

type Server struct {
	socketPath   string
	statusPath   string
	listener     net.Listener
	handler      CommandHandler
	lockFile     *os.File
	lockFilePath string

	clientConns     map[net.Conn]struct{}
	clientConnsLock sync.Mutex

	// 新客户端连上时先收到的两条消息
	lastState []byte
	lastFrame []byte

	statusLock sync.Mutex
	lastStatus string
	onStatus   func()

	log zerolog.Logger
}

// NewServer statusPath 为空时不写状态文件
func NewServer(socketPath, statusPath string) *Server {
	return &Server{
		socketPath:   socketPath,
		statusPath:   statusPath,
		clientConns:  make(map[net.Conn]struct{}),
		lockFilePath: socketPath + ".lock",
		log:          log.With().Str("component", "ipc").Logger(),
	}
}

// SetHandler 在 Start 之前调用
func (s *Server) SetHandler(h CommandHandler) {
	s.handler = h
}

// SetStatusHook 状态文件更新后调用，在 Start 之前设置
func (s *Server) SetStatusHook(fn func()) {
	s.onStatus = fn
}

func (s *Server) checkAndCleanOldLock() {
	content, err := os.ReadFile(s.lockFilePath)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read lock file, removing it")
		os.Remove(s.lockFilePath)
		return
	}

	pidStr := strings.TrimSpace(string(content))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		s.log.Warn().Str("pid_str", pidStr).Msg("Invalid PID in lock file, removing it")
		os.Remove(s.lockFilePath)
		return
	}

	if !isProcessRunning(pid) {
		s.log.Info().Int("old_pid", pid).Msg("Process in lock file is not running, removing lock file")
		os.Remove(s.lockFilePath)
		return
	}
	s.log.Info().Int("existing_pid", pid).Msg("Another process is still running")
}

func isProcessRunning(pid int) bool {
	// kill(pid, 0) 不发送信号，只检查进程是否存在
	return syscall.Kill(pid, 0) == nil
}

func (s *Server) acquireLock() error {
	s.checkAndCleanOldLock()

	file, err := os.OpenFile(s.lockFilePath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return errors.New("another lyricsync instance is already running")
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	// 拿到锁以后再截断，避免清掉正在运行的实例写的 PID
	if err := file.Truncate(0); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := fmt.Fprintf(file, "%d\n", os.Getpid()); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return fmt.Errorf("failed to write PID to lock file: %w", err)
	}

	s.lockFile = file
	s.log.Info().Str("lock_file", s.lockFilePath).Int("pid", os.Getpid()).Msg("Acquired process lock")
	return nil
}

func (s *Server) releaseLock() {
	if s.lockFile == nil {
		return
	}
	syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
	s.lockFile.Close()
	os.Remove(s.lockFilePath)
	s.log.Info().Str("lock_file", s.lockFilePath).Msg("Released process lock")
	s.lockFile = nil
}

func (s *Server) Start() error {
	// 首先尝试获取进程锁
	if err := s.acquireLock(); err != nil {
		return err
	}

	if err := os.RemoveAll(s.socketPath); err != nil {
		s.releaseLock()
		return err
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		s.releaseLock()
		return err
	}
	s.listener = listener

	s.log.Info().Str("socket_path", s.socketPath).Msg("IPC server listening")
	go s.acceptConnections()
	return nil
}

func (s *Server) acceptConnections() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error().Err(err).Msg("Failed to accept IPC connection")
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	s.clientConnsLock.Lock()
	s.clientConns[conn] = struct{}{}
	var err error
	for _, msg := range [][]byte{s.lastState, s.lastFrame} {
		if msg != nil && err == nil {
			err = writeLine(conn, msg)
		}
	}
	s.clientConnsLock.Unlock()

	s.log.Info().Msg("Display client connected")
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to send initial state")
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 512), maxCommandSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := s.dispatch(line)
		data, err := encode(reply)
		if err != nil {
			continue
		}
		s.clientConnsLock.Lock()
		_, alive := s.clientConns[conn]
		if alive {
			err = writeLine(conn, data)
		}
		s.clientConnsLock.Unlock()
		if !alive || err != nil {
			break
		}
	}

	s.removeClient(conn)
	s.log.Info().Msg("Display client disconnected")
}

func (s *Server) removeClient(conn net.Conn) {
	s.clientConnsLock.Lock()
	delete(s.clientConns, conn)
	s.clientConnsLock.Unlock()
	conn.Close()
}

// DecodeCommand 解析并校验一条客户端命令
func DecodeCommand(line string) (Command, error) {
	var cmd Command
	if err := json.Unmarshal([]byte(line), &cmd); err != nil {
		return Command{}, fmt.Errorf("invalid command: %w", err)
	}
	switch cmd.Cmd {
	case "offset":
		if (cmd.DeltaMs == nil) == (cmd.SetMs == nil) {
			return Command{}, errors.New("offset needs exactly one of delta_ms and set_ms")
		}
	case "seek":
		if (cmd.Fraction == nil) == (cmd.Ms == nil) {
			return Command{}, errors.New("seek needs exactly one of fraction and ms")
		}
	case "":
		return Command{}, errors.New("missing cmd")
	default:
		return Command{}, fmt.Errorf("unknown cmd %q", cmd.Cmd)
	}
	return cmd, nil
}

func (s *Server) dispatch(line string) Reply {
	cmd, err := DecodeCommand(line)
	if err != nil {
		return Reply{Type: "reply", Error: err.Error()}
	}
	if s.handler == nil {
		return Reply{Type: "reply", Error: "commands are not supported"}
	}
	return execute(s.handler, cmd)
}

func execute(h CommandHandler, cmd Command) Reply {
	reply := Reply{Type: "reply"}
	var err error

	switch cmd.Cmd {
	case "offset":
		var v int64
		if cmd.DeltaMs != nil {
			v, err = h.AdjustOffset(*cmd.DeltaMs)
		} else {
			v = *cmd.SetMs
			err = h.SetOffset(v)
		}
		// 偏移量已经生效，保存失败只影响下次启动
		reply.OffsetMs = &v
	case "seek":
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		var target int64
		if cmd.Fraction != nil {
			target, err = h.SeekFraction(ctx, *cmd.Fraction)
		} else {
			target = *cmd.Ms
			err = h.SeekMs(ctx, target)
		}
		reply.TargetMs = &target
	}

	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.OK = true
	return reply
}

// Publish 实现 sampler.Sink，每一帧发给所有客户端
func (s *Server) Publish(f sampler.Frame) {
	data, err := encode(Message{Type: "frame", Frame: &f})
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to encode frame")
		return
	}

	s.clientConnsLock.Lock()
	s.lastFrame = data
	s.broadcastLocked(data)
	s.clientConnsLock.Unlock()

	s.writeStatus(f.Text)
}

// BroadcastState 通知客户端当前状态（加载中、没有歌词等），同时清掉上一首的帧
func (s *Server) BroadcastState(state, detail string) {
	data, err := encode(Message{Type: "state", State: state, Detail: detail})
	if err != nil {
		return
	}

	s.clientConnsLock.Lock()
	s.lastState = data
	s.lastFrame = nil
	s.broadcastLocked(data)
	s.clientConnsLock.Unlock()

	if state != StateReady {
		s.writeStatus(detail)
	}
}

func (s *Server) broadcastLocked(data []byte) {
	for conn := range s.clientConns {
		if err := writeLine(conn, data); err != nil {
			s.log.Error().Err(err).Msg("Failed to write to client, removing")
			conn.Close()
			delete(s.clientConns, conn)
		}
	}
}

// writeStatus 只在内容变化时重写状态文件
func (s *Server) writeStatus(text string) {
	if s.statusPath == "" {
		return
	}
	s.statusLock.Lock()
	defer s.statusLock.Unlock()

	if text == s.lastStatus {
		return
	}
	s.lastStatus = text
	if err := fileutil.WriteFileOverwrite(s.statusPath, []byte(text+"\n"), 0644); err != nil {
		s.log.Warn().Err(err).Str("path", s.statusPath).Msg("Failed to write status file")
		return
	}
	if s.onStatus != nil {
		s.onStatus()
	}
}

// encode 编码为以换行结尾的一行
func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func writeLine(conn net.Conn, line []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := conn.Write(line)
	return err
}

func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}

	s.clientConnsLock.Lock()
	for conn := range s.clientConns {
		conn.Close()
		delete(s.clientConns, conn)
	}
	s.clientConnsLock.Unlock()

	os.Remove(s.socketPath)
	s.releaseLock()
}
