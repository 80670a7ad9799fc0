package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// File 追加写入的 JSON Lines 文件，启动时全部读入内存。
// 同一个键后写入的记录覆盖先写入的。
type File struct {
	path  string
	mu    sync.RWMutex
	cache map[string]string
	f     *os.File

	// unterminated 最后一条有效记录后面缺换行符
	unterminated bool
}

type fileRecord struct {
	Key   string `json:"k"`
	Value string `json:"v"`
}

// OpenFile 打开（不存在时创建）缓存文件。除了被截断的最后一行，任何一行格式错误都会导致打开失败。
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("cache file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	s := &File{path: path, cache: make(map[string]string)}
	if err := s.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache file %s: %w", path, err)
	}
	if s.unterminated {
		if _, err := f.Write([]byte{'\n'}); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to append to cache file %s: %w", path, err)
		}
	}
	s.f = f
	return s, nil
}

// load 读入全部记录。崩溃时写了一半的最后一行没有换行符，
// 这种尾巴会被截掉；以换行结尾的坏行仍然视为文件损坏。
func (s *File) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read cache file %s: %w", s.path, err)
	}

	offset := 0
	lineNo := 0
	for offset < len(data) {
		lineNo++
		line := data[offset:]
		terminated := false
		if i := bytes.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
			terminated = true
		}

		if len(bytes.TrimSpace(line)) > 0 {
			rec, err := parseRecord(line)
			if err != nil && !terminated {
				log.Warn().Str("path", s.path).Int("line", lineNo).Err(err).
					Msg("Dropping torn record at end of cache file")
				if err := os.Truncate(s.path, int64(offset)); err != nil {
					return fmt.Errorf("failed to truncate cache file %s: %w", s.path, err)
				}
				return nil
			}
			if err != nil {
				return fmt.Errorf("corrupt cache file %s at line %d: %w", s.path, lineNo, err)
			}
			s.cache[rec.Key] = rec.Value
			s.unterminated = !terminated
		}

		offset += len(line)
		if terminated {
			offset++
		}
	}
	return nil
}

func parseRecord(line []byte) (fileRecord, error) {
	var rec fileRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return rec, err
	}
	if rec.Key == "" {
		return rec, errors.New("empty key")
	}
	return rec, nil
}

func (s *File) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cache[key]
	return v, ok, nil
}

func (s *File) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.cache[key]; ok && old == value {
		return nil
	}

	line, err := json.Marshal(fileRecord{Key: key, Value: value})
	if err != nil {
		return err
	}
	if _, err := s.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to cache file %s: %w", s.path, err)
	}
	s.cache[key] = value
	return nil
}

func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
