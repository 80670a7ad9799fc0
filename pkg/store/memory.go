package store

import (
	"context"
	"sync"
)

// Memory 进程内存储，进程退出即丢失
type Memory struct {
	m sync.Map
}

func NewMemory() *Memory {
	return &Memory{}
}

func (s *Memory) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := s.m.Load(key)
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (s *Memory) Set(_ context.Context, key, value string) error {
	s.m.Store(key, value)
	return nil
}

func (s *Memory) Close() error {
	return nil
}
