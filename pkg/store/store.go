// Package store 持久化的键值缓存，用于保存已经下载过的歌词。
// 所有后端都不设置过期时间，也不限制容量。
package store

import (
	"context"
	"fmt"
)

// Store 键值存储接口
type Store interface {
	// Get 未命中时返回 ("", false, nil)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

// Backend 存储后端类型
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendRedis  Backend = "redis"
	BackendLibsql Backend = "libsql"
)

// Options 创建存储所需的参数，按后端取用
type Options struct {
	Backend Backend

	FilePath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LibsqlURL   string
	LibsqlToken string
}

// Open 根据配置创建存储后端
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendMemory:
		return NewMemory(), nil
	case BackendFile, "":
		return OpenFile(opts.FilePath)
	case BackendRedis:
		return NewRedis(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
	case BackendLibsql:
		return OpenLibsql(ctx, opts.LibsqlURL, opts.LibsqlToken)
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", opts.Backend)
	}
}
