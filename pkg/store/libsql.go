package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
)

const libsqlSchema = `CREATE TABLE IF NOT EXISTS lyric_cache (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Libsql 基于 libsql/Turso 的存储
type Libsql struct {
	db *sql.DB
}

// OpenLibsql 连接数据库并确保缓存表存在。token 为空时按 URL 原样连接。
func OpenLibsql(ctx context.Context, dbURL, token string) (*Libsql, error) {
	if dbURL == "" {
		return nil, errors.New("libsql url is empty")
	}
	dsn, err := libsqlDSN(dbURL, token)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(initCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping libsql database: %w", err)
	}
	if _, err := db.ExecContext(initCtx, libsqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create lyric_cache table: %w", err)
	}

	return &Libsql{db: db}, nil
}

func libsqlDSN(dbURL, token string) (string, error) {
	if token == "" {
		return dbURL, nil
	}
	u, err := url.Parse(dbURL)
	if err != nil {
		return "", fmt.Errorf("invalid libsql url: %w", err)
	}
	q := u.Query()
	q.Set("authToken", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Libsql) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM lyric_cache WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query lyric_cache: %w", err)
	}
	return value, true, nil
}

func (s *Libsql) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lyric_cache (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert lyric_cache: %w", err)
	}
	return nil
}

func (s *Libsql) Close() error {
	return s.db.Close()
}
