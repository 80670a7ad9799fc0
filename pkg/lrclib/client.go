package lrclib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseURL    = "https://lrclib.net/api"
	DefaultTimeout    = 5 * time.Second
	DefaultMaxRetries = 2
	userAgent         = "lyricsync/1.0 (https://github.com/lyricsync)"
)

// ErrNotFound LRCLib 返回 404，表示没有这首歌的歌词
var ErrNotFound = errors.New("lrclib: lyrics not found")

// ErrInvalidResponse 2xx 响应但响应体不是合法的 JSON，重试也不会变好
var ErrInvalidResponse = errors.New("lrclib: invalid response body")

// StatusError 非 2xx 且非 404 的响应
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("lrclib: unexpected status %d", e.StatusCode)
}

// Retryable 5xx 和 429 可以重试，其余 4xx 重试也不会有不同结果
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client LRCLib客户端
type Client struct {
	httpClient     *http.Client
	baseURL        string
	requestTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration
	log            zerolog.Logger
}

// Response LRCLib /get 接口响应结构
type Response struct {
	ID           int     `json:"id"`
	TrackName    string  `json:"trackName"`
	ArtistName   string  `json:"artistName"`
	AlbumName    string  `json:"albumName"`
	Duration     float64 `json:"duration"`
	Instrumental bool    `json:"instrumental"`
	PlainLyrics  string  `json:"plainLyrics"`
	SyncedLyrics string  `json:"syncedLyrics"`
	Lyrics       string  `json:"lyrics"`
}

// Source 歌词来源字段
type Source string

const (
	SourceSynced Source = "synced"
	SourcePlain  Source = "plain"
	SourceLyrics Source = "lyrics"
)

// Text 优先返回同步歌词，其次纯文本歌词，最后是通用 lyrics 字段
func (r *Response) Text() (string, Source, bool) {
	switch {
	case r == nil:
		return "", "", false
	case r.SyncedLyrics != "":
		return r.SyncedLyrics, SourceSynced, true
	case r.PlainLyrics != "":
		return r.PlainLyrics, SourcePlain, true
	case r.Lyrics != "":
		return r.Lyrics, SourceLyrics, true
	}
	return "", "", false
}

// Query 查询参数，DurationSec 为 0 时不传 duration
type Query struct {
	Title       string
	Artist      string
	DurationSec int64
}

// NewClient 创建新的LRCLib客户端，零值参数使用默认配置
func NewClient(baseURL string, timeout time.Duration, maxRetries int) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		httpClient:     &http.Client{Timeout: timeout},
		baseURL:        baseURL,
		requestTimeout: timeout,
		maxRetries:     maxRetries,
		retryDelay:     500 * time.Millisecond,
		log:            log.With().Str("component", "lrclib").Logger(),
	}
}

// GetProviderName 返回提供商名称
func (c *Client) GetProviderName() string {
	return "LRCLib"
}

// Get 按歌名、歌手和时长精确查询歌词
func (c *Client) Get(ctx context.Context, q Query) (*Response, error) {
	params := url.Values{}
	params.Set("track_name", q.Title)
	params.Set("artist_name", q.Artist)
	if q.DurationSec > 0 {
		params.Set("duration", strconv.FormatInt(q.DurationSec, 10))
	}
	getURL := fmt.Sprintf("%s/get?%s", c.baseURL, params.Encode())

	var lastErr error
	// 重试机制
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.log.Info().Int("attempt", attempt).Int("max_retries", c.maxRetries).Msg("Retrying request")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * c.retryDelay):
			}
		}

		resp, err := c.doGet(ctx, getURL)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidResponse) {
			return nil, err
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("Request failed")
		lastErr = err
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *Client) doGet(ctx context.Context, getURL string) (*Response, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, getURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	// 设置User-Agent
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &out, nil
}
