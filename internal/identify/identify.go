// Package identify turns a raw media title into a song title and artist.
package identify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"lyricsync/pkg/ai"
	"lyricsync/pkg/ai/gemini"
	"lyricsync/pkg/ai/openai"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	maxAttempts = 3
	retryDelay  = time.Second
)

// SongInfo AI 返回的结构
type SongInfo struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
	IsSong bool   `json:"is_song"`
}

func formatQuerySong(title string) string {
	return fmt.Sprintf(`请精确地按照以下JSON格式提取歌曲信息: {"is_song": true, "title": "歌曲标题", "artist": "演唱者"}。  输入是一个媒体标题，如果标题中包含歌曲信息，请返回符合格式的JSON；否则，返回{"is_song": false}。 请注意，"title" 和 "artist" 必须准确，否则将被视为错误，切记不要任何markdown格式，并将繁体中文转换为简体。 媒体标题是：%s`, title)
}

// NewAI 根据配置创建 AI 后端，apiKey 为空时返回 nil
func NewAI(ctx context.Context, moduleName, baseURL, apiKey string) (ai.AiInterface, error) {
	if apiKey == "" {
		return nil, nil
	}
	if moduleName == "" || strings.HasPrefix(moduleName, "gemini") {
		client, err := gemini.NewGemini(ctx, apiKey, moduleName)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return openai.NewOpenAi(apiKey, moduleName, baseURL), nil
}

// Identifier 带内存缓存的曲目识别
type Identifier struct {
	ai         ai.AiInterface
	retryDelay time.Duration

	mu   sync.Mutex
	memo map[string]SongInfo

	log zerolog.Logger
}

// New client 可以为 nil，此时直接使用原始标题
func New(client ai.AiInterface) *Identifier {
	return &Identifier{
		ai:         client,
		retryDelay: retryDelay,
		memo:       make(map[string]SongInfo),
		log:        log.With().Str("component", "identify").Logger(),
	}
}

// Identify 播放器已经给出歌手时原样返回；否则询问 AI。
// AI 不可用或失败时退回原始标题，歌手为空。
func (i *Identifier) Identify(ctx context.Context, title, artist string) SongInfo {
	raw := SongInfo{Title: strings.TrimSpace(title), Artist: strings.TrimSpace(artist), IsSong: true}
	if raw.Artist != "" || raw.Title == "" || i.ai == nil {
		return raw
	}

	i.mu.Lock()
	cached, ok := i.memo[raw.Title]
	i.mu.Unlock()
	if ok {
		return cached
	}

	info, err := i.query(ctx, raw.Title)
	if err != nil {
		i.log.Warn().Err(err).Str("title", raw.Title).Msg("Failed to identify track, using raw title")
		return raw
	}
	if !info.IsSong || info.Title == "" {
		i.log.Info().Str("title", raw.Title).Msg("Media title is not a song")
		info = SongInfo{Title: raw.Title}
	} else {
		i.log.Info().Str("title", info.Title).Str("artist", info.Artist).Str("backend", i.ai.Name()).Msg("Track identified")
	}

	i.mu.Lock()
	i.memo[raw.Title] = info
	i.mu.Unlock()
	return info
}

func (i *Identifier) query(ctx context.Context, title string) (SongInfo, error) {
	var (
		reply string
		err   error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		reply, err = i.ai.HandleText(ctx, formatQuerySong(title))
		if err == nil {
			break
		}
		i.log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", maxAttempts).Msg("AI query failed")
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return SongInfo{}, ctx.Err()
		case <-time.After(i.retryDelay):
		}
	}
	if err != nil {
		return SongInfo{}, fmt.Errorf("failed to query %s after %d attempts: %w", i.ai.Name(), maxAttempts, err)
	}

	var info SongInfo
	if err := json.Unmarshal([]byte(stripFence(reply)), &info); err != nil {
		return SongInfo{}, fmt.Errorf("failed to parse %s response: %w", i.ai.Name(), err)
	}
	info.Title = strings.TrimSpace(info.Title)
	info.Artist = strings.TrimSpace(info.Artist)
	return info, nil
}

// stripFence 模型偶尔还是会包一层 ```json
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
