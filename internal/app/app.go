package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"lyricsync/internal/config"
	"lyricsync/internal/i3block"
	"lyricsync/internal/identify"
	"lyricsync/internal/ipc"
	"lyricsync/internal/lyriccache"
	"lyricsync/internal/lyrics"
	"lyricsync/internal/player"
	"lyricsync/internal/sampler"
	"lyricsync/pkg/lrclib"
	"lyricsync/pkg/store"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const fetchTimeout = 30 * time.Second

// MetadataSource 当前播放曲目
type MetadataSource interface {
	Metadata(ctx context.Context) (player.Track, error)
}

// StateBroadcaster 通知显示端加载状态
type StateBroadcaster interface {
	BroadcastState(state, detail string)
}

type App struct {
	cfg        *config.Config
	ipcServer  *ipc.Server
	store      store.Store
	cache      *lyriccache.Cache
	metadata   MetadataSource
	player     player.Player
	identifier *identify.Identifier
	sampler    *sampler.Sampler
	states     StateBroadcaster
	notifier   *i3block.Notifier

	currentSong string
	idle        bool

	log zerolog.Logger
}

// SetupLogging 设置 zerolog 的全局配置
func SetupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if err != nil {
		log.Warn().Str("log_level", level).Msg("Unknown log level, using info")
	}
}

// NewCache 打开配置的缓存后端并创建带缓存的歌词查询
func NewCache(ctx context.Context, cfg *config.Config) (*lyriccache.Cache, store.Store, error) {
	st, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s cache: %w", cfg.Cache.Backend, err)
	}
	client := lrclib.NewClient(cfg.Lrclib.BaseURL, cfg.Lrclib.Timeout, cfg.Lrclib.MaxRetries)
	return lyriccache.New(client, st), st, nil
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := os.MkdirAll(cfg.App.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", cfg.App.CacheDir, err)
	}

	cache, st, err := NewCache(ctx, cfg)
	if err != nil {
		return nil, err
	}

	aiClient, err := identify.NewAI(ctx, cfg.AI.ModuleName, cfg.AI.BaseURL, cfg.AI.APIKey)
	if err != nil {
		// 没有 AI 也能工作，只是识别不了视频标题
		log.Warn().Err(err).Str("module", cfg.AI.ModuleName).Msg("Failed to create AI client")
		aiClient = nil
	}

	pl, err := player.Open(cfg.App.PlayerBackend, cfg.App.Player)
	if err != nil {
		st.Close()
		return nil, err
	}
	ipcServer := ipc.NewServer(cfg.App.SocketPath, cfg.StatusFile())
	smp := sampler.New(pl, ipcServer, sampler.Options{
		Interval: cfg.App.FrameInterval,
		Seeker:   pl,
		Offsets:  sampler.NewOffsetStore(cfg.OffsetFile()),
	})
	ipcServer.SetHandler(smp)

	var notifier *i3block.Notifier
	if cfg.App.StatusbarSignal > 0 {
		notifier = i3block.NewNotifier(cfg.App.StatusbarSignal)
		ipcServer.SetStatusHook(notifier.Notify)
	}

	return &App{
		cfg:        cfg,
		ipcServer:  ipcServer,
		store:      st,
		cache:      cache,
		metadata:   pl,
		player:     pl,
		identifier: identify.New(aiClient),
		sampler:    smp,
		states:     ipcServer,
		notifier:   notifier,
		log:        log.With().Str("component", "app").Logger(),
	}, nil
}

// Run 直到 ctx 结束
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	if c, ok := a.player.(io.Closer); ok {
		defer c.Close()
	}
	a.log.Info().Str("cache_dir", a.cfg.App.CacheDir).Str("backend", string(a.cfg.Cache.Backend)).Msg("Lyrics cache")

	if err := a.ipcServer.Start(); err != nil {
		return fmt.Errorf("failed to start IPC server: %w", err)
	}
	defer a.ipcServer.Close()

	if a.notifier != nil {
		a.notifier.Start(ctx)
	}

	if err := a.sampler.Start(ctx); err != nil {
		return err
	}
	defer a.sampler.Stop()

	ticker := time.NewTicker(a.cfg.App.CheckInterval)
	defer ticker.Stop()

	a.log.Info().Dur("check_interval", a.cfg.App.CheckInterval).Msg("Starting player check loop...")
	for {
		a.updateSongInfo(ctx)
		select {
		case <-ctx.Done():
			a.log.Info().Msg("Shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

func (a *App) updateSongInfo(ctx context.Context) {
	track, err := a.metadata.Metadata(ctx)
	if err != nil {
		if !errors.Is(err, player.ErrNoPlayer) {
			a.log.Warn().Err(err).Msg("Failed to read player metadata")
		}
		if !a.idle {
			a.sampler.ClearTrack()
			a.states.BroadcastState(ipc.StateIdle, "No music playing...")
			a.currentSong = ""
			a.idle = true
		}
		return
	}
	a.idle = false

	songIdentifier := track.Identifier()
	if songIdentifier == a.currentSong {
		return
	}
	a.log.Info().Msg("-----------------------------------------------------")
	a.log.Info().Str("song", songIdentifier).Msg("New song detected")
	a.currentSong = songIdentifier

	a.sampler.ClearTrack()
	a.states.BroadcastState(ipc.StateLoading, fmt.Sprintf("... Searching for lyrics for %s ...", displayName(track)))

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	info := a.identifier.Identify(fetchCtx, track.Title, track.Artist)
	res, err := a.cache.Fetch(fetchCtx, lyriccache.Query{
		Title:      info.Title,
		Artist:     info.Artist,
		DurationMs: track.LengthMs,
	})
	if err != nil {
		a.log.Error().Err(err).Str("song", songIdentifier).Msg("Failed to get lyrics")
		a.states.BroadcastState(ipc.StateNoLyrics, fmt.Sprintf("Error getting lyrics: %v", err))
		return
	}
	if !res.Found {
		a.states.BroadcastState(ipc.StateNoLyrics, fmt.Sprintf("No lyrics found for %s", displayName(track)))
		return
	}

	parsed := lyrics.Parse(res.Text)
	a.log.Info().
		Bool("cached", res.Cached).
		Str("source", string(res.Source)).
		Bool("synced", parsed.Synced).
		Int("lines_count", len(parsed.Lines)).
		Msg("Lyrics ready")
	a.sampler.SetTrack(parsed, track.LengthMs)
	a.states.BroadcastState(ipc.StateReady, displayName(track))
}

func displayName(t player.Track) string {
	if t.Artist == "" {
		return t.Title
	}
	return t.Artist + " - " + t.Title
}
