package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"lyricsync/pkg/lrclib"
	"lyricsync/pkg/store"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	appName = "lyricsync"

	DefaultSocketPath    = "/tmp/lyricsync.sock"
	DefaultCheckInterval = 2 * time.Second
	DefaultFrameInterval = 16 * time.Millisecond
	DefaultLogLevel      = "info"
	DefaultRedisAddr     = "localhost:6379"
)

func getDefaultCacheDir() string {
	// 优先使用 XDG_CACHE_HOME 环境变量
	if cacheHome := os.Getenv("XDG_CACHE_HOME"); cacheHome != "" {
		return filepath.Join(cacheHome, appName)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return appName + "_cache"
	}
	return filepath.Join(homeDir, ".cache", appName)
}

// TomlConfig TOML配置文件结构
type TomlConfig struct {
	App struct {
		SocketPath      string `toml:"socket_path"`
		CheckInterval   string `toml:"check_interval"`
		FrameInterval   string `toml:"frame_interval"`
		CacheDir        string `toml:"cache_dir"`
		LogLevel        string `toml:"log_level"`
		Player          string `toml:"player"`
		PlayerBackend   string `toml:"player_backend"`
		StatusbarSignal int    `toml:"statusbar_signal"`
	} `toml:"app"`

	Lrclib struct {
		BaseURL    string `toml:"base_url"`
		Timeout    string `toml:"timeout"`
		MaxRetries *int   `toml:"max_retries"`
	} `toml:"lrclib"`

	Cache struct {
		Backend     string `toml:"backend"`
		File        string `toml:"file"`
		LibsqlURL   string `toml:"libsql_url"`
		LibsqlToken string `toml:"libsql_token"`
	} `toml:"cache"`

	AI struct {
		ModuleName string `toml:"module_name"`
		APIKey     string `toml:"api_key"`
		BaseURL    string `toml:"base_url"` // for OpenAI
	} `toml:"ai"`

	Redis struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
	} `toml:"redis"`
}

// AppConfig 应用配置
type AppConfig struct {
	SocketPath      string
	CheckInterval   time.Duration
	FrameInterval   time.Duration
	CacheDir        string
	LogLevel        string
	Player          string
	PlayerBackend   string // playerctl 或 dbus
	StatusbarSignal int    // i3blocks 的 signal=N，0 表示不通知
}

// LrclibConfig 歌词服务配置
type LrclibConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// CacheConfig 歌词缓存配置
type CacheConfig struct {
	Backend     store.Backend
	File        string
	LibsqlURL   string
	LibsqlToken string
}

// AIConfig AI配置
type AIConfig struct {
	ModuleName string
	APIKey     string
	BaseURL    string
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Config 主配置结构
type Config struct {
	App    AppConfig
	Lrclib LrclibConfig
	Cache  CacheConfig
	AI     AIConfig
	Redis  RedisConfig
}

// StoreOptions 缓存后端的打开参数
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend:       c.Cache.Backend,
		FilePath:      c.Cache.File,
		RedisAddr:     c.Redis.Addr,
		RedisPassword: c.Redis.Password,
		RedisDB:       c.Redis.DB,
		LibsqlURL:     c.Cache.LibsqlURL,
		LibsqlToken:   c.Cache.LibsqlToken,
	}
}

// OffsetFile 歌词偏移量保存位置
func (c *Config) OffsetFile() string {
	return filepath.Join(c.App.CacheDir, "offset.json")
}

// StatusFile 当前歌词行，给状态栏之类的读取
func (c *Config) StatusFile() string {
	return filepath.Join(c.App.CacheDir, "current")
}

// Path 配置文件路径
func Path() string {
	// 优先使用 XDG_CONFIG_HOME 环境变量
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, appName, "config.toml")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Warn().Err(err).Msg("Cannot get user home directory")
		return "config.toml" // 回退到当前目录
	}
	return filepath.Join(homeDir, ".config", appName, "config.toml")
}

// Defaults 没有任何配置时的值
func Defaults() *Config {
	cacheDir := getDefaultCacheDir()
	return &Config{
		App: AppConfig{
			SocketPath:    DefaultSocketPath,
			CheckInterval: DefaultCheckInterval,
			FrameInterval: DefaultFrameInterval,
			CacheDir:      cacheDir,
			LogLevel:      DefaultLogLevel,
			PlayerBackend: "playerctl",
		},
		Lrclib: LrclibConfig{
			BaseURL:    lrclib.DefaultBaseURL,
			Timeout:    lrclib.DefaultTimeout,
			MaxRetries: lrclib.DefaultMaxRetries,
		},
		Cache: CacheConfig{
			Backend: store.BackendFile,
			File:    filepath.Join(cacheDir, "lyrics.jsonl"),
		},
		AI: AIConfig{
			ModuleName: "gemini",
		},
		Redis: RedisConfig{
			Addr: DefaultRedisAddr,
		},
	}
}

// Load 读取 .env、配置文件和环境变量。配置文件有问题时记录错误并使用默认值。
func Load() *Config {
	// .env 不存在是正常情况
	_ = godotenv.Load()

	cfg, err := LoadFile(Path())
	if err != nil {
		log.Error().Err(err).Msg("Failed to load config file, using default configuration")
		cfg = Defaults()
		applyEnv(cfg)
	}

	if cfg.AI.APIKey == "" {
		log.Warn().Msg("No AI API key configured, media titles without an artist are looked up as-is")
	}
	return cfg
}

// LoadFile 在默认值上合并指定的配置文件和环境变量，文件不存在时只用默认值
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()

	var tc TomlConfig
	if _, err := toml.DecodeFile(path, &tc); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		log.Info().Str("path", path).Msg("Config file not found, using defaults")
	} else {
		log.Info().Str("path", path).Msg("Loaded config")
		merge(cfg, &tc)
	}

	applyEnv(cfg)
	return cfg, nil
}

func merge(cfg *Config, tc *TomlConfig) {
	// 从TOML配置中覆盖App设置
	if tc.App.SocketPath != "" {
		cfg.App.SocketPath = tc.App.SocketPath
	}
	if d, ok := parseDuration("app.check_interval", tc.App.CheckInterval); ok {
		cfg.App.CheckInterval = d
	}
	if d, ok := parseDuration("app.frame_interval", tc.App.FrameInterval); ok {
		cfg.App.FrameInterval = d
	}
	if tc.App.CacheDir != "" {
		cfg.App.CacheDir = tc.App.CacheDir
		// 缓存文件默认跟着缓存目录走
		cfg.Cache.File = filepath.Join(tc.App.CacheDir, "lyrics.jsonl")
	}
	if tc.App.LogLevel != "" {
		cfg.App.LogLevel = tc.App.LogLevel
	}
	if tc.App.Player != "" {
		cfg.App.Player = tc.App.Player
	}
	if tc.App.PlayerBackend != "" {
		cfg.App.PlayerBackend = tc.App.PlayerBackend
	}
	if tc.App.StatusbarSignal > 0 {
		cfg.App.StatusbarSignal = tc.App.StatusbarSignal
	}

	if tc.Lrclib.BaseURL != "" {
		cfg.Lrclib.BaseURL = tc.Lrclib.BaseURL
	}
	if d, ok := parseDuration("lrclib.timeout", tc.Lrclib.Timeout); ok {
		cfg.Lrclib.Timeout = d
	}
	if tc.Lrclib.MaxRetries != nil && *tc.Lrclib.MaxRetries >= 0 {
		cfg.Lrclib.MaxRetries = *tc.Lrclib.MaxRetries
	}

	if tc.Cache.Backend != "" {
		cfg.Cache.Backend = store.Backend(tc.Cache.Backend)
	}
	if tc.Cache.File != "" {
		cfg.Cache.File = tc.Cache.File
	}
	if tc.Cache.LibsqlURL != "" {
		cfg.Cache.LibsqlURL = tc.Cache.LibsqlURL
	}
	if tc.Cache.LibsqlToken != "" {
		cfg.Cache.LibsqlToken = tc.Cache.LibsqlToken
	}

	// 从TOML配置中覆盖AI设置
	if tc.AI.ModuleName != "" {
		cfg.AI.ModuleName = tc.AI.ModuleName
	}
	if tc.AI.BaseURL != "" {
		cfg.AI.BaseURL = tc.AI.BaseURL
	}
	if tc.AI.APIKey != "" {
		cfg.AI.APIKey = tc.AI.APIKey
	}

	// 从TOML配置中覆盖Redis设置
	if tc.Redis.Addr != "" {
		cfg.Redis.Addr = tc.Redis.Addr
	}
	if tc.Redis.Password != "" {
		cfg.Redis.Password = tc.Redis.Password
	}
	if tc.Redis.DB != 0 {
		cfg.Redis.DB = tc.Redis.DB
	}
}

// applyEnv LYRICSYNC_* 环境变量优先级最高
func applyEnv(cfg *Config) {
	setString(&cfg.App.SocketPath, "LYRICSYNC_SOCKET_PATH")
	setString(&cfg.App.LogLevel, "LYRICSYNC_LOG_LEVEL")
	setString(&cfg.App.Player, "LYRICSYNC_PLAYER")
	setString(&cfg.App.PlayerBackend, "LYRICSYNC_PLAYER_BACKEND")
	setString(&cfg.Lrclib.BaseURL, "LYRICSYNC_LRCLIB_URL")
	if v := os.Getenv("LYRICSYNC_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = store.Backend(v)
	}
	setString(&cfg.Cache.LibsqlURL, "LYRICSYNC_LIBSQL_URL")
	setString(&cfg.Cache.LibsqlToken, "LYRICSYNC_LIBSQL_TOKEN")
	setString(&cfg.AI.ModuleName, "LYRICSYNC_AI_MODULE")
	setString(&cfg.AI.APIKey, "LYRICSYNC_AI_API_KEY")
	setString(&cfg.AI.BaseURL, "LYRICSYNC_AI_BASE_URL")
	setString(&cfg.Redis.Addr, "LYRICSYNC_REDIS_ADDR")
	setString(&cfg.Redis.Password, "LYRICSYNC_REDIS_PASSWORD")
	if v := os.Getenv("LYRICSYNC_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		} else {
			log.Warn().Str("value", v).Msg("Invalid LYRICSYNC_REDIS_DB, ignoring")
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func parseDuration(field, v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Warn().Str("field", field).Str("value", v).Msg("Invalid duration format, using default")
		return 0, false
	}
	return d, true
}
