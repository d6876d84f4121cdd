package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/yleoer/audiosync/pkg/fsutil"
)

// 编解码器到输出扩展名的映射
var codecExtensions = map[string]string{
	"alac": ".m4a",
	"aac":  ".m4a",
	"mp3":  ".mp3",
	"opus": ".opus",
	"flac": ".flac",
	"wav":  ".wav",
}

// 支持内嵌封面的编解码器
var artworkCodecs = map[string]struct{}{
	"alac": {},
	"aac":  {},
	"mp3":  {},
	"flac": {},
}

// 无损编解码器
var losslessCodecs = map[string]struct{}{
	"alac": {},
	"flac": {},
	"wav":  {},
}

// 有损编解码器的默认码率
var defaultBitrates = map[string]string{
	"aac":  "256k",
	"mp3":  "256k",
	"opus": "128k",
}

const (
	defaultParallelWorkers  = 4
	defaultStabilityTimeout = 60 * time.Second
	defaultMinStable        = 1 * time.Second
	defaultDebounceDelay    = 200 * time.Millisecond
	defaultSyncInterval     = 5 * time.Minute
)

// OutputConfig 描述一个输出目标：逻辑名、编解码器和目标目录。
// 运行期间只读。
type OutputConfig struct {
	Name           string `mapstructure:"name"`
	Codec          string `mapstructure:"codec"`
	Path           string `mapstructure:"path"`
	Bitrate        string `mapstructure:"bitrate"`
	IncludeArtwork bool   `mapstructure:"include_artwork"`
}

// Extension 返回该目标产出文件的扩展名
func (o *OutputConfig) Extension() string {
	return codecExtensions[o.Codec]
}

// IsLossless 判断目标编解码器是否为无损
func (o *OutputConfig) IsLossless() bool {
	_, ok := losslessCodecs[o.Codec]
	return ok
}

// normalize 规范化并校验单个输出目标
func (o *OutputConfig) normalize() error {
	o.Codec = strings.ToLower(o.Codec)
	if _, ok := codecExtensions[o.Codec]; !ok {
		return fmt.Errorf("unknown codec %q for output %q", o.Codec, o.Name)
	}
	if o.Bitrate == "" {
		o.Bitrate = defaultBitrates[o.Codec]
	}
	// 部分容器放不下封面，静默关闭
	if _, ok := artworkCodecs[o.Codec]; !ok {
		o.IncludeArtwork = false
	}
	o.Path = fsutil.NFCPath(o.Path)
	return nil
}

// Config 是整个同步引擎的配置，加载完成后视为不可变
type Config struct {
	SourcePath             string         `mapstructure:"-"`
	Outputs                []OutputConfig `mapstructure:"-"`
	ForceReencode          bool           `mapstructure:"force_reencode"`
	AllowInitialBulkEncode bool           `mapstructure:"allow_initial_bulk_encode"`
	ParallelWorkers        int            `mapstructure:"parallel_workers"`
	StabilityTimeout       time.Duration  `mapstructure:"stability_timeout"`
	MinStableDuration      time.Duration  `mapstructure:"min_stable_duration"`
	DebounceDelay          time.Duration  `mapstructure:"debounce_delay"`
	SyncInterval           time.Duration  `mapstructure:"sync_interval"`
	FetchLyrics            bool           `mapstructure:"fetch_lyrics"`
	FFmpegPath             string         `mapstructure:"ffmpeg_path"`
	HistoryDBPath          string         `mapstructure:"history_db_path"`
	LockFilePath           string         `mapstructure:"lock_file_path"`
}

// OutputPaths 返回所有输出目录的路径
func (c *Config) OutputPaths() []string {
	paths := make([]string, 0, len(c.Outputs))
	for _, o := range c.Outputs {
		paths = append(paths, o.Path)
	}
	return paths
}

// GetOutputByName 按逻辑名查找输出目标，不存在时返回 nil
func (c *Config) GetOutputByName(name string) *OutputConfig {
	for i := range c.Outputs {
		if c.Outputs[i].Name == name {
			return &c.Outputs[i]
		}
	}
	return nil
}

// Validate 校验配置并填充默认值。
// 校验失败必须发生在任何文件系统变更之前。
func (c *Config) Validate() error {
	if c.SourcePath == "" {
		return fmt.Errorf("source path is required")
	}
	if len(c.Outputs) == 0 {
		return fmt.Errorf("at least one output is required")
	}
	names := make(map[string]struct{}, len(c.Outputs))
	paths := make(map[string]struct{}, len(c.Outputs))
	for i := range c.Outputs {
		o := &c.Outputs[i]
		if err := o.normalize(); err != nil {
			return err
		}
		if _, dup := names[o.Name]; dup {
			return fmt.Errorf("duplicate output name %q", o.Name)
		}
		names[o.Name] = struct{}{}
		if _, dup := paths[o.Path]; dup {
			return fmt.Errorf("duplicate output path %q", o.Path)
		}
		paths[o.Path] = struct{}{}
	}
	if c.ParallelWorkers <= 0 {
		c.ParallelWorkers = defaultParallelWorkers
	}
	if c.StabilityTimeout <= 0 {
		c.StabilityTimeout = defaultStabilityTimeout
	}
	if c.MinStableDuration <= 0 {
		c.MinStableDuration = defaultMinStable
	}
	if c.DebounceDelay <= 0 {
		c.DebounceDelay = defaultDebounceDelay
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = defaultSyncInterval
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	return nil
}

// Load 按优先级加载配置：
//  1. CONFIG_FILE 环境变量指向的 YAML/JSON 配置文件
//  2. CONFIG_JSON 环境变量中的内联 JSON
func Load() (*Config, error) {
	// .env 文件仅用于注入上面两个环境变量，缺失不算错误
	_ = godotenv.Load()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		return LoadFile(path)
	}
	if raw := os.Getenv("CONFIG_JSON"); raw != "" {
		v := viper.New()
		v.SetConfigType("json")
		if err := v.ReadConfig(strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("failed to parse CONFIG_JSON: %w", err)
		}
		return fromViper(v)
	}
	return nil, fmt.Errorf("no configuration found: set CONFIG_FILE (path to a YAML/JSON file) or CONFIG_JSON (inline JSON)")
}

// LoadFile 从指定路径加载 YAML/JSON 配置文件，供 --config 标志使用
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{AllowInitialBulkEncode: true}
	if err := v.UnmarshalKey("settings", cfg); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	// UnmarshalKey 在键缺失时不会动默认值，显式处理 false 的情况
	if v.IsSet("settings.allow_initial_bulk_encode") {
		cfg.AllowInitialBulkEncode = v.GetBool("settings.allow_initial_bulk_encode")
	}
	if err := v.UnmarshalKey("outputs", &cfg.Outputs); err != nil {
		return nil, fmt.Errorf("failed to decode outputs: %w", err)
	}
	cfg.SourcePath = fsutil.NFCPath(v.GetString("source.path"))
	if cfg.HistoryDBPath == "" && cfg.SourcePath != "" {
		cfg.HistoryDBPath = filepath.Join(filepath.Dir(cfg.SourcePath), "audiosync.db")
	}
	if cfg.LockFilePath == "" {
		cfg.LockFilePath = filepath.Join(os.TempDir(), "audiosync.lock")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
