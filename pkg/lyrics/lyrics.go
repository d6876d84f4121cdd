package lyrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/yleoer/audiosync/pkg/fsutil"
)

const defaultBaseURL = "https://lrclib.net"

// 去掉 “01 - ”、“01. ”、“1 ” 这类行首音轨编号
var trackNumberPrefix = regexp.MustCompile(`^\d+[\s.\-]+\s*`)

// Fetcher 定义歌词获取接口
type Fetcher interface {
	FetchForFile(path string) error
}

// lrclibResult 是 LRCLIB /api/get 的响应体
type lrclibResult struct {
	SyncedLyrics string `json:"syncedLyrics"`
	PlainLyrics  string `json:"plainLyrics"`
}

// LRCLIBClient 是 Fetcher 的 LRCLIB 实现
type LRCLIBClient struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewLRCLIBClient 创建一个 LRCLIBClient 实例
func NewLRCLIBClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *LRCLIBClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LRCLIBClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// FetchForFile 为一个音频文件补全 .lrc 歌词附属文件。
// 已有 .lrc 时什么也不做；艺术家和标题从文件名主干
// “Artist - Title” 形式解析，解析不出来就放弃。
// 失败只影响歌词本身，不影响同步流水线。
func (c *LRCLIBClient) FetchForFile(path string) error {
	path = fsutil.NFCPath(path)
	lrcPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".lrc"
	if _, err := os.Stat(lrcPath); err == nil {
		return nil
	}

	artist, title, ok := parseArtistTitle(path)
	if !ok {
		c.logger.Debug().Str("source", path).Msg("cannot derive artist/title for lyrics")
		return nil
	}

	lrc, err := c.fetch(artist, title)
	if err != nil {
		return err
	}
	if lrc == "" {
		c.logger.Debug().Str("artist", artist).Str("title", title).Msg("no lyrics found")
		return nil
	}

	if err := os.WriteFile(lrcPath, []byte(lrc), 0644); err != nil {
		return fmt.Errorf("failed to write lyrics file %s: %w", lrcPath, err)
	}
	c.logger.Info().Str("path", lrcPath).Msg("lyrics downloaded")
	return nil
}

func (c *LRCLIBClient) fetch(artist, title string) (string, error) {
	params := url.Values{}
	params.Set("artist_name", artist)
	params.Set("track_name", title)

	resp, err := c.httpClient.Get(c.baseURL + "/api/get?" + params.Encode())
	if err != nil {
		return "", fmt.Errorf("lyrics request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("lyrics request returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read lyrics response: %w", err)
	}
	var result lrclibResult
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to decode lyrics response: %w", err)
	}
	if result.SyncedLyrics != "" {
		return result.SyncedLyrics, nil
	}
	return result.PlainLyrics, nil
}

// parseArtistTitle 从文件名主干解析 “Artist - Title”
func parseArtistTitle(path string) (artist, title string, ok bool) {
	stem := fsutil.Stem(path)
	stem = strings.TrimSpace(trackNumberPrefix.ReplaceAllString(stem, ""))

	parts := strings.SplitN(stem, " - ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	artist = strings.TrimSpace(parts[0])
	title = strings.TrimSpace(parts[1])
	if artist == "" || title == "" {
		return "", "", false
	}
	return artist, title, true
}
