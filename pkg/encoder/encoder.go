package encoder

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/yleoer/audiosync/pkg/config"
	"github.com/yleoer/audiosync/pkg/fsutil"
)

// TempSuffix 是原子写入使用的临时文件后缀。
// 带此后缀的文件永远不是合法产物，每轮全量同步前会被无条件清除。
const TempSuffix = ".tmp__ff"

// 封面/视频流解码失败时 ffmpeg 诊断输出中会出现的特征串（统一小写比较）。
// 命中任意一个就值得去掉封面重试一次。
var artworkErrorHints = []string{"vf#", "vist#", "vipsjpeg", "png", "mjpeg", "decode"}

// EncodeSpec 是一次转码的完整参数。
// 命令行参数始终由本结构体生成，去掉封面重试时重建一份
// IncludeArtwork=false 的 spec 再生成，绝不在扁平参数列表上做拼接删除。
type EncodeSpec struct {
	Source         string
	Dest           string
	Codec          string
	Bitrate        string
	IncludeArtwork bool
}

// BuildArgs 根据 EncodeSpec 生成 ffmpeg 命令行参数（不含可执行文件本身）
func BuildArgs(spec EncodeSpec) ([]string, error) {
	args := []string{
		"-loglevel", "error", "-y",
		"-i", fsutil.NFCPath(spec.Source),
		"-map", "0:a:0",
	}
	if spec.IncludeArtwork {
		// 第一个视频/图片流，问号表示可选
		args = append(args, "-map", "0:v:0?")
	}
	args = append(args, "-map_metadata", "0")

	switch spec.Codec {
	case "alac":
		args = append(args, "-c:a", "alac")
		if spec.IncludeArtwork {
			args = append(args, "-c:v", "copy")
		}
		args = append(args, "-movflags", "+faststart", "-f", "mp4")
	case "aac":
		args = append(args, "-c:a", "aac", "-b:a", spec.Bitrate)
		if spec.IncludeArtwork {
			args = append(args, "-c:v", "copy")
		}
		args = append(args, "-movflags", "+faststart", "-f", "mp4")
	case "mp3":
		args = append(args, "-c:a", "libmp3lame", "-b:a", spec.Bitrate)
		if spec.IncludeArtwork {
			// ID3 APIC 封面需要 mjpeg
			args = append(args, "-c:v", "mjpeg")
		}
		args = append(args, "-id3v2_version", "3", "-write_id3v2", "1", "-f", "mp3")
	case "opus":
		args = append(args, "-c:a", "libopus", "-b:a", spec.Bitrate, "-f", "opus")
	case "flac":
		args = append(args, "-c:a", "flac")
		if spec.IncludeArtwork {
			args = append(args, "-c:v", "copy")
		}
		args = append(args, "-f", "flac")
	case "wav":
		args = append(args, "-c:a", "pcm_s16le", "-f", "wav")
	default:
		return nil, fmt.Errorf("unsupported codec: %s", spec.Codec)
	}

	args = append(args, fsutil.NFCPath(spec.Dest))
	return args, nil
}

// SpecForTarget 从输出目标配置构造 EncodeSpec
func SpecForTarget(source, dest string, target *config.OutputConfig) EncodeSpec {
	return EncodeSpec{
		Source:         source,
		Dest:           dest,
		Codec:          target.Codec,
		Bitrate:        target.Bitrate,
		IncludeArtwork: target.IncludeArtwork,
	}
}

// FFmpegEncoder 通过调用外部 ffmpeg 完成转码和复制
type FFmpegEncoder struct {
	ffmpegPath string
	logger     zerolog.Logger
}

// NewFFmpegEncoder 创建一个 FFmpegEncoder 实例
func NewFFmpegEncoder(ffmpegPath string, logger zerolog.Logger) *FFmpegEncoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegEncoder{ffmpegPath: ffmpegPath, logger: logger}
}

// Encode 以原子方式执行一次转码：
// 写入同目录下的临时路径，成功后用一次 rename 覆盖最终路径。
// 任何失败路径上都会删除临时文件，Dest 永远不会处于半写状态。
// 若失败且诊断输出命中封面解码特征，则去掉封面相关选项重试一次。
func (e *FFmpegEncoder) Encode(spec EncodeSpec) error {
	finalDest := fsutil.NFCPath(spec.Dest)
	if err := os.MkdirAll(filepath.Dir(finalDest), 0755); err != nil {
		return fmt.Errorf("failed to create output directory for %s: %w", finalDest, err)
	}
	tmpDest := finalDest + TempSuffix
	// 上次中断可能留下同名临时文件
	_ = os.Remove(tmpDest)

	stderr, err := e.runOnce(spec, tmpDest, finalDest)
	if err == nil {
		return nil
	}

	if spec.IncludeArtwork && looksLikeArtworkFailure(stderr) {
		e.logger.Warn().Str("dest", finalDest).Msg("retrying without cover art")
		retry := spec
		retry.IncludeArtwork = false
		if _, retryErr := e.runOnce(retry, tmpDest, finalDest); retryErr != nil {
			return fmt.Errorf("encode retry without artwork failed for %s: %w", finalDest, retryErr)
		}
		return nil
	}
	return fmt.Errorf("encode failed for %s: %w", finalDest, err)
}

// runOnce 执行一次 ffmpeg 调用并在成功时完成原子替换，返回捕获的 stderr
func (e *FFmpegEncoder) runOnce(spec EncodeSpec, tmpDest, finalDest string) (string, error) {
	tmpSpec := spec
	tmpSpec.Dest = tmpDest
	args, err := BuildArgs(tmpSpec)
	if err != nil {
		return "", err
	}

	e.logger.Debug().Str("cmd", e.ffmpegPath+" "+strings.Join(args, " ")).Msg("running ffmpeg")
	cmd := exec.Command(e.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		e.logger.Error().
			Str("dest", finalDest).
			Str("stderr", strings.TrimSpace(stderr.String())).
			Err(err).
			Msg("ffmpeg failed")
		_ = os.Remove(tmpDest)
		return stderr.String(), err
	}

	if err := os.Rename(tmpDest, finalDest); err != nil {
		_ = os.Remove(tmpDest)
		return stderr.String(), fmt.Errorf("atomic replace failed: %w", err)
	}
	return stderr.String(), nil
}

// CopyVerbatim 原样复制源文件到目标路径，保留修改时间。
// 目标已存在且未要求强制时跳过。复制同样经由临时文件加 rename 落盘。
func (e *FFmpegEncoder) CopyVerbatim(src, dst string, force bool) error {
	dst = fsutil.NFCPath(dst)
	if !force {
		if _, err := os.Stat(dst); err == nil {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create output directory for %s: %w", dst, err)
	}
	tmp := dst + TempSuffix
	if err := fsutil.CopyPreserving(src, tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("copy failed %s -> %s: %w", src, dst, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("atomic replace failed for %s: %w", dst, err)
	}
	return nil
}

func looksLikeArtworkFailure(stderr string) bool {
	lowered := strings.ToLower(stderr)
	for _, hint := range artworkErrorHints {
		if strings.Contains(lowered, hint) {
			return true
		}
	}
	return false
}
