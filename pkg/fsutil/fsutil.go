package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// 无损音频扩展名集合，这些格式的文件会被转码到所有输出目录
var losslessExtensions = map[string]struct{}{
	".flac": {},
	".alac": {},
	".wav":  {},
	".ape":  {},
	".aiff": {},
	".wv":   {},
	".tta":  {},
	".ogg":  {},
	".opus": {},
}

// 有损音频扩展名集合
var lossyExtensions = map[string]struct{}{
	".mp3": {},
	".aac": {},
	".m4a": {},
}

// 随音频一起同步的附属文件扩展名（歌词等）
var sidecarExtensions = map[string]struct{}{
	".lrc": {},
}

// 稳定性轮询的间隔
const stablePollInterval = 200 * time.Millisecond

// NFC 将字符串规范化为 Unicode NFC 形式
func NFC(s string) string {
	return norm.NFC.String(s)
}

// NFCPath 逐段将路径规范化为 NFC 形式，
// 保证不同规范化形式下视觉相同的文件名折叠为同一个路径
func NFCPath(p string) string {
	if p == "" {
		return p
	}
	sep := string(os.PathSeparator)
	abs := strings.HasPrefix(p, sep)
	parts := strings.Split(strings.Trim(p, sep), sep)
	for i, part := range parts {
		parts[i] = NFC(part)
	}
	out := filepath.Join(parts...)
	if abs {
		out = sep + out
	}
	return out
}

// HasAudioExt 仅根据扩展名判断路径是否为音频文件，不检查文件是否存在。
// 删除和移动事件到达时文件已经不在磁盘上，必须使用本函数而不是 IsAudioFile。
func HasAudioExt(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := losslessExtensions[ext]; ok {
		return true
	}
	_, ok := lossyExtensions[ext]
	return ok
}

// IsAudioFile 判断路径是否为磁盘上实际存在的普通音频文件
func IsAudioFile(path string) bool {
	if !HasAudioExt(path) {
		return false
	}
	info, err := os.Stat(NFCPath(path))
	return err == nil && info.Mode().IsRegular()
}

// IsLossless 判断扩展名是否属于无损格式
func IsLossless(path string) bool {
	_, ok := losslessExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsMP3 判断扩展名是否为 .mp3
func IsMP3(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ".mp3"
}

// HasSidecarExt 判断路径是否为附属文件（如 .lrc 歌词）
func HasSidecarExt(path string) bool {
	_, ok := sidecarExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// SidecarExtensions 返回附属文件扩展名列表
func SidecarExtensions() []string {
	exts := make([]string, 0, len(sidecarExtensions))
	for ext := range sidecarExtensions {
		exts = append(exts, ext)
	}
	return exts
}

// Stem 返回去掉扩展名并做 NFC 规范化后的文件名主干
func Stem(path string) string {
	base := filepath.Base(path)
	return NFC(strings.TrimSuffix(base, filepath.Ext(base)))
}

// OutputFilename 根据源文件主干和目标扩展名构造输出文件名
func OutputFilename(sourcePath, extension string) string {
	return Stem(sourcePath) + extension
}

// HasLosslessSibling 检查同目录下是否存在与 path 同主干的无损源文件
func HasLosslessSibling(path string) bool {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	dir := filepath.Dir(path)
	for ext := range losslessExtensions {
		sibling := filepath.Join(dir, stem+ext)
		if sibling == path {
			continue
		}
		if info, err := os.Stat(sibling); err == nil && info.Mode().IsRegular() {
			return true
		}
	}
	return false
}

// IsDir 检查路径当前是否为目录
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// AppearsEmpty 判断目录是否“疑似为空”。
// 目录不存在、不可读、或只包含点号开头的隐藏条目都视为空，
// 这种状态通常意味着卷没有挂载，而不是用户真的清空了目录。
func AppearsEmpty(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return true
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return true
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), ".") {
			return false
		}
	}
	return true
}

// WaitForStable 轮询文件大小，直到大小在 minStable 时长内保持不变。
// 文件消失（读取出错）或等待超过 timeout 时返回 false。
// 写入方（例如下载工具）可能在事件触发后仍在刷写数据，
// 对半成品文件转码会悄悄产出损坏的输出。
func WaitForStable(path string, minStable, timeout time.Duration) bool {
	path = NFCPath(path)
	start := time.Now()

	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	lastSize := info.Size()
	lastChange := time.Now()

	for time.Since(start) < timeout {
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		if info.Size() != lastSize {
			lastSize = info.Size()
			lastChange = time.Now()
		} else if time.Since(lastChange) >= minStable {
			return true
		}
		time.Sleep(stablePollInterval)
	}
	return false
}

// CopyPreserving 复制文件内容并保留修改时间
func CopyPreserving(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
