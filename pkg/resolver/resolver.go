package resolver

import (
	"path/filepath"

	"github.com/yleoer/audiosync/pkg/config"
	"github.com/yleoer/audiosync/pkg/fsutil"
)

// ActionKind 表示针对一个 (源文件 × 输出目标) 组合应执行的动作类型
type ActionKind int

const (
	// Skip 表示该目标无需任何产物
	Skip ActionKind = iota
	// CopyVerbatim 表示原样复制源文件（保留原始文件名）
	CopyVerbatim
	// Transcode 表示调用编码器转码为目标格式
	Transcode
)

// Action 是解析结果：动作类型和产物的完整目标路径
type Action struct {
	Kind     ActionKind
	DestPath string
}

// Resolve 计算一个源文件在给定输出目标下的期望产物和动作。
// 纯映射逻辑，不触碰磁盘；是否存在同主干无损源由调用方查好传入。
//
// 决策表：
//   - 有损源 × 无损镜像目标：原样复制并保留原始文件名；
//     若同主干的无损源存在则 Skip（无损版本优先占据该目标）
//   - 其余组合：转码为 stem + 目标扩展名
func Resolve(sourcePath string, target *config.OutputConfig, hasLosslessTwin bool) Action {
	sourcePath = fsutil.NFCPath(sourcePath)

	if fsutil.IsMP3(sourcePath) && target.IsLossless() {
		if hasLosslessTwin {
			return Action{Kind: Skip}
		}
		dest := filepath.Join(target.Path, fsutil.NFC(filepath.Base(sourcePath)))
		return Action{Kind: CopyVerbatim, DestPath: dest}
	}

	dest := filepath.Join(target.Path, fsutil.OutputFilename(sourcePath, target.Extension()))
	return Action{Kind: Transcode, DestPath: fsutil.NFCPath(dest)}
}

// ValidExtensions 返回某个目标目录下合法产物的扩展名集合，供孤儿清理使用。
// 无损镜像目标除了自身扩展名外，还可能存放被原样复制进来的 .mp3。
func ValidExtensions(target *config.OutputConfig) []string {
	if target.IsLossless() {
		return []string{target.Extension(), ".mp3"}
	}
	return []string{target.Extension()}
}
