package engine

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/yleoer/audiosync/pkg/config"
	"github.com/yleoer/audiosync/pkg/encoder"
	"github.com/yleoer/audiosync/pkg/fsutil"
	"github.com/yleoer/audiosync/pkg/guard"
	"github.com/yleoer/audiosync/pkg/resolver"
)

// Encoder 是执行引擎对外部编码/复制能力的抽象
type Encoder interface {
	Encode(spec encoder.EncodeSpec) error
	CopyVerbatim(src, dst string, force bool) error
}

// Recorder 记录每次产物变更，供 history 命令查询。
// 同步决策永远不读取这些记录，磁盘上的产物存在性是唯一的状态。
type Recorder interface {
	Record(kind, source, dest string) error
}

// LyricsFetcher 在源文件处理完成后尝试补全 .lrc 歌词附属文件
type LyricsFetcher interface {
	FetchForFile(path string) error
}

// SyncEngine 驱动全部同步工作：单文件流水线、产物删除、
// 附属文件同步以及全量对账。Scanner 和 Watcher 共享同一个实例。
type SyncEngine struct {
	cfg        *config.Config
	guard      *guard.SafetyGuard
	enc        Encoder
	history    Recorder
	lyrics     LyricsFetcher
	inProgress *inProgress
	logger     zerolog.Logger
}

// New 创建一个 SyncEngine。history 和 lyrics 均可为 nil。
func New(cfg *config.Config, g *guard.SafetyGuard, enc Encoder, history Recorder, lyrics LyricsFetcher, logger zerolog.Logger) *SyncEngine {
	return &SyncEngine{
		cfg:        cfg,
		guard:      g,
		enc:        enc,
		history:    history,
		lyrics:     lyrics,
		inProgress: newInProgress(),
		logger:     logger,
	}
}

// ProcessSourceFile 对一个源文件执行完整流水线，产出所有配置的目标。
// force 为 true 时即使产物已存在也重新生成；
// checkStable 为 true 时先等待文件大小稳定（事件触发的处理需要，
// 全量扫描时文件已静止在磁盘上，跳过）。
// 同一路径已有在途流水线时直接返回。
func (e *SyncEngine) ProcessSourceFile(path string, force, checkStable bool) {
	path = fsutil.NFCPath(path)

	if !fsutil.IsAudioFile(path) {
		return
	}
	if e.guard.Active() {
		return
	}
	if checkStable && !fsutil.WaitForStable(path, e.cfg.MinStableDuration, e.cfg.StabilityTimeout) {
		e.logger.Warn().Str("source", path).Msg("source not stable or disappeared")
		return
	}

	if !e.inProgress.TryAcquire(path) {
		return
	}
	defer e.inProgress.Release(path)

	e.processOutputs(path, force)
	if e.lyrics != nil && e.cfg.FetchLyrics {
		if err := e.lyrics.FetchForFile(path); err != nil {
			e.logger.Debug().Str("source", path).Err(err).Msg("lyrics fetch failed")
		}
	}
	e.SyncSidecars(path)
}

// processOutputs 为单个源文件生成所有目标的产物
func (e *SyncEngine) processOutputs(path string, force bool) {
	hasLosslessTwin := fsutil.IsMP3(path) && fsutil.HasLosslessSibling(path)

	for i := range e.cfg.Outputs {
		// 熔断状态在事件到达和动作执行之间可能改变，每个目标前重查
		if e.guard.Active() {
			return
		}
		target := &e.cfg.Outputs[i]
		action := resolver.Resolve(path, target, hasLosslessTwin)

		switch action.Kind {
		case resolver.Skip:
			e.logger.Debug().Str("source", path).Str("output", target.Name).Msg("skipped: lossless source takes priority")

		case resolver.CopyVerbatim:
			if !force {
				if _, err := os.Stat(action.DestPath); err == nil {
					continue
				}
			}
			e.logger.Info().Str("source", path).Str("dest", action.DestPath).Msg("copy")
			if err := e.enc.CopyVerbatim(path, action.DestPath, force); err != nil {
				e.logger.Error().Str("source", path).Str("dest", action.DestPath).Err(err).Msg("copy failed")
				continue
			}
			e.record("copy", path, action.DestPath)

		case resolver.Transcode:
			if !force {
				if _, err := os.Stat(action.DestPath); err == nil {
					continue
				}
			}
			e.logger.Info().Str("source", path).Str("dest", action.DestPath).Str("codec", target.Codec).Msg("encode")
			spec := encoder.SpecForTarget(path, action.DestPath, target)
			if err := e.enc.Encode(spec); err != nil {
				e.logger.Error().Str("source", path).Str("output", target.Name).Err(err).Msg("encode failed")
				continue
			}
			e.record("encode", path, action.DestPath)
		}
	}
}

// HasArtifacts 判断一个源文件在任意输出目录下是否已有产物。
// 移动落地和原子改名覆盖在内核层都只是新路径上的一次创建事件，
// Watcher 靠这个探测把它们和真正的新文件区分开：
// 新文件没有产物，而落在已有主干上的文件必须强制重建。
func (e *SyncEngine) HasArtifacts(path string) bool {
	path = fsutil.NFCPath(path)
	hasLosslessTwin := fsutil.IsMP3(path) && fsutil.HasLosslessSibling(path)

	for i := range e.cfg.Outputs {
		action := resolver.Resolve(path, &e.cfg.Outputs[i], hasLosslessTwin)
		if action.Kind == resolver.Skip {
			continue
		}
		if _, err := os.Stat(action.DestPath); err == nil {
			return true
		}
	}
	return false
}

// DeleteOutputs 删除一个源文件对应的所有产物。
// 源文件被删除或改名（旧身份）时调用。
func (e *SyncEngine) DeleteOutputs(path string) {
	path = fsutil.NFCPath(path)

	if e.guard.Active() {
		return
	}

	stem := fsutil.Stem(path)
	baseName := fsutil.NFC(filepath.Base(path))
	sourceIsMP3 := fsutil.IsMP3(path)

	for i := range e.cfg.Outputs {
		target := &e.cfg.Outputs[i]
		var names []string

		if sourceIsMP3 {
			if target.IsLossless() {
				// MP3 源只认领无损镜像目录里被原样复制的那份
				names = []string{baseName}
			} else if !fsutil.HasLosslessSibling(path) {
				// 转码产物可能来自同主干的无损源，只有确认没有无损源时才删
				names = []string{stem + target.Extension()}
			}
		} else {
			names = []string{stem + target.Extension()}
		}

		for _, name := range names {
			artifact := fsutil.NFCPath(filepath.Join(target.Path, name))
			if _, err := os.Stat(artifact); err != nil {
				continue
			}
			e.logger.Info().Str("artifact", artifact).Msg("remove")
			if err := os.Remove(artifact); err != nil {
				e.logger.Error().Str("artifact", artifact).Err(err).Msg("remove failed")
				continue
			}
			e.record("delete", path, artifact)
		}
	}

	e.DeleteSidecars(path)
}

// SyncSidecars 把源目录中同主干的附属文件（如 .lrc）复制到所有输出目录。
// 目标缺失或比源旧时才复制。
func (e *SyncEngine) SyncSidecars(sourcePath string) {
	sourcePath = fsutil.NFCPath(sourcePath)
	stem := fsutil.Stem(sourcePath)
	sourceDir := filepath.Dir(sourcePath)

	for _, ext := range fsutil.SidecarExtensions() {
		src := fsutil.NFCPath(filepath.Join(sourceDir, stem+ext))
		srcInfo, err := os.Stat(src)
		if err != nil || !srcInfo.Mode().IsRegular() {
			continue
		}

		for i := range e.cfg.Outputs {
			dst := fsutil.NFCPath(filepath.Join(e.cfg.Outputs[i].Path, stem+ext))
			dstInfo, err := os.Stat(dst)
			if err == nil && !srcInfo.ModTime().After(dstInfo.ModTime()) {
				continue
			}
			if err := fsutil.CopyPreserving(src, dst); err != nil {
				e.logger.Error().Str("source", src).Str("dest", dst).Err(err).Msg("sidecar copy failed")
				continue
			}
			e.logger.Info().Str("source", src).Str("dest", dst).Msg("copy sidecar")
		}
	}
}

// DeleteSidecars 从所有输出目录删除一个源文件的附属文件
func (e *SyncEngine) DeleteSidecars(sourcePath string) {
	stem := fsutil.Stem(fsutil.NFCPath(sourcePath))

	for _, ext := range fsutil.SidecarExtensions() {
		for i := range e.cfg.Outputs {
			sidecar := fsutil.NFCPath(filepath.Join(e.cfg.Outputs[i].Path, stem+ext))
			if _, err := os.Stat(sidecar); err != nil {
				continue
			}
			e.logger.Info().Str("sidecar", sidecar).Msg("remove sidecar")
			if err := os.Remove(sidecar); err != nil {
				e.logger.Error().Str("sidecar", sidecar).Err(err).Msg("remove sidecar failed")
			}
		}
	}
}

func (e *SyncEngine) record(kind, source, dest string) {
	if e.history == nil {
		return
	}
	if err := e.history.Record(kind, source, dest); err != nil {
		e.logger.Debug().Err(err).Msg("failed to record history entry")
	}
}
