package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/yleoer/audiosync/pkg/encoder"
	"github.com/yleoer/audiosync/pkg/fsutil"
	"github.com/yleoer/audiosync/pkg/resolver"
)

// InitialSync 执行一轮完整对账：
// 清理残留临时文件 → （可选）强制清空输出 → 枚举源文件 →
// 通过有界工作池逐个过流水线 → 清理孤儿产物。
// 守护进程启动时跑一次，之后按固定间隔重复，以修复漏掉的事件。
func (e *SyncEngine) InitialSync() {
	for _, path := range e.cfg.OutputPaths() {
		if err := os.MkdirAll(path, 0755); err != nil {
			e.logger.Error().Str("path", path).Err(err).Msg("failed to create output directory")
		}
	}

	if cleaned := e.CleanupStaleTemp(); cleaned > 0 {
		e.logger.Info().Int("count", cleaned).Msg("cleaned up stale temp files from interrupted encodes")
	}

	if e.cfg.ForceReencode {
		e.logger.Info().Msg("force re-encode enabled, purging all outputs")
		e.PurgeAllOutputs()
	}

	if e.guard.Active() {
		e.logger.Info().Msg("sync skipped: safety guard active")
		return
	}

	sourceFiles, err := e.enumerateSourceFiles()
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to scan source directory")
		return
	}

	sourceStems := make(map[string]struct{}, len(sourceFiles))
	for _, f := range sourceFiles {
		sourceStems[fsutil.Stem(f)] = struct{}{}
	}

	e.logger.Info().
		Int("files", len(sourceFiles)).
		Int("workers", e.cfg.ParallelWorkers).
		Msg("processing source files")

	// 单个文件的失败绝不能中断其他文件的处理，worker 里只记日志
	var g errgroup.Group
	g.SetLimit(e.cfg.ParallelWorkers)
	for _, f := range sourceFiles {
		f := f
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error().Str("source", f).Any("panic", r).Msg("pipeline panicked")
				}
			}()
			e.ProcessSourceFile(f, false, false)
			return nil
		})
	}
	_ = g.Wait()

	if e.guard.Active() {
		e.logger.Info().Msg("orphan cleanup skipped: safety guard active")
		return
	}

	e.cleanupOrphans(sourceStems)
	e.logger.Info().Msg("sync complete")
}

// enumerateSourceFiles 列出源目录（非递归）下所有可识别的音频文件
func (e *SyncEngine) enumerateSourceFiles() ([]string, error) {
	entries, err := os.ReadDir(e.cfg.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read source directory %s: %w", e.cfg.SourcePath, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(e.cfg.SourcePath, entry.Name())
		if fsutil.IsAudioFile(path) {
			files = append(files, fsutil.NFCPath(path))
		}
	}
	return files, nil
}

// CleanupStaleTemp 无条件删除所有输出目录里带临时后缀的文件。
// 这类文件只会由被打断的原子写入留下，永远不是合法产物。
func (e *SyncEngine) CleanupStaleTemp() int {
	cleaned := 0
	for _, path := range e.cfg.OutputPaths() {
		entries, err := os.ReadDir(path)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), encoder.TempSuffix) {
				continue
			}
			stale := filepath.Join(path, entry.Name())
			if err := os.Remove(stale); err != nil {
				e.logger.Error().Str("path", stale).Err(err).Msg("failed to remove stale temp file")
				continue
			}
			e.logger.Info().Str("path", stale).Msg("cleanup stale temp")
			cleaned++
		}
	}
	return cleaned
}

// PurgeAllOutputs 清空所有输出目录，仅在强制重编码时使用，受熔断器保护
func (e *SyncEngine) PurgeAllOutputs() {
	if e.guard.Active() {
		e.logger.Warn().Msg("force re-encode requested but safety guard is active")
		return
	}

	for _, path := range e.cfg.OutputPaths() {
		if err := os.MkdirAll(path, 0755); err != nil {
			e.logger.Error().Str("path", path).Err(err).Msg("failed to create output directory")
			continue
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			e.logger.Error().Str("path", path).Err(err).Msg("failed to read output directory")
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			victim := filepath.Join(path, entry.Name())
			if err := os.Remove(victim); err != nil {
				e.logger.Error().Str("path", victim).Err(err).Msg("purge failed")
				continue
			}
			e.logger.Info().Str("path", victim).Msg("purge")
			e.record("purge", "", victim)
		}
	}
}

// cleanupOrphans 删除不再有对应源文件的产物。
// 特例：无损镜像目录里被原样复制的 .mp3，在同主干的无损源出现后
// 也算孤儿（无损版本会取代它）。
func (e *SyncEngine) cleanupOrphans(sourceStems map[string]struct{}) {
	losslessStems := e.collectLosslessStems()

	for i := range e.cfg.Outputs {
		target := &e.cfg.Outputs[i]
		validExts := resolver.ValidExtensions(target)

		entries, err := os.ReadDir(target.Path)
		if err != nil {
			e.logger.Error().Str("path", target.Path).Err(err).Msg("failed to scan for orphans")
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			ext := strings.ToLower(filepath.Ext(name))
			if !containsExt(validExts, ext) {
				continue
			}

			stem := fsutil.Stem(name)
			_, hasSource := sourceStems[stem]
			orphan := !hasSource
			if target.IsLossless() && ext == ".mp3" {
				if _, superseded := losslessStems[stem]; superseded {
					orphan = true
				}
			}
			if !orphan {
				continue
			}

			artifact := fsutil.NFCPath(filepath.Join(target.Path, name))
			if err := os.Remove(artifact); err != nil {
				e.logger.Error().Str("artifact", artifact).Err(err).Msg("failed to remove orphan")
				continue
			}
			e.logger.Info().Str("artifact", artifact).Msg("remove orphan")
			e.record("delete", "", artifact)
		}
	}

	e.cleanupOrphanSidecars(sourceStems)
}

// cleanupOrphanSidecars 删除输出目录中失去源文件的附属文件
func (e *SyncEngine) cleanupOrphanSidecars(sourceStems map[string]struct{}) {
	for i := range e.cfg.Outputs {
		entries, err := os.ReadDir(e.cfg.Outputs[i].Path)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !fsutil.HasSidecarExt(entry.Name()) {
				continue
			}
			if _, ok := sourceStems[fsutil.Stem(entry.Name())]; ok {
				continue
			}
			sidecar := fsutil.NFCPath(filepath.Join(e.cfg.Outputs[i].Path, entry.Name()))
			if err := os.Remove(sidecar); err != nil {
				e.logger.Error().Str("sidecar", sidecar).Err(err).Msg("failed to remove orphan sidecar")
				continue
			}
			e.logger.Info().Str("sidecar", sidecar).Msg("remove orphan sidecar")
		}
	}
}

// collectLosslessStems 收集源目录中所有无损文件的主干
func (e *SyncEngine) collectLosslessStems() map[string]struct{} {
	stems := make(map[string]struct{})
	entries, err := os.ReadDir(e.cfg.SourcePath)
	if err != nil {
		return stems
	}
	for _, entry := range entries {
		if entry.IsDir() || !fsutil.IsLossless(entry.Name()) {
			continue
		}
		stems[fsutil.Stem(entry.Name())] = struct{}{}
	}
	return stems
}

func containsExt(exts []string, ext string) bool {
	for _, e := range exts {
		if e == ext {
			return true
		}
	}
	return false
}
