package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/yleoer/audiosync/pkg/config"
	"github.com/yleoer/audiosync/pkg/engine"
	"github.com/yleoer/audiosync/pkg/fsutil"
)

// pendingRun 是一次被去抖延迟的流水线执行
type pendingRun struct {
	timer *time.Timer
	force bool
}

// Watcher 消费源目录（非递归）的文件系统事件，并映射为
// 同步引擎上最小的一组调用。事件四类：创建、修改、移动、删除；
// 目录事件全部忽略。
type Watcher struct {
	cfg    *config.Config
	engine *engine.SyncEngine
	logger zerolog.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*pendingRun
}

// New 创建一个 Watcher 实例
func New(cfg *config.Config, eng *engine.SyncEngine, logger zerolog.Logger) *Watcher {
	return &Watcher{
		cfg:     cfg,
		engine:  eng,
		logger:  logger,
		pending: make(map[string]*pendingRun),
	}
}

// Run 启动监听并阻塞处理事件，直到 ctx 取消
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fsw.Close()
	w.fsw = fsw

	if err := fsw.Add(w.cfg.SourcePath); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.cfg.SourcePath, err)
	}
	w.logger.Info().Str("path", w.cfg.SourcePath).Msg("watching source directory")

	for {
		select {
		case <-ctx.Done():
			w.cancelPending()
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// handleEvent 把每个事件映射到引擎调用：
//   - Create：新文件出现，过流水线（force=false，产物已存在则跳过）；
//     若该路径已有产物，则这是移动落地或原子改名覆盖（打标器的
//     写临时文件再 rename 的保存方式，内核只发 MOVED_TO），
//     内容未知，删除旧产物后强制重建
//   - Write： 内容变化，删除旧产物后强制重建
//   - Rename/Remove：旧身份消失，删除它认领的全部产物；
//     fsnotify 把移动报告为旧路径的 Rename 加新路径的 Create，
//     新身份由 Create 分支接手
func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := fsutil.NFCPath(event.Name)

	switch {
	case event.Has(fsnotify.Create):
		if fsutil.IsDir(path) {
			return
		}
		if fsutil.HasSidecarExt(path) {
			w.engine.SyncSidecars(path)
			return
		}
		if fsutil.HasAudioExt(path) {
			if w.engine.HasArtifacts(path) {
				w.engine.DeleteOutputs(path)
				w.schedule(path, true)
				return
			}
			w.schedule(path, false)
		}

	case event.Has(fsnotify.Write):
		if fsutil.IsDir(path) {
			return
		}
		if fsutil.HasSidecarExt(path) {
			w.engine.SyncSidecars(path)
			return
		}
		if fsutil.HasAudioExt(path) {
			// 内容已变，陈旧产物不能静默保留
			w.engine.DeleteOutputs(path)
			w.schedule(path, true)
		}

	case event.Has(fsnotify.Rename), event.Has(fsnotify.Remove):
		// 文件已不在磁盘上，只能按扩展名判断
		if fsutil.HasSidecarExt(path) {
			w.engine.DeleteSidecars(path)
			return
		}
		if fsutil.HasAudioExt(path) {
			w.cancelScheduled(path)
			w.engine.DeleteOutputs(path)
		}
	}
}

// schedule 为一个路径安排去抖后的流水线执行。
// 同一路径的事件风暴只会触发一次稳定性检查和一次流水线；
// 任何一个事件要求 force，整次合并后的执行就是 force。
// 去抖基于独立的定时器，绝不在事件分发的 goroutine 上睡眠。
func (w *Watcher) schedule(path string, force bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
		force = force || p.force
	}

	p := &pendingRun{force: force}
	p.timer = time.AfterFunc(w.cfg.DebounceDelay, func() {
		w.mu.Lock()
		// Stop 晚于触发时旧闭包仍会跑到这里，只允许它清掉自己的登记
		if w.pending[path] == p {
			delete(w.pending, path)
		}
		w.mu.Unlock()
		w.engine.ProcessSourceFile(path, force, true)
	})
	w.pending[path] = p
}

// cancelScheduled 取消一个路径上待执行的流水线（文件已经消失）
func (w *Watcher) cancelScheduled(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
}
