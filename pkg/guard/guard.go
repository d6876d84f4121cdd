package guard

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yleoer/audiosync/pkg/fsutil"
)

// “guard active” 日志的最小间隔，避免长时间故障期间刷屏
const logThrottleInterval = 10 * time.Second

// SafetyGuard 是一个熔断器：当源目录或输出目录疑似为空
// （通常意味着卷未挂载）时，阻止一切具有破坏性的操作。
// 空目录在这里是一个故障信号，而不是“请清空所有产物”的指令。
type SafetyGuard struct {
	sourcePath     string
	outputPaths    []string
	allowBulkEmpty bool
	logger         zerolog.Logger

	mu      sync.Mutex
	lastLog time.Time
}

// New 创建一个 SafetyGuard 实例。
// allowBulkEmpty 为 true（默认）时，空的输出目录不会触发熔断，
// 否则首次全量编码将无法进行。
func New(sourcePath string, outputPaths []string, allowBulkEmpty bool, logger zerolog.Logger) *SafetyGuard {
	return &SafetyGuard{
		sourcePath:     sourcePath,
		outputPaths:    outputPaths,
		allowBulkEmpty: allowBulkEmpty,
		logger:         logger,
	}
}

// Active 返回熔断器当前是否处于激活（阻止变更）状态。
// 源目录为空永远触发熔断，没有任何开关可以绕过：
// 空源加上有内容的输出意味着一次误删就会清掉所有产物。
func (g *SafetyGuard) Active() bool {
	if fsutil.AppearsEmpty(g.sourcePath) {
		g.throttledLog(func(e *zerolog.Event) {
			e.Str("source", g.sourcePath).Msg("safety guard active: source directory appears empty")
		})
		return true
	}

	if g.allowBulkEmpty {
		return false
	}

	var empty []string
	for _, path := range g.outputPaths {
		if fsutil.AppearsEmpty(path) {
			empty = append(empty, path)
		}
	}
	if len(empty) > 0 {
		g.throttledLog(func(e *zerolog.Event) {
			e.Strs("empty_outputs", empty).Msg("safety guard active: empty output directories (set allow_initial_bulk_encode to allow)")
		})
		return true
	}
	return false
}

func (g *SafetyGuard) throttledLog(emit func(*zerolog.Event)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if time.Since(g.lastLog) < logThrottleInterval {
		return
	}
	g.lastLog = time.Now()
	emit(g.logger.Warn())
}
