package engine

import "sync"

// inProgress 是进程内的源路径互斥注册表，
// 保证同一个源文件同时最多只有一条流水线在跑。
// 这不是队列：重复到达的事件直接丢弃而不是排队，
// 在途的那条流水线稳定性确认后自然会反映文件的最新状态。
type inProgress struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newInProgress() *inProgress {
	return &inProgress{active: make(map[string]struct{})}
}

// TryAcquire 尝试占用一个源路径，已被占用时返回 false。
// 锁只在成员检查期间持有，实际的编码/复制工作不在锁内。
func (p *inProgress) TryAcquire(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.active[path]; busy {
		return false
	}
	p.active[path] = struct{}{}
	return true
}

// Release 释放一个源路径，幂等，重复释放无副作用
func (p *inProgress) Release(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, path)
}
