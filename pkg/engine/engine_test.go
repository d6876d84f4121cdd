package engine

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yleoer/audiosync/pkg/config"
	"github.com/yleoer/audiosync/pkg/encoder"
	"github.com/yleoer/audiosync/pkg/guard"
)

// fakeEncoder 记录调用并落盘占位产物，可注入延迟和失败
type fakeEncoder struct {
	mu      sync.Mutex
	encodes []encoder.EncodeSpec
	copies  []string
	delay   time.Duration
	failAll bool
}

func (f *fakeEncoder) Encode(spec encoder.EncodeSpec) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failAll {
		return errors.New("encode failed")
	}
	f.mu.Lock()
	f.encodes = append(f.encodes, spec)
	f.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(spec.Dest), 0755); err != nil {
		return err
	}
	return os.WriteFile(spec.Dest, []byte("encoded"), 0644)
}

func (f *fakeEncoder) CopyVerbatim(src, dst string, force bool) error {
	if !force {
		if _, err := os.Stat(dst); err == nil {
			return nil
		}
	}
	f.mu.Lock()
	f.copies = append(f.copies, dst)
	f.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte("copied"), 0644)
}

func (f *fakeEncoder) encodeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.encodes)
}

func (f *fakeEncoder) copyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.copies)
}

// newTestEngine 构造一个双目标（alac 镜像 + aac 有损）的测试引擎
func newTestEngine(t *testing.T) (*SyncEngine, *fakeEncoder, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		SourcePath: t.TempDir(),
		Outputs: []config.OutputConfig{
			{Name: "alac", Codec: "alac", Path: filepath.Join(t.TempDir(), "alac")},
			{Name: "aac", Codec: "aac", Path: filepath.Join(t.TempDir(), "aac")},
		},
		MinStableDuration: time.Millisecond,
		StabilityTimeout:  time.Second,
	}
	require.NoError(t, cfg.Validate())
	for _, p := range cfg.OutputPaths() {
		require.NoError(t, os.MkdirAll(p, 0755))
	}

	g := guard.New(cfg.SourcePath, cfg.OutputPaths(), true, zerolog.Nop())
	enc := &fakeEncoder{}
	return New(cfg, g, enc, nil, nil, zerolog.Nop()), enc, cfg
}

func writeSource(t *testing.T, cfg *config.Config, name string) string {
	t.Helper()
	path := filepath.Join(cfg.SourcePath, name)
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0644))
	return path
}

func TestInitialSyncCreatesAllArtifacts(t *testing.T) {
	eng, enc, cfg := newTestEngine(t)
	writeSource(t, cfg, "a.flac")
	writeSource(t, cfg, "b.mp3")

	eng.InitialSync()

	// a.flac 转码到两个目标，b.mp3 复制进镜像、转码到 aac
	assert.FileExists(t, filepath.Join(cfg.Outputs[0].Path, "a.m4a"))
	assert.FileExists(t, filepath.Join(cfg.Outputs[1].Path, "a.m4a"))
	assert.FileExists(t, filepath.Join(cfg.Outputs[0].Path, "b.mp3"))
	assert.FileExists(t, filepath.Join(cfg.Outputs[1].Path, "b.m4a"))
	assert.Equal(t, 3, enc.encodeCount())
	assert.Equal(t, 1, enc.copyCount())
}

func TestHasArtifacts(t *testing.T) {
	eng, _, cfg := newTestEngine(t)
	src := writeSource(t, cfg, "a.flac")

	// 全新文件：任何输出目录都没有产物
	assert.False(t, eng.HasArtifacts(src))

	eng.InitialSync()
	assert.True(t, eng.HasArtifacts(src))

	// 产物全部删除后回到无产物状态
	eng.DeleteOutputs(src)
	assert.False(t, eng.HasArtifacts(src))
}

func TestInitialSyncIsIdempotent(t *testing.T) {
	eng, enc, cfg := newTestEngine(t)
	writeSource(t, cfg, "a.flac")
	writeSource(t, cfg, "b.mp3")

	eng.InitialSync()
	encodes, copies := enc.encodeCount(), enc.copyCount()

	// 文件系统没有变化，第二轮必须零写零删
	eng.InitialSync()
	assert.Equal(t, encodes, enc.encodeCount())
	assert.Equal(t, copies, enc.copyCount())
}

func TestLosslessSupersedesCopiedMP3(t *testing.T) {
	eng, _, cfg := newTestEngine(t)
	writeSource(t, cfg, "X.mp3")

	eng.InitialSync()
	mirror := cfg.Outputs[0].Path
	assert.FileExists(t, filepath.Join(mirror, "X.mp3"))

	// 同主干的无损源出现后，镜像目录只保留无损版本的产物
	writeSource(t, cfg, "X.flac")
	eng.InitialSync()

	assert.FileExists(t, filepath.Join(mirror, "X.m4a"))
	assert.NoFileExists(t, filepath.Join(mirror, "X.mp3"))
}

func TestOrphanSweepRemovesStaleArtifacts(t *testing.T) {
	eng, _, cfg := newTestEngine(t)
	writeSource(t, cfg, "keep.flac")
	orphan := filepath.Join(cfg.Outputs[1].Path, "gone.m4a")
	require.NoError(t, os.WriteFile(orphan, []byte("stale"), 0644))
	// 非产物扩展名的文件不属于引擎管辖
	foreign := filepath.Join(cfg.Outputs[1].Path, "notes.txt")
	require.NoError(t, os.WriteFile(foreign, []byte("x"), 0644))

	eng.InitialSync()

	assert.NoFileExists(t, orphan)
	assert.FileExists(t, foreign)
	assert.FileExists(t, filepath.Join(cfg.Outputs[1].Path, "keep.m4a"))
}

func TestGuardBlocksAllMutation(t *testing.T) {
	eng, enc, cfg := newTestEngine(t)
	// 源目录为空模拟卷未挂载，但输出里留着本该被清的孤儿
	orphan := filepath.Join(cfg.Outputs[0].Path, "orphan.m4a")
	require.NoError(t, os.WriteFile(orphan, []byte("x"), 0644))

	eng.InitialSync()

	assert.FileExists(t, orphan)
	assert.Equal(t, 0, enc.encodeCount())
}

func TestConcurrentProcessingIsDeduplicated(t *testing.T) {
	eng, enc, cfg := newTestEngine(t)
	src := writeSource(t, cfg, "song.flac")
	enc.delay = 50 * time.Millisecond

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			eng.ProcessSourceFile(src, true, false)
		}()
	}
	close(start)
	wg.Wait()

	// 两个并发事件最多触发每目标一次编码
	assert.Equal(t, len(cfg.Outputs), enc.encodeCount())
}

func TestProcessFailureDoesNotAbortOthers(t *testing.T) {
	eng, enc, cfg := newTestEngine(t)
	enc.failAll = true
	writeSource(t, cfg, "a.flac")
	writeSource(t, cfg, "b.flac")

	// 全部编码失败也不会 panic，孤儿清理照常进行
	eng.InitialSync()
	assert.Equal(t, 0, enc.encodeCount())
}

func TestDeleteOutputsForLosslessSource(t *testing.T) {
	eng, _, cfg := newTestEngine(t)
	src := writeSource(t, cfg, "song.flac")
	writeSource(t, cfg, "other.flac")
	eng.InitialSync()

	require.NoError(t, os.Remove(src))
	eng.DeleteOutputs(src)

	assert.NoFileExists(t, filepath.Join(cfg.Outputs[0].Path, "song.m4a"))
	assert.NoFileExists(t, filepath.Join(cfg.Outputs[1].Path, "song.m4a"))
}

func TestDeleteOutputsForMP3KeepsLosslessArtifacts(t *testing.T) {
	eng, _, cfg := newTestEngine(t)
	mp3 := writeSource(t, cfg, "song.mp3")
	writeSource(t, cfg, "song.flac")
	eng.InitialSync()

	// 删除 MP3：镜像里的复制件已被无损版取代，aac 里的转码产物来自无损源，必须保留
	require.NoError(t, os.Remove(mp3))
	eng.DeleteOutputs(mp3)

	assert.FileExists(t, filepath.Join(cfg.Outputs[0].Path, "song.m4a"))
	assert.FileExists(t, filepath.Join(cfg.Outputs[1].Path, "song.m4a"))
}

func TestCleanupStaleTemp(t *testing.T) {
	eng, _, cfg := newTestEngine(t)
	stale := filepath.Join(cfg.Outputs[0].Path, "song.m4a"+encoder.TempSuffix)
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0644))
	valid := filepath.Join(cfg.Outputs[0].Path, "song.m4a")
	require.NoError(t, os.WriteFile(valid, []byte("ok"), 0644))

	assert.Equal(t, 1, eng.CleanupStaleTemp())
	assert.NoFileExists(t, stale)
	assert.FileExists(t, valid)
}

func TestForceReencodePurgesOutputs(t *testing.T) {
	eng, enc, cfg := newTestEngine(t)
	writeSource(t, cfg, "a.flac")
	eng.InitialSync()
	require.Equal(t, 2, enc.encodeCount())

	cfg.ForceReencode = true
	eng.InitialSync()
	// 清空后全部重新生成
	assert.Equal(t, 4, enc.encodeCount())
	assert.FileExists(t, filepath.Join(cfg.Outputs[0].Path, "a.m4a"))
}

func TestSyncSidecars(t *testing.T) {
	eng, _, cfg := newTestEngine(t)
	src := writeSource(t, cfg, "song.flac")
	lrc := filepath.Join(cfg.SourcePath, "song.lrc")
	require.NoError(t, os.WriteFile(lrc, []byte("[00:01.00] hello"), 0644))

	eng.SyncSidecars(src)
	assert.FileExists(t, filepath.Join(cfg.Outputs[0].Path, "song.lrc"))
	assert.FileExists(t, filepath.Join(cfg.Outputs[1].Path, "song.lrc"))

	eng.DeleteSidecars(src)
	assert.NoFileExists(t, filepath.Join(cfg.Outputs[0].Path, "song.lrc"))
}

func TestOrphanSidecarsSwept(t *testing.T) {
	eng, _, cfg := newTestEngine(t)
	writeSource(t, cfg, "keep.flac")
	orphanLrc := filepath.Join(cfg.Outputs[0].Path, "gone.lrc")
	require.NoError(t, os.WriteFile(orphanLrc, []byte("x"), 0644))

	eng.InitialSync()
	assert.NoFileExists(t, orphanLrc)
}

func TestInProgressRegistry(t *testing.T) {
	p := newInProgress()
	assert.True(t, p.TryAcquire("/a"))
	assert.False(t, p.TryAcquire("/a"))
	assert.True(t, p.TryAcquire("/b"))

	p.Release("/a")
	assert.True(t, p.TryAcquire("/a"))
	// 重复释放无副作用
	p.Release("/missing")
	p.Release("/a")
	p.Release("/a")
	assert.True(t, p.TryAcquire("/a"))
}
