package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yleoer/audiosync/pkg/config"
)

func target(t *testing.T, codec, path string) *config.OutputConfig {
	t.Helper()
	cfg := &config.Config{
		SourcePath: "/music",
		Outputs:    []config.OutputConfig{{Name: codec, Codec: codec, Path: path}},
	}
	require.NoError(t, cfg.Validate())
	return &cfg.Outputs[0]
}

func TestLosslessSourceTranscodesEverywhere(t *testing.T) {
	alac := target(t, "alac", "/out/alac")
	aac := target(t, "aac", "/out/aac")

	a := Resolve("/music/Song.flac", alac, false)
	assert.Equal(t, Transcode, a.Kind)
	assert.Equal(t, "/out/alac/Song.m4a", a.DestPath)

	a = Resolve("/music/Song.flac", aac, false)
	assert.Equal(t, Transcode, a.Kind)
	assert.Equal(t, "/out/aac/Song.m4a", a.DestPath)
}

func TestMP3CopiedVerbatimToLosslessMirror(t *testing.T) {
	alac := target(t, "alac", "/out/alac")

	a := Resolve("/music/Song.mp3", alac, false)
	assert.Equal(t, CopyVerbatim, a.Kind)
	// 原样复制保留源文件的原始文件名
	assert.Equal(t, "/out/alac/Song.mp3", a.DestPath)
}

func TestMP3SkippedWhenLosslessTwinExists(t *testing.T) {
	alac := target(t, "alac", "/out/alac")

	a := Resolve("/music/Song.mp3", alac, true)
	assert.Equal(t, Skip, a.Kind)
}

func TestMP3TranscodedToLossyTargets(t *testing.T) {
	aac := target(t, "aac", "/out/aac")

	a := Resolve("/music/Song.mp3", aac, false)
	assert.Equal(t, Transcode, a.Kind)
	assert.Equal(t, "/out/aac/Song.m4a", a.DestPath)

	// 有无无损孪生不影响非镜像目标
	a = Resolve("/music/Song.mp3", aac, true)
	assert.Equal(t, Transcode, a.Kind)
}

func TestDestPathIsNFCNormalized(t *testing.T) {
	alac := target(t, "alac", "/out/alac")

	a := Resolve("/music/Café.flac", alac, false)
	assert.Equal(t, "/out/alac/Café.m4a", a.DestPath)
}

func TestValidExtensions(t *testing.T) {
	assert.ElementsMatch(t, []string{".m4a", ".mp3"}, ValidExtensions(target(t, "alac", "/out/alac")))
	assert.ElementsMatch(t, []string{".m4a"}, ValidExtensions(target(t, "aac", "/out/aac")))
	assert.ElementsMatch(t, []string{".opus"}, ValidExtensions(target(t, "opus", "/out/opus")))
}
