package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiredAndOptionalVars(t *testing.T) {
	t.Setenv("PEERCALL_ROOM_SERVER", "https://rooms.example.com")
	t.Setenv("PEERCALL_USERNAME", "alice")
	t.Setenv("PEERCALL_ROOM", "room42")
	t.Setenv("PEERCALL_CALLEE", "bob")
	t.Setenv("PEERCALL_LOOPBACK", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://rooms.example.com", cfg.RoomServerURL)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, "room42", cfg.RoomID)
	assert.Equal(t, "bob", cfg.Callee)
	assert.True(t, cfg.Loopback)
	assert.Equal(t, DefaultMediaParams(), cfg.Media)
}

func TestLoad_MissingRoomServer(t *testing.T) {
	t.Setenv("PEERCALL_ROOM_SERVER", "")
	t.Setenv("PEERCALL_USERNAME", "alice")

	_, err := Load()
	assert.ErrorContains(t, err, "PEERCALL_ROOM_SERVER")
}

func TestLoad_BadLoopbackValue(t *testing.T) {
	t.Setenv("PEERCALL_ROOM_SERVER", "https://rooms.example.com")
	t.Setenv("PEERCALL_USERNAME", "alice")
	t.Setenv("PEERCALL_LOOPBACK", "maybe")

	_, err := Load()
	assert.ErrorContains(t, err, "PEERCALL_LOOPBACK")
}

func TestLoadMediaParams_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "media.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"video_codec: H264\nvideo_width: 1280\nvideo_height: 720\nvideo_fps: 30\n"), 0o644))

	params, err := LoadMediaParams(path)
	require.NoError(t, err)
	assert.Equal(t, "H264", params.VideoCodec)
	assert.Equal(t, 1280, params.VideoWidth)
	assert.Equal(t, 720, params.VideoHeight)
	assert.Equal(t, 30, params.VideoFPS)
	// Untouched fields keep the defaults.
	assert.Equal(t, "OPUS", params.AudioCodec)
	assert.Equal(t, 32, params.AudioStartBitrate)
	assert.True(t, params.VideoEnabled)
}

func TestLoadMediaParams_MissingFile(t *testing.T) {
	_, err := LoadMediaParams(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
