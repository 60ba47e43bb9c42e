// Package config loads connection settings from the environment and optional
// media parameters from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	RoomServerURL string
	RoomID        string
	Username      string
	Callee        string
	Loopback      bool
	// VideoOutPath receives the raw Annex-B H264 stream of the remote video
	// track; "-" means stdout, empty disables the sink.
	VideoOutPath string
	Media        MediaParams
}

// MediaParams configure the media engine. Zero values for the video geometry
// mean "engine default".
type MediaParams struct {
	VideoEnabled      bool   `yaml:"video_enabled"`
	VideoCodec        string `yaml:"video_codec"`
	VideoStartBitrate int    `yaml:"video_start_bitrate"`
	VideoWidth        int    `yaml:"video_width"`
	VideoHeight       int    `yaml:"video_height"`
	VideoFPS          int    `yaml:"video_fps"`
	AudioCodec        string `yaml:"audio_codec"`
	AudioStartBitrate int    `yaml:"audio_start_bitrate"`
}

// DefaultMediaParams are used when no media config file is given.
func DefaultMediaParams() MediaParams {
	return MediaParams{
		VideoEnabled:      true,
		VideoCodec:        "VP8",
		VideoStartBitrate: 1024,
		AudioCodec:        "OPUS",
		AudioStartBitrate: 32,
	}
}

// Load reads configuration from a .env file (if present) and environment
// variables. Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	server := os.Getenv("PEERCALL_ROOM_SERVER")
	if server == "" {
		return nil, fmt.Errorf("PEERCALL_ROOM_SERVER environment variable is required")
	}
	username := os.Getenv("PEERCALL_USERNAME")
	if username == "" {
		return nil, fmt.Errorf("PEERCALL_USERNAME environment variable is required")
	}

	loopback := false
	if v := os.Getenv("PEERCALL_LOOPBACK"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("PEERCALL_LOOPBACK: %w", err)
		}
		loopback = parsed
	}

	media := DefaultMediaParams()
	if path := os.Getenv("PEERCALL_MEDIA_CONFIG"); path != "" {
		loaded, err := LoadMediaParams(path)
		if err != nil {
			return nil, err
		}
		media = loaded
	}

	return &Config{
		RoomServerURL: server,
		RoomID:        os.Getenv("PEERCALL_ROOM"),
		Username:      username,
		Callee:        os.Getenv("PEERCALL_CALLEE"),
		Loopback:      loopback,
		VideoOutPath:  os.Getenv("PEERCALL_VIDEO_OUT"),
		Media:         media,
	}, nil
}

// LoadMediaParams parses a YAML media-parameters file. Fields absent from the
// file keep their defaults.
func LoadMediaParams(path string) (MediaParams, error) {
	params := DefaultMediaParams()
	data, err := os.ReadFile(path)
	if err != nil {
		return params, fmt.Errorf("read media config: %w", err)
	}
	if err := yaml.Unmarshal(data, &params); err != nil {
		return params, fmt.Errorf("parse media config %s: %w", path, err)
	}
	return params, nil
}
