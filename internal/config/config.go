// Package config provides configuration management for the deltaframe gateway.
// Configuration can be loaded from environment variables or initialized with defaults.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration for the gateway.
type Config struct {
	// IPCSocketPath is the Unix socket path for receiving raw RGB24 frames.
	// Default: "/tmp/deltaframe.sock"
	IPCSocketPath string

	// HTTPListenAddr is the address for the HTTP signaling server.
	// Default: ":8080"
	HTTPListenAddr string

	// AllowedOrigins specifies CORS allowed origins.
	// Default: ["*"]
	AllowedOrigins []string

	// ICEServers lists STUN/TURN URLs handed to every peer connection.
	// Default: ["stun:stun.l.google.com:19302"]
	ICEServers []string

	// Threshold is the per-channel difference still treated as unchanged.
	// Default: 20
	Threshold int

	// KeyframeInterval forces a keyframe every N frames; 0 sends keyframes
	// only on start, on resize and when a peer joins.
	// Default: 300
	KeyframeInterval int

	// Compression selects the packet payload compression ("none" or "zstd").
	// Default: "zstd"
	Compression string

	// LogLevel specifies logging verbosity ("debug", "info", "warn", "error").
	// Default: "info"
	LogLevel string

	// LogFormat selects "console" or "json" log output.
	// Default: "console"
	LogFormat string

	// UseSynthetic enables synthetic video generation instead of IPC input.
	// Default: false
	UseSynthetic bool

	// SyntheticWidth is the width of synthetic video frames.
	// Default: 640
	SyntheticWidth int

	// SyntheticHeight is the height of synthetic video frames.
	// Default: 480
	SyntheticHeight int

	// SyntheticFPS is the frame rate for synthetic video.
	// Default: 15
	SyntheticFPS int

	// SyntheticPattern is the test pattern type (0=ColorBars, 1=Gradient, 2=Grid).
	// Default: 0 (ColorBars)
	SyntheticPattern int
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		IPCSocketPath:    "/tmp/deltaframe.sock",
		HTTPListenAddr:   ":8080",
		AllowedOrigins:   []string{"*"},
		ICEServers:       []string{"stun:stun.l.google.com:19302"},
		Threshold:        20,
		KeyframeInterval: 300,
		Compression:      "zstd",
		LogLevel:         "info",
		LogFormat:        "console",
		UseSynthetic:     false,
		SyntheticWidth:   640,
		SyntheticHeight:  480,
		SyntheticFPS:     15,
		SyntheticPattern: 0,
	}
}

// Load loads configuration from environment variables, falling back to defaults
// for any values not specified.
//
// Environment variables:
//   - DELTAFRAME_IPC_SOCKET_PATH: Unix socket path
//   - DELTAFRAME_HTTP_LISTEN_ADDR: HTTP server listen address
//   - DELTAFRAME_ALLOWED_ORIGINS: Comma-separated list of allowed CORS origins
//   - DELTAFRAME_ICE_SERVERS: Comma-separated STUN/TURN URLs (empty for none)
//   - DELTAFRAME_THRESHOLD: Per-channel similarity threshold (0-255)
//   - DELTAFRAME_KEYFRAME_INTERVAL: Frames between forced keyframes (0 disables)
//   - DELTAFRAME_COMPRESSION: Payload compression (none or zstd)
//   - DELTAFRAME_LOG_LEVEL: Logging level (debug, info, warn, error)
//   - DELTAFRAME_LOG_FORMAT: Log output format (console or json)
//   - DELTAFRAME_USE_SYNTHETIC: Enable synthetic video (true/false)
//   - DELTAFRAME_SYNTHETIC_WIDTH: Synthetic video width
//   - DELTAFRAME_SYNTHETIC_HEIGHT: Synthetic video height
//   - DELTAFRAME_SYNTHETIC_FPS: Synthetic video frame rate
//   - DELTAFRAME_SYNTHETIC_PATTERN: Synthetic video pattern (0=ColorBars, 1=Gradient, 2=Grid)
func Load() (*Config, error) {
	cfg := Default()

	if val := os.Getenv("DELTAFRAME_IPC_SOCKET_PATH"); val != "" {
		cfg.IPCSocketPath = val
	}

	if val := os.Getenv("DELTAFRAME_HTTP_LISTEN_ADDR"); val != "" {
		cfg.HTTPListenAddr = val
	}

	if val := os.Getenv("DELTAFRAME_ALLOWED_ORIGINS"); val != "" {
		cfg.AllowedOrigins = splitList(val)
	}

	if val, ok := os.LookupEnv("DELTAFRAME_ICE_SERVERS"); ok {
		cfg.ICEServers = splitList(val)
	}

	if val := os.Getenv("DELTAFRAME_THRESHOLD"); val != "" {
		threshold, err := strconv.Atoi(val)
		if err != nil {
			return nil, errors.New("DELTAFRAME_THRESHOLD must be a valid integer")
		}
		cfg.Threshold = threshold
	}

	if val := os.Getenv("DELTAFRAME_KEYFRAME_INTERVAL"); val != "" {
		interval, err := strconv.Atoi(val)
		if err != nil {
			return nil, errors.New("DELTAFRAME_KEYFRAME_INTERVAL must be a valid integer")
		}
		cfg.KeyframeInterval = interval
	}

	if val := os.Getenv("DELTAFRAME_COMPRESSION"); val != "" {
		cfg.Compression = strings.ToLower(strings.TrimSpace(val))
	}

	if val := os.Getenv("DELTAFRAME_LOG_LEVEL"); val != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(val))
	}

	if val := os.Getenv("DELTAFRAME_LOG_FORMAT"); val != "" {
		cfg.LogFormat = strings.ToLower(strings.TrimSpace(val))
	}

	if val := os.Getenv("DELTAFRAME_USE_SYNTHETIC"); val != "" {
		cfg.UseSynthetic = strings.ToLower(strings.TrimSpace(val)) == "true"
	}

	if val := os.Getenv("DELTAFRAME_SYNTHETIC_WIDTH"); val != "" {
		width, err := strconv.Atoi(val)
		if err != nil {
			return nil, errors.New("DELTAFRAME_SYNTHETIC_WIDTH must be a valid integer")
		}
		cfg.SyntheticWidth = width
	}

	if val := os.Getenv("DELTAFRAME_SYNTHETIC_HEIGHT"); val != "" {
		height, err := strconv.Atoi(val)
		if err != nil {
			return nil, errors.New("DELTAFRAME_SYNTHETIC_HEIGHT must be a valid integer")
		}
		cfg.SyntheticHeight = height
	}

	if val := os.Getenv("DELTAFRAME_SYNTHETIC_FPS"); val != "" {
		fps, err := strconv.Atoi(val)
		if err != nil {
			return nil, errors.New("DELTAFRAME_SYNTHETIC_FPS must be a valid integer")
		}
		cfg.SyntheticFPS = fps
	}

	if val := os.Getenv("DELTAFRAME_SYNTHETIC_PATTERN"); val != "" {
		pattern, err := strconv.Atoi(val)
		if err != nil {
			return nil, errors.New("DELTAFRAME_SYNTHETIC_PATTERN must be a valid integer")
		}
		cfg.SyntheticPattern = pattern
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.IPCSocketPath == "" && !c.UseSynthetic {
		return errors.New("IPCSocketPath cannot be empty")
	}

	if c.HTTPListenAddr == "" {
		return errors.New("HTTPListenAddr cannot be empty")
	}

	if len(c.AllowedOrigins) == 0 {
		return errors.New("AllowedOrigins cannot be empty")
	}

	if c.Threshold < 0 || c.Threshold > 255 {
		return errors.New("Threshold must be between 0 and 255")
	}

	if c.KeyframeInterval < 0 {
		return errors.New("KeyframeInterval cannot be negative")
	}

	validCompression := map[string]bool{"none": true, "zstd": true}
	if !validCompression[c.Compression] {
		return errors.New("Compression must be 'none' or 'zstd'")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return errors.New("LogLevel must be 'debug', 'info', 'warn', or 'error'")
	}

	if c.LogFormat != "console" && c.LogFormat != "json" {
		return errors.New("LogFormat must be 'console' or 'json'")
	}

	// Validate synthetic config if enabled
	if c.UseSynthetic {
		if c.SyntheticWidth <= 0 || c.SyntheticWidth > 7680 {
			return errors.New("SyntheticWidth must be between 1 and 7680")
		}
		if c.SyntheticHeight <= 0 || c.SyntheticHeight > 4320 {
			return errors.New("SyntheticHeight must be between 1 and 4320")
		}
		if c.SyntheticFPS <= 0 || c.SyntheticFPS > 240 {
			return errors.New("SyntheticFPS must be between 1 and 240")
		}
		if c.SyntheticPattern < 0 || c.SyntheticPattern > 2 {
			return errors.New("SyntheticPattern must be 0 (ColorBars), 1 (Gradient), or 2 (Grid)")
		}
	}

	return nil
}

// IsDebug returns true if the log level is set to debug.
func (c *Config) IsDebug() bool {
	return c.LogLevel == "debug"
}

// IsSynthetic returns true if synthetic video is enabled.
func (c *Config) IsSynthetic() bool {
	return c.UseSynthetic
}

// String returns a string representation of the config for logging purposes.
// Credentials embedded in ICE server URLs are masked.
func (c *Config) String() string {
	syntheticInfo := ""
	if c.UseSynthetic {
		syntheticInfo = ", UseSynthetic: true, " +
			"SyntheticWidth: " + strconv.Itoa(c.SyntheticWidth) + ", " +
			"SyntheticHeight: " + strconv.Itoa(c.SyntheticHeight) + ", " +
			"SyntheticFPS: " + strconv.Itoa(c.SyntheticFPS) + ", " +
			"SyntheticPattern: " + strconv.Itoa(c.SyntheticPattern)
	}

	return "Config{" +
		"IPCSocketPath: " + c.IPCSocketPath + ", " +
		"HTTPListenAddr: " + c.HTTPListenAddr + ", " +
		"AllowedOrigins: [" + strings.Join(c.AllowedOrigins, ", ") + "], " +
		"ICEServers: [" + strings.Join(maskedICEServers(c.ICEServers), ", ") + "], " +
		"Threshold: " + strconv.Itoa(c.Threshold) + ", " +
		"KeyframeInterval: " + strconv.Itoa(c.KeyframeInterval) + ", " +
		"Compression: " + c.Compression + ", " +
		"LogLevel: " + c.LogLevel + ", " +
		"LogFormat: " + c.LogFormat +
		syntheticInfo +
		"}"
}

// maskedICEServers hides the userinfo part of URLs such as
// "turn:user:secret@turn.example.com:3478".
func maskedICEServers(urls []string) []string {
	out := make([]string, len(urls))
	for i, u := range urls {
		at := strings.LastIndex(u, "@")
		if at < 0 {
			out[i] = u
			continue
		}
		start := strings.Index(u, ":") + 1
		if start > at {
			start = 0
		}
		if strings.HasPrefix(u[start:], "//") {
			start += 2
		}
		out[i] = u[:start] + "***" + u[at:]
	}
	return out
}
