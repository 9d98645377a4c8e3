// Package server provides configuration helpers that define runtime defaults,
// validation limits, and transfer admission parameters for the chatwire service.
package server

import "time"

// RateLimitConfig defines the parameters for per-connection command rate
// limiting. A Burst of zero disables the limiter.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including capacity limits,
// file transfer admission control, and the optional admin HTTP listener.
type Config struct {
	// ListenAddr is the TCP address the chat listener binds to.
	ListenAddr string

	// AdminAddr is the address of the HTTP listener serving health,
	// metrics, and the WebSocket gateway. Empty disables it.
	AdminAddr string

	// AllowedOrigins restricts WebSocket gateway upgrades by Origin header.
	AllowedOrigins []string

	// LogFile is the path of the append-only event log. Empty logs to the
	// process logger only.
	LogFile string

	MaxClients      int
	MaxRoomMembers  int
	MaxUsernameLen  int
	MaxRoomNameLen  int
	ReadBufferSize  int
	FileChunkSize   int
	MaxFileSize     int64
	MaxTransfers    int
	MaxFileQueue    int
	FileExtensions  []string
	RateLimit       RateLimitConfig
	ShutdownTimeout time.Duration
}

// NewConfig creates a Config instance populated with default values for all
// settings.
func NewConfig() *Config {
	return &Config{
		ListenAddr:     ":12345",
		AllowedOrigins: []string{"http://localhost:8080"},
		LogFile:        "server.log",
		MaxClients:     15,
		MaxRoomMembers: 15,
		MaxUsernameLen: 16,
		MaxRoomNameLen: 32,
		ReadBufferSize: 1024,
		FileChunkSize:  4096,
		MaxFileSize:    3 * 1024 * 1024,
		MaxTransfers:   5,
		MaxFileQueue:   5,
		FileExtensions: []string{".txt", ".pdf", ".jpg", ".png"},
		RateLimit: RateLimitConfig{
			Burst:          0,
			RefillInterval: time.Second,
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Sanitize replaces out-of-range settings with their defaults so a partially
// populated Config is always safe to run with.
func (c *Config) Sanitize() {
	def := NewConfig()

	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.MaxClients <= 0 {
		c.MaxClients = def.MaxClients
	}
	if c.MaxRoomMembers <= 0 {
		c.MaxRoomMembers = def.MaxRoomMembers
	}
	if c.MaxUsernameLen <= 0 {
		c.MaxUsernameLen = def.MaxUsernameLen
	}
	if c.MaxRoomNameLen <= 0 {
		c.MaxRoomNameLen = def.MaxRoomNameLen
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.FileChunkSize <= 0 {
		c.FileChunkSize = def.FileChunkSize
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = def.MaxFileSize
	}
	if c.MaxTransfers <= 0 {
		c.MaxTransfers = def.MaxTransfers
	}
	if c.MaxFileQueue <= 0 {
		c.MaxFileQueue = def.MaxFileQueue
	}
	if len(c.FileExtensions) == 0 {
		c.FileExtensions = append([]string(nil), def.FileExtensions...)
	}
	if c.RateLimit.Burst < 0 {
		c.RateLimit.Burst = 0
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
}
