package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	Host     string `envconfig:"HOST" default:"0.0.0.0"`
	Port     int    `envconfig:"PORT" default:"8000"`
	Unsecure bool   `envconfig:"UNSECURE" default:"false"`
	Debug    bool   `envconfig:"DEBUG" default:"false"`
	LogPath  string `envconfig:"LOG_PATH" default:""`

	// OpenMode disables authentication entirely: anonymous connections are
	// treated as writable. Intended for single-user localhost deployments.
	OpenMode bool `envconfig:"OPEN_MODE" default:"false"`

	// Shell is the command spawned inside each PTY session.
	Shell string `envconfig:"SHELL" default:"/bin/bash"`

	// Scrollback buffer bounds per session.
	ScrollbackBytes int `envconfig:"SCROLLBACK_BYTES" default:"512000"`
	ScrollbackLines int `envconfig:"SCROLLBACK_LINES" default:"5000"`

	// RetentionWindow is how long a closed session's buffer is kept for
	// replay before the sweeper removes it.
	RetentionWindow time.Duration `envconfig:"RETENTION_WINDOW" default:"24h"`

	// WriteTimeout bounds a single PTY write; on expiry the write fails
	// with WriteTimeout but the session stays up.
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"5s"`

	// CloseGrace is the SIGHUP→SIGKILL grace period on session close.
	CloseGrace time.Duration `envconfig:"CLOSE_GRACE" default:"3s"`

	// OutboundQueueFrames is the per-connection outbound high-water mark.
	// A connection that falls this many frames behind is dropped.
	OutboundQueueFrames int `envconfig:"OUTBOUND_QUEUE_FRAMES" default:"256"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("WEBMUX", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
