package lockd

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":11311"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus
	// scrape). Empty disables metrics.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof endpoint. Empty disables it.
	DefaultPprofListen = ""
	// DefaultTimeout is the acquire deadline applied when a command omits
	// one (spec.md §6.5).
	DefaultTimeout = 30 * time.Second
	// DefaultGreedyReaders is the reader-greed policy applied to every
	// lock entity unless overridden (spec.md §9).
	DefaultGreedyReaders = false
	// DefaultWriterBufferSize bounds the per-connection outbound queue
	// before the drop-oldest overflow policy engages.
	DefaultWriterBufferSize = 256

	// DefaultConnGuardFailureThreshold is the suspicious-event count
	// before a remote is hard blocked.
	DefaultConnGuardFailureThreshold = 0
	// DefaultConnGuardFailureWindow is the window over which suspicious
	// events are counted.
	DefaultConnGuardFailureWindow = time.Second
	// DefaultConnGuardBlockDuration is how long a blocked remote stays
	// blocked.
	DefaultConnGuardBlockDuration = 5 * time.Minute
	// DefaultConnGuardProbeTimeout bounds the zero-byte pre-classification
	// probe connguard runs before handing a connection to the server.
	DefaultConnGuardProbeTimeout = 0
)

// Config controls a Server's listener, default acquire behavior, and
// ambient observability surface. There is no runtime reconfiguration
// (spec.md §6.5): every field is read once at NewServer time.
type Config struct {
	// Listen is the TCP address the server binds to.
	Listen string

	// DefaultTimeout is the acquire deadline used when a command omits
	// an explicit timeout.
	DefaultTimeout time.Duration
	// GreedyReaders seeds every lock entity's reader-greed policy.
	GreedyReaders bool
	// WriterBufferSize bounds the per-connection outbound queue.
	WriterBufferSize int

	// MetricsListen, if set, serves Prometheus-format metrics at
	// /metrics on this address.
	MetricsListen string
	// PprofListen, if set, serves net/http/pprof at this address.
	PprofListen string

	// ConnGuardEnabled toggles the connection-level failure-window guard.
	ConnGuardEnabled bool
	// ConnGuardFailureThreshold is the number of suspicious events before
	// hard blocking a remote.
	ConnGuardFailureThreshold int
	// ConnGuardFailureWindow is the period for counting suspicious events.
	ConnGuardFailureWindow time.Duration
	// ConnGuardBlockDuration is how long a blocked remote stays blocked.
	ConnGuardBlockDuration time.Duration
	// ConnGuardProbeTimeout bounds the pre-classification probe.
	ConnGuardProbeTimeout time.Duration

	// LogLevel is the minimum structured-log level emitted by the server
	// (trace, debug, info, warn, error).
	LogLevel string
	// LogMode selects structured (JSON) or console log rendering.
	LogMode string
}

// DefaultConfig returns a Config with every field set to its documented
// default.
func DefaultConfig() Config {
	return Config{
		Listen:                    DefaultListen,
		DefaultTimeout:            DefaultTimeout,
		GreedyReaders:             DefaultGreedyReaders,
		WriterBufferSize:          DefaultWriterBufferSize,
		MetricsListen:             DefaultMetricsListen,
		PprofListen:               DefaultPprofListen,
		ConnGuardFailureThreshold: DefaultConnGuardFailureThreshold,
		ConnGuardFailureWindow:    DefaultConnGuardFailureWindow,
		ConnGuardBlockDuration:    DefaultConnGuardBlockDuration,
		ConnGuardProbeTimeout:     DefaultConnGuardProbeTimeout,
		LogLevel:                  "info",
		LogMode:                   "structured",
	}
}

// Validate fills in any zero-valued field with its default and rejects
// combinations that cannot produce a working server.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.WriterBufferSize <= 0 {
		c.WriterBufferSize = DefaultWriterBufferSize
	}
	if c.ConnGuardFailureWindow <= 0 {
		c.ConnGuardFailureWindow = DefaultConnGuardFailureWindow
	}
	if c.ConnGuardBlockDuration <= 0 {
		c.ConnGuardBlockDuration = DefaultConnGuardBlockDuration
	}
	if c.ConnGuardEnabled && c.ConnGuardFailureThreshold <= 0 {
		return fmt.Errorf("config: connguard enabled but failure threshold is %d", c.ConnGuardFailureThreshold)
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "disabled":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	c.LogMode = strings.ToLower(strings.TrimSpace(c.LogMode))
	if c.LogMode == "" {
		c.LogMode = "structured"
	}
	switch c.LogMode {
	case "structured", "console":
	default:
		return fmt.Errorf("config: unknown log mode %q", c.LogMode)
	}
	return nil
}
