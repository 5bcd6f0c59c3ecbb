package canbus

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"strconv"
	"time"
)

// Config is consumed by New and handed unchanged to the adapter factory.
type Config struct {
	Interface          string // adapter registry name, see ListAdapterNames
	Channel            string
	Bitrate            int
	DataBitrate        int // FD data phase, 0 = same as Bitrate
	ReceiveOwnMessages bool
	FD                 bool
	Filters            []Filter
	// Options are transport specific and passed through unvalidated.
	Options map[string]string
	Logger  *slog.Logger
}

func (cfg *Config) Validate() error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if cfg.Bitrate < 0 || cfg.DataBitrate < 0 {
		return errors.New("negative bitrate")
	}
	return ValidateFilters(cfg.Filters)
}

// Option returns the transport option for key or def when unset.
func (cfg *Config) Option(key, def string) string {
	if v, ok := cfg.Options[key]; ok {
		return v
	}
	return def
}

// IntOption parses the option for key as a decimal integer, def when unset.
func (cfg *Config) IntOption(key string, def int) (int, error) {
	v, ok := cfg.Options[key]
	if !ok {
		return def, nil
	}
	return strconv.Atoi(v)
}

// DurationOption parses the option for key with time.ParseDuration, def
// when unset.
func (cfg *Config) DurationOption(key string, def time.Duration) (time.Duration, error) {
	v, ok := cfg.Options[key]
	if !ok {
		return def, nil
	}
	return time.ParseDuration(v)
}

// Log returns the configured logger or one that discards everything.
func (cfg *Config) Log() *slog.Logger {
	if cfg == nil || cfg.Logger == nil {
		return discardLogger
	}
	return cfg.Logger
}

// Equivalent of slog.DiscardHandler (Go 1.24+): Enabled is always false.
var discardLogger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
