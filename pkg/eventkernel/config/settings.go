package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Settings is the resolved configuration of a kernel process.
type Settings struct {
	DataDir string
	Tenant  string

	LogLevel  string
	LogFormat string

	Fsync         string
	FsyncInterval time.Duration
	BatchSize     int

	PollInterval time.Duration
	RetryBase    time.Duration
	// RetryMax caps the partition retry delay. Zero means no cap.
	RetryMax time.Duration

	HTTPAddr string

	Sequences []SequenceSettings
}

// SequenceSettings declares one log and the event types it accepts.
type SequenceSettings struct {
	Store      string
	Namespace  string
	Sequence   string
	EventTypes []string
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		DataDir:       DefaultDataDir(),
		Tenant:        "default",
		LogLevel:      "info",
		LogFormat:     "text",
		Fsync:         "interval",
		FsyncInterval: 5 * time.Millisecond,
		BatchSize:     256,
		PollInterval:  time.Second,
		RetryBase:     time.Second,
		HTTPAddr:      "127.0.0.1:7070",
	}
}

// FromConfig resolves settings from cfg over the defaults.
//
//	data_dir: /var/lib/eventkernel
//	tenant: default
//	log: {level: info, format: json}
//	storage: {fsync: interval, fsync_interval: 5ms, batch_size: 256}
//	observers: {poll_interval: 1s, retry_base: 1s, retry_max: 10m}
//	http: {addr: "127.0.0.1:7070"}
//	sequences:
//	  - {store: default, namespace: main, sequence: orders, event_types: [order-placed]}
func FromConfig(cfg Config) Settings {
	s := Default()
	s.DataDir = cfg.String("data_dir", s.DataDir)
	s.Tenant = cfg.String("tenant", s.Tenant)

	log := cfg.Sub("log")
	s.LogLevel = log.String("level", s.LogLevel)
	s.LogFormat = log.String("format", s.LogFormat)

	storage := cfg.Sub("storage")
	s.Fsync = storage.String("fsync", s.Fsync)
	s.FsyncInterval = storage.Duration("fsync_interval", s.FsyncInterval)
	s.BatchSize = storage.Int("batch_size", s.BatchSize)

	observers := cfg.Sub("observers")
	s.PollInterval = observers.Duration("poll_interval", s.PollInterval)
	s.RetryBase = observers.Duration("retry_base", s.RetryBase)
	s.RetryMax = observers.Duration("retry_max", s.RetryMax)

	s.HTTPAddr = cfg.Sub("http").String("addr", s.HTTPAddr)

	for _, seq := range cfg.Sections("sequences") {
		s.Sequences = append(s.Sequences, SequenceSettings{
			Store:      seq.String("store", "default"),
			Namespace:  seq.String("namespace", "main"),
			Sequence:   seq.String("sequence", ""),
			EventTypes: seq.StringSlice("event_types", nil),
		})
	}
	return s
}

// Load reads settings from path, or returns the defaults when path is
// empty. Environment overrides are applied last.
func Load(path string) (Settings, error) {
	s := Default()
	if path != "" {
		cfg, err := FromFile(path)
		if err != nil {
			return Settings{}, err
		}
		s = FromConfig(cfg)
	}
	FromEnv(&s)
	return s, nil
}

// FromEnv overlays EVENTKERNEL_* environment variables onto s.
func FromEnv(s *Settings) {
	if v := os.Getenv("EVENTKERNEL_DATA_DIR"); v != "" {
		s.DataDir = v
	}
	if v := os.Getenv("EVENTKERNEL_TENANT"); v != "" {
		s.Tenant = v
	}
	if v := os.Getenv("EVENTKERNEL_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := os.Getenv("EVENTKERNEL_LOG_FORMAT"); v != "" {
		s.LogFormat = v
	}
	if v := os.Getenv("EVENTKERNEL_FSYNC"); v != "" {
		s.Fsync = v
	}
	if v := os.Getenv("EVENTKERNEL_FSYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			s.FsyncInterval = d
		}
	}
	if v := os.Getenv("EVENTKERNEL_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.BatchSize = n
		}
	}
	if v := os.Getenv("EVENTKERNEL_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			s.PollInterval = d
		}
	}
	if v := os.Getenv("EVENTKERNEL_RETRY_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			s.RetryBase = d
		}
	}
	if v := os.Getenv("EVENTKERNEL_RETRY_MAX"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			s.RetryMax = d
		}
	}
	if v := os.Getenv("EVENTKERNEL_HTTP_ADDR"); v != "" {
		s.HTTPAddr = v
	}
	// EVENTKERNEL_SEQUENCES=default/main/orders,default/main/users
	if v := os.Getenv("EVENTKERNEL_SEQUENCES"); v != "" {
		s.Sequences = nil
		for _, part := range strings.Split(v, ",") {
			fields := strings.Split(strings.TrimSpace(part), "/")
			if len(fields) != 3 {
				continue
			}
			s.Sequences = append(s.Sequences, SequenceSettings{
				Store:     fields[0],
				Namespace: fields[1],
				Sequence:  fields[2],
			})
		}
	}
}

// DefaultDataDir returns $XDG_DATA_HOME/eventkernel when set, otherwise
// ~/.eventkernel, falling back to ./data without a home directory.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "eventkernel")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	return filepath.Join(home, ".eventkernel")
}
