package types

import "time"

// EngineConf holds the scheduler and scoring knobs.
type EngineConf struct {
	Workers        int     `ini:"workers"`
	BatchSize      int     `ini:"batch_size"`
	GroupParallel  bool    `ini:"group_parallel"`
	PassRatio      float64 `ini:"pass_ratio"`
	MaxAttempts    int     `ini:"max_attempts"`
	RetryBackoffMs int     `ini:"retry_backoff_ms"`
}

func (c EngineConf) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// PortsConf bounds the local port range handed to runtime instances.
type PortsConf struct {
	RangeStart int `ini:"range_start"`
	RangeEnd   int `ini:"range_end"`
	CooldownMs int `ini:"cooldown_ms"`
}

func (c PortsConf) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

// RuntimeConf describes the external proxy runtime and its health contract.
type RuntimeConf struct {
	Binary           string `ini:"binary"`
	WorkDir          string `ini:"work_dir"`
	StartupTimeoutMs int    `ini:"startup_timeout_ms"`
	PollIntervalMs   int    `ini:"poll_interval_ms"`
	ConsecutiveOK    int    `ini:"consecutive_ok"`
	StopGraceMs      int    `ini:"stop_grace_ms"`
	SampleTraffic    bool   `ini:"sample_traffic"`
}

func (c RuntimeConf) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutMs) * time.Millisecond
}

func (c RuntimeConf) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c RuntimeConf) StopGrace() time.Duration {
	return time.Duration(c.StopGraceMs) * time.Millisecond
}

// StagesConf overrides the compiled-in probe target table. CSV fields keep
// the ini file flat; empty values keep the defaults.
type StagesConf struct {
	ProbeTimeoutMs int    `ini:"probe_timeout_ms"`
	HTTPTargets    string `ini:"http_targets"`    // comma-separated URLs
	TLSTarget      string `ini:"tls_target"`      // single URL
	ContentTargets string `ini:"content_targets"` // semicolon-separated url|minBytes|keyword
	IPEchoURL      string `ini:"ip_echo"`
}

func (c StagesConf) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

// GeoIPConf points at an optional local MMDB database for exit-IP country
// annotation. Empty path disables the lookup.
type GeoIPConf struct {
	MMDBPath string `ini:"mmdb_path"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// Config is the engine's whole configuration surface. It is built once by
// the loader and passed down explicitly; nothing reads it through globals.
type Config struct {
	EngineConf  `ini:"engine"`
	PortsConf   `ini:"ports"`
	RuntimeConf `ini:"runtime"`
	StagesConf  `ini:"stages"`
	GeoIPConf   `ini:"geoip"`
	LogConf     `ini:"log"`
}

// Default returns the documented defaults. The loader overlays the ini file
// and environment on top of this.
func Default() *Config {
	return &Config{
		EngineConf: EngineConf{
			Workers:        10,
			BatchSize:      50,
			GroupParallel:  false,
			PassRatio:      0.75,
			MaxAttempts:    2,
			RetryBackoffMs: 1000,
		},
		PortsConf: PortsConf{
			RangeStart: 20000,
			RangeEnd:   30000,
			CooldownMs: 3000,
		},
		RuntimeConf: RuntimeConf{
			Binary:           "clash",
			StartupTimeoutMs: 10000,
			PollIntervalMs:   200,
			ConsecutiveOK:    3,
			StopGraceMs:      3000,
			SampleTraffic:    false,
		},
		StagesConf: StagesConf{
			ProbeTimeoutMs: 8000,
		},
		LogConf: LogConf{
			Level: "info",
		},
	}
}
