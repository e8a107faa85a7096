package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// SSHConfig holds the defaults NewSSHTransportFromConfig falls back to when a call
// site doesn't override them explicitly.
type SSHConfig struct {
	Host       string `yaml:"host" json:"host"`
	Port       int    `yaml:"port" json:"port"`
	Identity   string `yaml:"identity" json:"identity"`
	RemotePath string `yaml:"remote_path" json:"remote_path"`
}

// Config is the top-level runtime configuration: the poller backend, the
// default buffered-stream chunk size, the async test wallclock timeout, the
// startup recursion limit, and SSH transport defaults. Poller, BufSize,
// TestTimeout and RecursionLimit each correspond to one of the PRETZEL_*
// environment variables and carry that variable's documented default;
// KillDelay and SSH have no environment variable.
type Config struct {
	Poller         string        `yaml:"poller" json:"poller"`
	BufSize        int           `yaml:"bufsize" json:"bufsize"`
	TestTimeout    time.Duration `yaml:"test_timeout" json:"test_timeout"`
	RecursionLimit int           `yaml:"reclimit" json:"reclimit"`
	KillDelay      time.Duration `yaml:"kill_delay" json:"kill_delay"`
	SSH            SSHConfig     `yaml:"ssh" json:"ssh"`
}

// DefaultConfig returns the documented defaults: an empty Poller (letting
// the reactor's own epoll/kqueue/select fallback pick), a 64KiB BufSize, a
// 5-second TestTimeout, an 8192 RecursionLimit, and a 10-second KillDelay.
func DefaultConfig() Config {
	return Config{
		Poller:         "",
		BufSize:        65536,
		TestTimeout:    5 * time.Second,
		RecursionLimit: 8192,
		KillDelay:      10 * time.Second,
	}
}

// These constants name the PRETZEL_* variables that override Config fields.
// These don't fit ApplyEnvOverrides' reflection-based PREFIX_FIELDNAME
// convention (TestTimeout would become PRETZEL_TESTTIMEOUT, not
// PRETZEL_TEST_TIMEOUT), so they're read explicitly instead.
const (
	envRecLimit    = "PRETZEL_RECLIMIT"
	envBufSize     = "PRETZEL_BUFSIZE"
	envTestTimeout = "PRETZEL_TEST_TIMEOUT"
	envPoller      = "PRETZEL_POLLER"
)

// LoadCorevmConfig builds a Config starting from DefaultConfig, optionally
// loading a YAML/JSON file at path (skipped if path is empty), then applying
// the PRETZEL_* environment variables, which always take precedence over
// both the defaults and the file.
func LoadCorevmConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := Load(path, &cfg); err != nil {
			return cfg, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}

	if v := os.Getenv(envPoller); v != "" {
		cfg.Poller = v
	}
	if v := os.Getenv(envBufSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: invalid %s=%q: %w", envBufSize, v, err)
		}
		cfg.BufSize = n
	}
	if v := os.Getenv(envTestTimeout); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("config: invalid %s=%q: %w", envTestTimeout, v, err)
		}
		cfg.TestTimeout = time.Duration(secs * float64(time.Second))
	}
	if v := os.Getenv(envRecLimit); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: invalid %s=%q: %w", envRecLimit, v, err)
		}
		cfg.RecursionLimit = n
	}

	return cfg, nil
}
