// Package config loads the daemon configuration from a YAML file,
// environment variables, and command-line flags, in increasing order of
// precedence.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the wire protocol. The timeout is part of the protocol
// contract; the port is the one the reference controller dials.
const (
	DefaultPort      = 9178
	DefaultIOTimeout = 3 * time.Second
)

type Config struct {
	Server struct {
		Address     string `yaml:"address"`
		Port        int    `yaml:"port"`
		IOTimeoutMS int    `yaml:"io_timeout_ms"`
		RateLimit   struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Ops struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"ops"`
	Provider struct {
		// Mode selects the memory provider: "map" (in-process demo
		// memory), "self" (this process), or "pid" (attach to Provider.PID).
		Mode string `yaml:"mode"`
		PID  int    `yaml:"pid"`
	} `yaml:"provider"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text|json
	} `yaml:"logging"`
}

// Addr returns host:port for the protocol listener.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = DefaultPort
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// IOTimeout returns the per-read socket deadline.
func (c *Config) IOTimeout() time.Duration {
	if c.Server.IOTimeoutMS <= 0 {
		return DefaultIOTimeout
	}
	return time.Duration(c.Server.IOTimeoutMS) * time.Millisecond
}

// Load reads a YAML config file. A missing file is an error; callers that
// treat the file as optional should stat it first (see LoadOptional).
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOptional reads path when it exists and returns zero-value defaults
// when it does not.
func LoadOptional(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Config{}, nil
	}
	return Load(path)
}

// ParseCommandFlags defines and parses command-line flags and returns
// their values along with a map indicating which flags were explicitly
// set.
func ParseCommandFlags() (addr, opsAddr, cfgPath, provider string, pid int, setFlags map[string]bool) {
	addrPtr := flag.String("addr", fmt.Sprintf("0.0.0.0:%d", DefaultPort), "protocol listen address")
	opsPtr := flag.String("ops", "", "ops HTTP listen address (empty disables)")
	cfgPtr := flag.String("config", "./config.yaml", "path to config file")
	provPtr := flag.String("provider", "", "memory provider: map|self|pid")
	pidPtr := flag.Int("pid", 0, "target pid for -provider=pid")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *addrPtr, *opsPtr, *cfgPtr, *provPtr, *pidPtr, setFlags
}

// ApplyEnvOverrides applies CEQPD_* environment variables onto cfg and
// reports whether any were used.
func ApplyEnvOverrides(cfg *Config) bool {
	used := false
	if v := os.Getenv("CEQPD_ADDR"); v != "" {
		used = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	}
	if v := os.Getenv("CEQPD_OPS_ADDR"); v != "" {
		used = true
		cfg.Ops.Enabled = true
		cfg.Ops.Address = v
	}
	if v := os.Getenv("CEQPD_PROVIDER"); v != "" {
		used = true
		cfg.Provider.Mode = v
	}
	if v := os.Getenv("CEQPD_PROVIDER_PID"); v != "" {
		used = true
		if pi, err := strconv.Atoi(v); err == nil {
			cfg.Provider.PID = pi
		}
	}
	if v := os.Getenv("CEQPD_LOG_LEVEL"); v != "" {
		used = true
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CEQPD_LOG_FORMAT"); v != "" {
		used = true
		cfg.Logging.Format = v
	}
	return used
}

var (
	diagOnce sync.Once
	diagOn   bool
)

// DiagnosticMode reports whether the process-wide diagnostic flag is set.
// Recognized CEQPD_TEST_ENV values: 1, true, yes, on (case-insensitive).
// Diagnostic mode enriches pointer-chain responses with DTYPE/LEN tags and
// enables step-level dereference traces.
func DiagnosticMode() bool {
	diagOnce.Do(func() {
		switch strings.ToLower(strings.TrimSpace(os.Getenv("CEQPD_TEST_ENV"))) {
		case "1", "true", "yes", "on":
			diagOn = true
		}
	})
	return diagOn
}
