package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type BasicAuth struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Security struct {
	BasicAuth BasicAuth `yaml:"basic_auth"`
}

type Limits struct {
	MaxConns         int           `yaml:"max_conns"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
}

type CA struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	AutoGenerate bool   `yaml:"auto_generate"`
	Organization string `yaml:"organization"`
	CommonName   string `yaml:"common_name"`
	ValidityDays int    `yaml:"validity_days"`
	KeyAlgorithm string `yaml:"key_algorithm"` // rsa | ecdsa
}

// Upstream controls the origin-facing TLS leg.
type Upstream struct {
	InsecureSkipVerify bool  `yaml:"insecure_skip_verify"`
	FirstFragmentLen   uint8 `yaml:"first_fragment_len"` // 0 disables fragmented handshakes
}

type Admission struct {
	Mode string `yaml:"mode"` // unlimited | limited
}

type Offline struct {
	Status int    `yaml:"status"`
	Body   string `yaml:"body"`
}

type Logging struct {
	Level string `yaml:"level"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

type DNS struct {
	Mode string `yaml:"mode"` // terasu | system | auto
}

type Config struct {
	Listen        string    `yaml:"listen"`
	Mode          string    `yaml:"mode"`
	InterceptList []string  `yaml:"intercept_list"`
	CA            CA        `yaml:"ca"`
	Security      Security  `yaml:"security"`
	Limits        Limits    `yaml:"limits"`
	Upstream      Upstream  `yaml:"upstream"`
	Admission     Admission `yaml:"admission"`
	Offline       Offline   `yaml:"offline"`
	Logging       Logging   `yaml:"logging"`
	Metrics       Metrics   `yaml:"metrics"`
	DNS           DNS       `yaml:"dns"`
}

// Default returns the built-in configuration. Callers may tweak it before
// handing it to the proxy, which is how tests run without a file.
func Default() *Config {
	return &Config{
		Listen: "127.0.0.1:8080",
		Mode:   "all",
		CA: CA{
			Organization: "little-mitm",
			CommonName:   "little-mitm CA",
			ValidityDays: 3650,
			KeyAlgorithm: "rsa",
		},
		Limits: Limits{
			MaxConns:         4096,
			ReadTimeout:      15 * time.Second,
			WriteTimeout:     30 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			DialTimeout:      10 * time.Second,
			IdleTimeout:      120 * time.Second,
		},
		Admission: Admission{Mode: "unlimited"},
		Offline:   Offline{Status: 200, Body: "Offline response"},
		Logging:   Logging{Level: "info"},
		DNS:       DNS{Mode: "system"},
	}
}

// Load loads config from yaml file; empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the proxy cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is empty")
	}
	switch strings.ToLower(c.Mode) {
	case "", "all", "list", "none":
	default:
		return fmt.Errorf("unknown intercept mode %q", c.Mode)
	}
	switch strings.ToLower(c.Admission.Mode) {
	case "", "unlimited", "limited":
	default:
		return fmt.Errorf("unknown admission mode %q", c.Admission.Mode)
	}
	switch strings.ToLower(c.DNS.Mode) {
	case "", "terasu", "system", "auto":
	default:
		return fmt.Errorf("unknown dns mode %q", c.DNS.Mode)
	}
	switch strings.ToLower(c.CA.KeyAlgorithm) {
	case "", "rsa", "ecdsa":
	default:
		return fmt.Errorf("unknown ca key algorithm %q", c.CA.KeyAlgorithm)
	}
	// a zero handshake or dial budget would fail every origin attempt
	if c.Limits.HandshakeTimeout <= 0 {
		return fmt.Errorf("limits.handshake_timeout must be positive, got %s", c.Limits.HandshakeTimeout)
	}
	if c.Limits.DialTimeout <= 0 {
		return fmt.Errorf("limits.dial_timeout must be positive, got %s", c.Limits.DialTimeout)
	}
	// zero disables these
	for name, d := range map[string]time.Duration{
		"read_timeout":  c.Limits.ReadTimeout,
		"write_timeout": c.Limits.WriteTimeout,
		"idle_timeout":  c.Limits.IdleTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("limits.%s must not be negative, got %s", name, d)
		}
	}
	if c.Offline.Status != 0 && (c.Offline.Status < 100 || c.Offline.Status > 999) {
		return fmt.Errorf("invalid offline status %d", c.Offline.Status)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LITTLE_MITM_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("LITTLE_MITM_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("LITTLE_MITM_INTERCEPT_LIST"); v != "" {
		parts := strings.Split(v, ",")
		var list []string
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				list = append(list, p)
			}
		}
		if len(list) > 0 {
			cfg.InterceptList = list
		}
	}
	if v := os.Getenv("LITTLE_MITM_CA_CERT_FILE"); v != "" {
		cfg.CA.CertFile = v
	}
	if v := os.Getenv("LITTLE_MITM_CA_KEY_FILE"); v != "" {
		cfg.CA.KeyFile = v
	}
	if v := os.Getenv("LITTLE_MITM_CA_AUTO_GENERATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.CA.AutoGenerate = b
		}
	}
	if v := os.Getenv("LITTLE_MITM_CA_KEY_ALGORITHM"); v != "" {
		cfg.CA.KeyAlgorithm = v
	}
	if v := os.Getenv("LITTLE_MITM_ADMISSION_MODE"); v != "" {
		cfg.Admission.Mode = v
	}
	if v := os.Getenv("LITTLE_MITM_OFFLINE_BODY"); v != "" {
		cfg.Offline.Body = v
	}
	if v := os.Getenv("LITTLE_MITM_UPSTREAM_INSECURE_SKIP_VERIFY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Upstream.InsecureSkipVerify = b
		}
	}
	if v := os.Getenv("LITTLE_MITM_UPSTREAM_FIRST_FRAGMENT_LEN"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 8); err == nil {
			cfg.Upstream.FirstFragmentLen = uint8(n)
		}
	}
	if v := os.Getenv("LITTLE_MITM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LITTLE_MITM_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("LITTLE_MITM_DNS_MODE"); v != "" {
		cfg.DNS.Mode = v
	}
	if v := os.Getenv("LITTLE_MITM_LIMITS_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxConns = n
		}
	}
	durations := map[string]*time.Duration{
		"LITTLE_MITM_LIMITS_READ_TIMEOUT":      &cfg.Limits.ReadTimeout,
		"LITTLE_MITM_LIMITS_WRITE_TIMEOUT":     &cfg.Limits.WriteTimeout,
		"LITTLE_MITM_LIMITS_HANDSHAKE_TIMEOUT": &cfg.Limits.HandshakeTimeout,
		"LITTLE_MITM_LIMITS_DIAL_TIMEOUT":      &cfg.Limits.DialTimeout,
		"LITTLE_MITM_LIMITS_IDLE_TIMEOUT":      &cfg.Limits.IdleTimeout,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	if v := os.Getenv("LITTLE_MITM_BASIC_AUTH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Security.BasicAuth.Enabled = b
		}
	}
	if v := os.Getenv("LITTLE_MITM_BASIC_AUTH_USERNAME"); v != "" {
		cfg.Security.BasicAuth.Username = v
	}
	if v := os.Getenv("LITTLE_MITM_BASIC_AUTH_PASSWORD"); v != "" {
		cfg.Security.BasicAuth.Password = v
	}
}
