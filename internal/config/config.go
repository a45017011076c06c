package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for pgbalancer.
type Config struct {
	Listen       ListenConfig      `yaml:"listen"`
	Cluster      ClusterConfig     `yaml:"cluster"`
	Balancing    BalancingConfig   `yaml:"balancing"`
	RelCacheSize int               `yaml:"relcache_size"`
	HealthCheck  HealthCheckConfig `yaml:"health_check"`
}

// ListenConfig defines the ports and bind addresses pgbalancer listens on.
type ListenConfig struct {
	Port    int    `yaml:"port"`
	APIPort int    `yaml:"api_port"`
	APIBind string `yaml:"api_bind"`
	APIKey  string `yaml:"api_key"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// ClusterConfig describes the backend cluster and the credentials used for
// the persistent sessions pgbalancer opens against it.
type ClusterConfig struct {
	Mode        string          `yaml:"mode"` // streaming_replication or raw
	User        string          `yaml:"user"`
	Password    string          `yaml:"password"`
	SSLMode     string          `yaml:"ssl_mode"` // disable, prefer, require
	DialTimeout time.Duration   `yaml:"dial_timeout"`
	Backends    []BackendConfig `yaml:"backends"`
}

// BackendConfig holds the address, weight and role of one backend node.
// A host starting with '/' is taken as a UNIX-domain socket directory.
type BackendConfig struct {
	Host   string  `yaml:"host"`
	Port   int     `yaml:"port"`
	Weight float64 `yaml:"weight"`
	Role   string  `yaml:"role"` // primary or standby
}

// RedirectRule steers sessions whose database or application name matches
// Pattern toward Target with probability Weight.
type RedirectRule struct {
	Pattern string  `yaml:"pattern"`
	Target  string  `yaml:"target"` // "primary", "standby", or a node id
	Weight  float64 `yaml:"weight"`
}

// BalancingConfig holds the redirect preference lists consulted on each
// new client session.
type BalancingConfig struct {
	RedirectDBNames  []RedirectRule `yaml:"redirect_dbnames"`
	RedirectAppNames []RedirectRule `yaml:"redirect_app_names"`
}

// HealthCheckConfig tunes the periodic backend probes.
type HealthCheckConfig struct {
	Interval          time.Duration `yaml:"interval"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// StreamingReplication reports whether the cluster runs in streaming
// replication mode. The redirect lists are only consulted in this mode.
func (cc ClusterConfig) StreamingReplication() bool {
	return cc.Mode == "streaming_replication"
}

// Redacted returns a copy of the ClusterConfig with the password masked.
func (cc ClusterConfig) Redacted() ClusterConfig {
	c := cc
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 9999
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Cluster.Mode == "" {
		cfg.Cluster.Mode = "streaming_replication"
	}
	if cfg.Cluster.SSLMode == "" {
		cfg.Cluster.SSLMode = "prefer"
	}
	if cfg.Cluster.DialTimeout == 0 {
		cfg.Cluster.DialTimeout = 10 * time.Second
	}
	if cfg.RelCacheSize == 0 {
		cfg.RelCacheSize = 256
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 10 * time.Second
	}
	if cfg.HealthCheck.FailureThreshold == 0 {
		cfg.HealthCheck.FailureThreshold = 3
	}
	if cfg.HealthCheck.ConnectionTimeout == 0 {
		cfg.HealthCheck.ConnectionTimeout = 5 * time.Second
	}
}

func validate(cfg *Config) error {
	if len(cfg.Cluster.Backends) == 0 {
		return fmt.Errorf("cluster: at least one backend is required")
	}
	if cfg.Cluster.User == "" {
		return fmt.Errorf("cluster: user is required")
	}
	if m := cfg.Cluster.Mode; m != "" && m != "streaming_replication" && m != "raw" {
		return fmt.Errorf("cluster: unsupported mode %q (must be streaming_replication or raw)", m)
	}
	if s := cfg.Cluster.SSLMode; s != "" && s != "disable" && s != "prefer" && s != "require" {
		return fmt.Errorf("cluster: unsupported ssl_mode %q (must be disable, prefer or require)", s)
	}

	primaries := 0
	for i, b := range cfg.Cluster.Backends {
		if b.Host == "" {
			return fmt.Errorf("backend %d: host is required", i)
		}
		if b.Port == 0 {
			return fmt.Errorf("backend %d: port is required", i)
		}
		if b.Weight < 0 {
			return fmt.Errorf("backend %d: weight must be non-negative", i)
		}
		switch b.Role {
		case "primary":
			primaries++
		case "standby", "":
		default:
			return fmt.Errorf("backend %d: unsupported role %q (must be primary or standby)", i, b.Role)
		}
	}
	if primaries > 1 {
		return fmt.Errorf("cluster: at most one backend may have role primary, got %d", primaries)
	}

	if err := validateRules("redirect_dbnames", cfg.Balancing.RedirectDBNames, len(cfg.Cluster.Backends)); err != nil {
		return err
	}
	return validateRules("redirect_app_names", cfg.Balancing.RedirectAppNames, len(cfg.Cluster.Backends))
}

func validateRules(list string, rules []RedirectRule, numBackends int) error {
	for i, r := range rules {
		if r.Pattern == "" {
			return fmt.Errorf("%s[%d]: pattern is required", list, i)
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("%s[%d]: invalid pattern: %w", list, i, err)
		}
		if r.Weight < 0 || r.Weight > 1 {
			return fmt.Errorf("%s[%d]: weight must be within [0,1], got %v", list, i, r.Weight)
		}
		switch r.Target {
		case "primary", "standby":
		default:
			n, err := strconv.Atoi(r.Target)
			if err != nil {
				return fmt.Errorf("%s[%d]: target must be primary, standby or a node id, got %q", list, i, r.Target)
			}
			if n < 0 || n >= numBackends {
				return fmt.Errorf("%s[%d]: node id %d out of range [0,%d)", list, i, n, numBackends)
			}
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
