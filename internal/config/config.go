// Package config loads the policy YAML file, substitutes ${VAR} references
// from the environment, and hot-watches the file for changes.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/sqlwarden/sqlwarden/internal/policy"
)

// ListenConfig defines the client-facing listener, the upstream MySQL
// server to relay to, the control socket, and the health/metrics HTTP
// bind address.
type ListenConfig struct {
	ClientPort   int    `yaml:"client_port"`
	UpstreamHost string `yaml:"upstream_host"`
	UpstreamPort int    `yaml:"upstream_port"`
	ControlSock  string `yaml:"control_sock"`
	HealthBind   string `yaml:"health_bind"`
	HealthPort   int    `yaml:"health_port"`
}

// UpstreamAddr returns the upstream MySQL server as a host:port string.
func (lc ListenConfig) UpstreamAddr() string {
	return fmt.Sprintf("%s:%d", lc.UpstreamHost, lc.UpstreamPort)
}

// File is the root of the on-disk YAML document.
type File struct {
	Listen           ListenConfig             `yaml:"listen"`
	Global           rawGlobal                `yaml:"global"`
	AccessControl    []policy.AccessRule      `yaml:"access_control"`
	SqlRules         policy.SqlRule           `yaml:"sql_rules"`
	ProcedureControl policy.ProcedureControl  `yaml:"procedure_control"`
	DataProtection   policy.DataProtection    `yaml:"data_protection"`
}

// rawGlobal mirrors policy.Global but accepts duration strings ("5s", "5m")
// as written in YAML, since policy.Global stores time.Duration directly.
type rawGlobal struct {
	LogLevel       string `yaml:"log_level"`
	MaxConnections int    `yaml:"max_connections"`
	IdleTimeout    string `yaml:"idle_timeout"`
	ConnTimeout    string `yaml:"connection_timeout"`
}

// Config is the fully parsed, defaulted configuration: the listener
// settings plus the policy.Config consumed by the evaluator.
type Config struct {
	Listen         ListenConfig
	Policy         *policy.Config
	ConnectTimeout time.Duration
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable
// values, leaving unmatched references untouched.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads, env-substitutes, and parses the policy YAML file. It fails
// closed: a block_patterns list in which no pattern compiles (including an
// empty list) is an error, so a policy whose pattern check would match
// nothing never loads.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(&f); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(&f)

	idleTimeout, err := parseDurationOrDefault(f.Global.IdleTimeout, 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("global.idle_timeout: %w", err)
	}
	connTimeout, err := parseDurationOrDefault(f.Global.ConnTimeout, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("global.connection_timeout: %w", err)
	}

	cfg := &Config{
		Listen:         f.Listen,
		ConnectTimeout: connTimeout,
		Policy: &policy.Config{
			Global: policy.Global{
				LogLevel:       f.Global.LogLevel,
				MaxConnections: f.Global.MaxConnections,
				IdleTimeout:    idleTimeout,
			},
			AccessControl:    f.AccessControl,
			SqlRules:         f.SqlRules,
			ProcedureControl: f.ProcedureControl,
			DataProtection:   f.DataProtection,
		},
	}
	return cfg, nil
}

func parseDurationOrDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func applyDefaults(f *File) {
	if f.Listen.ClientPort == 0 {
		f.Listen.ClientPort = 3307
	}
	if f.Listen.UpstreamHost == "" {
		f.Listen.UpstreamHost = "127.0.0.1"
	}
	if f.Listen.UpstreamPort == 0 {
		f.Listen.UpstreamPort = 3306
	}
	if f.Listen.ControlSock == "" {
		f.Listen.ControlSock = "/var/run/sqlwardend.sock"
	}
	if f.Listen.HealthBind == "" {
		f.Listen.HealthBind = "127.0.0.1"
	}
	if f.Listen.HealthPort == 0 {
		f.Listen.HealthPort = 8080
	}
	if f.Global.MaxConnections == 0 {
		f.Global.MaxConnections = 100
	}
	if f.ProcedureControl.Mode == "" {
		f.ProcedureControl.Mode = "whitelist"
	}
}

func validate(f *File) error {
	compiled := 0
	for _, src := range f.SqlRules.BlockPatterns {
		if _, err := regexp.Compile("(?i)" + src); err == nil {
			compiled++
		}
	}
	if compiled == 0 {
		return fmt.Errorf("sql_rules.block_patterns must contain at least one valid pattern")
	}
	for i, rule := range f.AccessControl {
		if rule.User == "" {
			return fmt.Errorf("access_control[%d]: user is required", i)
		}
	}
	return nil
}

// Watcher watches the policy file for changes and calls back with the
// newly loaded config, debounced 500ms to collapse editor save bursts.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates and starts a policy file watcher.
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
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config: watcher error", "error", err)
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
		slog.Error("config: hot-reload failed", "path", cw.path, "error", err)
		return
	}

	slog.Info("config: policy reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
