// Package config loads the bot's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"mudbot/registry"
	"mudbot/session"
	"mudbot/supervisor"
	"mudbot/telnet"
	"mudbot/transcript"

	"gopkg.in/yaml.v3"
)

// Config represents the complete bot configuration
type Config struct {
	Registry    RegistryConfig    `yaml:"registry"`
	Bots        []BotConfig       `yaml:"bots"`
	Session     SessionConfig     `yaml:"session"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Retry       RetryConfig       `yaml:"retry"`
	Transcript  TranscriptConfig  `yaml:"transcript"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`

	// LoadedFrom is the file or directory the config was read from.
	LoadedFrom string `yaml:"-"`
}

// RegistryConfig locates the identity database.
type RegistryConfig struct {
	Path string `yaml:"path"`
}

// BotConfig seeds an identity into the registry at startup.
type BotConfig struct {
	Name      string `yaml:"name"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Login     string `yaml:"login"`
	Secret    string `yaml:"secret"`
	SecretEnv string `yaml:"secret_env"`
}

// SessionConfig contains per-connection settings shared by all bots
type SessionConfig struct {
	Transport             string `yaml:"transport"`
	LoginStyle            string `yaml:"login_style"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
	AuthTimeoutSeconds    int    `yaml:"auth_timeout_seconds"`
	IdleTimeoutSeconds    int    `yaml:"idle_timeout_seconds"`
	MaxLineLength         int    `yaml:"max_line_length"`
	MaxSubnegotiation     int    `yaml:"max_subnegotiation"`
	PromptFlush           bool   `yaml:"prompt_flush"`
	WriteQueue            int    `yaml:"write_queue"`
	Debug                 bool   `yaml:"debug"`
}

// NegotiationConfig names the options accepted in each direction.
type NegotiationConfig struct {
	TerminalType string   `yaml:"terminal_type"`
	Width        int      `yaml:"width"`
	Height       int      `yaml:"height"`
	PendingLimit int      `yaml:"pending_limit"`
	AcceptLocal  []string `yaml:"accept_local"`
	AcceptRemote []string `yaml:"accept_remote"`
	Request      []string `yaml:"request"`
}

// RetryConfig bounds reconnects; max_attempts < 0 retries forever.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseMS      int `yaml:"base_ms"`
	MaxMS       int `yaml:"max_ms"`
}

// TranscriptConfig selects where received lines are recorded.
type TranscriptConfig struct {
	Dir           string       `yaml:"dir"`
	RetentionDays int          `yaml:"retention_days"`
	SQLite        SQLiteConfig `yaml:"sqlite"`
	MQTT          MQTTConfig   `yaml:"mqtt"`
}

type SQLiteConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// LoggingConfig contains process log settings
type LoggingConfig struct {
	Enabled                 bool   `yaml:"enabled"`
	Dir                     string `yaml:"dir"`
	RetentionDays           int    `yaml:"retention_days"`
	WarnDedupeWindowSeconds int    `yaml:"warn_dedupe_window_seconds"`
}

// MetricsConfig controls the Prometheus endpoint and the status line.
type MetricsConfig struct {
	Listen                string `yaml:"listen"`
	StatusIntervalSeconds int    `yaml:"status_interval_seconds"`
}

// Load reads a YAML file, or every *.yaml/*.yml file of a directory merged in
// name order (later files override earlier keys), then applies defaults and
// validates.
func Load(path string) (*Config, error) {
	raw, err := readMerged(path)
	if err != nil {
		return nil, err
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.LoadedFrom = path
	cfg.applyDefaults(raw)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(map[string]any{})
	return &cfg
}

func readMerged(path string) (map[string]any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config directory: %w", err)
		}
		files = files[:0]
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
				continue
			}
			files = append(files, filepath.Join(path, e.Name()))
		}
		sort.Strings(files)
		if len(files) == 0 {
			return nil, fmt.Errorf("no yaml files in %s", path)
		}
	}
	merged := map[string]any{}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(file), err)
		}
		mergeMaps(merged, doc)
	}
	return merged, nil
}

func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				mergeMaps(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
}

// hasKey reports whether the merged document sets section.key, so explicit
// zero values can be told apart from omitted ones.
func hasKey(raw map[string]any, section, key string) bool {
	m, ok := raw[section].(map[string]any)
	if !ok {
		return false
	}
	_, ok = m[key]
	return ok
}

func (c *Config) applyDefaults(raw map[string]any) {
	if c.Registry.Path == "" {
		c.Registry.Path = "data/registry"
	}
	s := &c.Session
	if s.Transport == "" {
		s.Transport = session.TransportNative
	}
	if s.LoginStyle == "" {
		s.LoginStyle = session.LoginConnect.String()
	}
	if s.ConnectTimeoutSeconds == 0 {
		s.ConnectTimeoutSeconds = 10
	}
	if !hasKey(raw, "session", "auth_timeout_seconds") {
		s.AuthTimeoutSeconds = 30
	}
	if s.MaxLineLength == 0 {
		s.MaxLineLength = 8192
	}
	if s.MaxSubnegotiation == 0 {
		s.MaxSubnegotiation = telnet.DefaultMaxSubnegotiation
	}
	if !hasKey(raw, "session", "prompt_flush") {
		s.PromptFlush = true
	}
	if s.WriteQueue == 0 {
		s.WriteQueue = 64
	}

	n := &c.Negotiation
	if n.TerminalType == "" {
		n.TerminalType = "MUDBOT"
	}
	if n.Width == 0 {
		n.Width = 80
	}
	if n.Height == 0 {
		n.Height = 24
	}
	if n.PendingLimit == 0 {
		n.PendingLimit = telnet.DefaultPendingLimit
	}
	if !hasKey(raw, "negotiation", "accept_local") {
		n.AcceptLocal = []string{"sga", "ttype", "naws"}
	}
	if !hasKey(raw, "negotiation", "accept_remote") {
		n.AcceptRemote = []string{"echo", "sga", "eor"}
	}

	if !hasKey(raw, "retry", "max_attempts") {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseMS == 0 {
		c.Retry.BaseMS = 1000
	}
	if c.Retry.MaxMS == 0 {
		c.Retry.MaxMS = 60000
	}

	t := &c.Transcript
	if t.RetentionDays == 0 {
		t.RetentionDays = 14
	}
	if t.SQLite.Enabled && t.SQLite.Path == "" {
		t.SQLite.Path = "data/transcript.db"
	}
	if t.MQTT.Port == 0 {
		t.MQTT.Port = 1883
	}
	if t.MQTT.TopicPrefix == "" {
		t.MQTT.TopicPrefix = "mudbot"
	}

	if c.Logging.Dir == "" {
		c.Logging.Dir = "data/logs"
	}
	if c.Logging.RetentionDays == 0 {
		c.Logging.RetentionDays = 7
	}
	if !hasKey(raw, "logging", "warn_dedupe_window_seconds") {
		c.Logging.WarnDedupeWindowSeconds = 60
	}
	if !hasKey(raw, "metrics", "status_interval_seconds") {
		c.Metrics.StatusIntervalSeconds = 300
	}
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Session.Transport) {
	case session.TransportNative, session.TransportZiutek:
	default:
		errs = append(errs, fmt.Errorf("session.transport: unknown transport %q", c.Session.Transport))
	}
	if _, err := session.ParseLoginStyle(c.Session.LoginStyle); err != nil {
		errs = append(errs, fmt.Errorf("session.login_style: %w", err))
	}
	for key, v := range map[string]int{
		"session.connect_timeout_seconds":    c.Session.ConnectTimeoutSeconds,
		"session.auth_timeout_seconds":       c.Session.AuthTimeoutSeconds,
		"session.idle_timeout_seconds":       c.Session.IdleTimeoutSeconds,
		"session.max_line_length":            c.Session.MaxLineLength,
		"session.max_subnegotiation":         c.Session.MaxSubnegotiation,
		"negotiation.pending_limit":          c.Negotiation.PendingLimit,
		"retry.base_ms":                      c.Retry.BaseMS,
		"transcript.retention_days":          c.Transcript.RetentionDays,
		"logging.warn_dedupe_window_seconds": c.Logging.WarnDedupeWindowSeconds,
		"metrics.status_interval_seconds":    c.Metrics.StatusIntervalSeconds,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative (got %d)", key, v))
		}
	}
	if c.Retry.MaxMS < c.Retry.BaseMS {
		errs = append(errs, fmt.Errorf("retry.max_ms (%d) is below retry.base_ms (%d)", c.Retry.MaxMS, c.Retry.BaseMS))
	}
	if c.Negotiation.Width < 1 || c.Negotiation.Width > 65535 || c.Negotiation.Height < 1 || c.Negotiation.Height > 65535 {
		errs = append(errs, fmt.Errorf("negotiation window %dx%d out of range", c.Negotiation.Width, c.Negotiation.Height))
	}
	for key, names := range map[string][]string{
		"negotiation.accept_local":  c.Negotiation.AcceptLocal,
		"negotiation.accept_remote": c.Negotiation.AcceptRemote,
		"negotiation.request":       c.Negotiation.Request,
	} {
		if _, err := parseOptions(names); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if c.Transcript.MQTT.Enabled && strings.TrimSpace(c.Transcript.MQTT.Broker) == "" {
		errs = append(errs, errors.New("transcript.mqtt.broker is required when mqtt is enabled"))
	}
	if q := c.Transcript.MQTT.QoS; q < 0 || q > 2 {
		errs = append(errs, fmt.Errorf("transcript.mqtt.qos must be 0, 1 or 2 (got %d)", q))
	}
	seen := make(map[string]bool)
	for i, b := range c.Bots {
		if seen[b.Name] {
			errs = append(errs, fmt.Errorf("bots[%d]: duplicate name %q", i, b.Name))
		}
		seen[b.Name] = true
	}
	return errors.Join(errs...)
}

func parseOptions(names []string) ([]byte, error) {
	out := make([]byte, 0, len(names))
	for _, name := range names {
		opt, err := telnet.ParseOption(name)
		if err != nil {
			return nil, err
		}
		out = append(out, opt)
	}
	return out, nil
}

// SessionSettings converts the session and negotiation sections.
func (c *Config) SessionSettings() (session.Settings, error) {
	style, err := session.ParseLoginStyle(c.Session.LoginStyle)
	if err != nil {
		return session.Settings{}, err
	}
	local, err := parseOptions(c.Negotiation.AcceptLocal)
	if err != nil {
		return session.Settings{}, err
	}
	remote, err := parseOptions(c.Negotiation.AcceptRemote)
	if err != nil {
		return session.Settings{}, err
	}
	request, err := parseOptions(c.Negotiation.Request)
	if err != nil {
		return session.Settings{}, err
	}
	return session.Settings{
		ConnectTimeout:    time.Duration(c.Session.ConnectTimeoutSeconds) * time.Second,
		AuthTimeout:       time.Duration(c.Session.AuthTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(c.Session.IdleTimeoutSeconds) * time.Second,
		MaxLineLength:     c.Session.MaxLineLength,
		MaxSubnegotiation: c.Session.MaxSubnegotiation,
		LoginStyle:        style,
		PromptFlush:       c.Session.PromptFlush,
		Transport:         strings.ToLower(c.Session.Transport),
		Negotiation: telnet.EngineConfig{
			Policy:       telnet.NewPolicy(local, remote),
			TerminalType: c.Negotiation.TerminalType,
			Width:        c.Negotiation.Width,
			Height:       c.Negotiation.Height,
			PendingLimit: c.Negotiation.PendingLimit,
		},
		RequestOptions:   request,
		WriteQueue:       c.Session.WriteQueue,
		WarnDedupeWindow: time.Duration(c.Logging.WarnDedupeWindowSeconds) * time.Second,
		Debug:            c.Session.Debug,
	}, nil
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() supervisor.RetryPolicy {
	return supervisor.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		Base:        time.Duration(c.Retry.BaseMS) * time.Millisecond,
		Max:         time.Duration(c.Retry.MaxMS) * time.Millisecond,
	}
}

// MQTT converts the transcript.mqtt section.
func (c *Config) MQTT() transcript.MQTTConfig {
	m := c.Transcript.MQTT
	return transcript.MQTTConfig{
		Broker:      m.Broker,
		Port:        m.Port,
		ClientID:    m.ClientID,
		TopicPrefix: m.TopicPrefix,
		QoS:         byte(m.QoS),
		Username:    m.Username,
		Password:    m.Password,
	}
}

// Seeds validates the bots section. A secret_env entry reads the secret from
// the environment.
func (c *Config) Seeds() ([]registry.Identity, error) {
	var (
		ids  []registry.Identity
		errs []error
	)
	for i, b := range c.Bots {
		secret := b.Secret
		if b.SecretEnv != "" {
			v, ok := os.LookupEnv(b.SecretEnv)
			if !ok {
				errs = append(errs, fmt.Errorf("bots[%d] %s: environment variable %s is not set", i, b.Name, b.SecretEnv))
				continue
			}
			secret = v
		}
		id, err := registry.NewIdentity(b.Name, b.Host, b.Port, b.Login, secret)
		if err != nil {
			errs = append(errs, fmt.Errorf("bots[%d]: %w", i, err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

// Print writes a summary of the effective configuration.
func (c *Config) Print(w io.Writer) {
	fmt.Fprintf(w, "Registry: %s (%d seeded bots)\n", c.Registry.Path, len(c.Bots))
	fmt.Fprintf(w, "Session: transport=%s login=%s auth_timeout=%ds prompt_flush=%t\n",
		c.Session.Transport, c.Session.LoginStyle, c.Session.AuthTimeoutSeconds, c.Session.PromptFlush)
	fmt.Fprintf(w, "Negotiation: local=[%s] remote=[%s] request=[%s]\n",
		strings.Join(c.Negotiation.AcceptLocal, ","), strings.Join(c.Negotiation.AcceptRemote, ","), strings.Join(c.Negotiation.Request, ","))
	attempts := fmt.Sprintf("%d", c.Retry.MaxAttempts)
	if c.Retry.MaxAttempts < 0 {
		attempts = "unlimited"
	}
	fmt.Fprintf(w, "Retry: attempts=%s backoff=%dms..%dms\n", attempts, c.Retry.BaseMS, c.Retry.MaxMS)
	if c.Transcript.Dir != "" {
		fmt.Fprintf(w, "Transcript files: %s (retention %dd)\n", c.Transcript.Dir, c.Transcript.RetentionDays)
	}
	if c.Transcript.SQLite.Enabled {
		fmt.Fprintf(w, "Transcript SQLite: %s\n", c.Transcript.SQLite.Path)
	}
	if c.Transcript.MQTT.Enabled {
		fmt.Fprintf(w, "Transcript MQTT: %s:%d (topic prefix: %s)\n", c.Transcript.MQTT.Broker, c.Transcript.MQTT.Port, c.Transcript.MQTT.TopicPrefix)
	}
	if c.Metrics.Listen != "" {
		fmt.Fprintf(w, "Metrics: %s\n", c.Metrics.Listen)
	}
}
