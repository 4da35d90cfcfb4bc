package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/busybox42/mailgate/internal/admission"
	"github.com/busybox42/mailgate/internal/api"
	"github.com/busybox42/mailgate/internal/expr"
	"github.com/busybox42/mailgate/internal/headers"
	"github.com/busybox42/mailgate/internal/logging"
	"github.com/busybox42/mailgate/internal/queue"
	"github.com/busybox42/mailgate/internal/quota"
	"github.com/busybox42/mailgate/internal/store"
)

// maxConfigFileSize bounds the configuration file read at startup.
const maxConfigFileSize = 1 << 20

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server struct {
		Hostname        string `toml:"hostname"`
		Listen          string `toml:"listen"`
		APIListen       string `toml:"api_listen"`
		ReadTimeout     string `toml:"read_timeout"`
		MaxMessageBytes int64  `toml:"max_message_bytes"`
		MaxRecipients   int    `toml:"max_recipients"`
		RDNSLookup      bool   `toml:"rdns_lookup"`
	} `toml:"server"`

	// Admin API configuration
	API struct {
		RateLimit api.RateLimitConfig `toml:"rate_limit"`
		// AuthToken protects /api routes. Leave it empty only while
		// api_listen is a loopback address.
		AuthToken string `toml:"auth_token"`
	} `toml:"api"`

	// Logging configuration
	Logging logging.Config `toml:"logging"`

	// Session configuration. Rule values are kept as decoded and turned
	// into rule sets by the accessors below.
	Session struct {
		Data struct {
			Limits struct {
				Messages        interface{} `toml:"messages"`
				ReceivedHeaders int         `toml:"received-headers"`
				Size            interface{} `toml:"size"`
			} `toml:"limits"`
			AddHeaders struct {
				Received    interface{} `toml:"received"`
				ReceivedSPF interface{} `toml:"received-spf"`
				AuthResults interface{} `toml:"auth-results"`
				MessageID   interface{} `toml:"message-id"`
				Date        interface{} `toml:"date"`
				ReturnPath  interface{} `toml:"return-path"`
			} `toml:"add-headers"`
		} `toml:"data"`
	} `toml:"session"`

	// Queue configuration
	Queue struct {
		TTL            string        `toml:"ttl"`
		ExpireInterval string        `toml:"expire_interval"`
		Quota          []QuotaConfig `toml:"quota"`
	} `toml:"queue"`

	// Queue store backend
	Store store.Config `toml:"store"`
}

// QuotaConfig is one [[queue.quota]] entry.
type QuotaConfig struct {
	ID       string   `toml:"id"`
	Match    string   `toml:"match"`
	Key      []string `toml:"key"`
	Messages int64    `toml:"messages"`
	Size     int64    `toml:"size"`
	// Enable defaults to true when omitted.
	Enable *bool `toml:"enable"`
	Dedup  bool  `toml:"dedup"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Hostname = "localhost"
	cfg.Server.Listen = ":2525"
	cfg.Server.APIListen = "127.0.0.1:8025"
	cfg.Server.ReadTimeout = "5m"
	cfg.Server.MaxMessageBytes = 25 * 1024 * 1024
	cfg.Server.MaxRecipients = 100

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Session.Data.Limits.ReceivedHeaders = 50

	cfg.Queue.TTL = "120h"
	cfg.Queue.ExpireInterval = "1m"

	cfg.Store.Type = "memory"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./mailgate.toml",
		"./config/mailgate.toml",
		os.ExpandEnv("$HOME/.mailgate.toml"),
		"/etc/mailgate/mailgate.toml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", errors.New("no config file found")
}

// LoadConfig loads a configuration from a file. With no file found the
// defaults are returned.
func LoadConfig(configPath string) (*Config, error) {
	configFile, err := FindConfigFile(configPath)
	if err != nil {
		if configPath != "" {
			return nil, err
		}
		return DefaultConfig(), nil
	}

	info, err := os.Stat(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max: %d)", info.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a TOML configuration.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("unknown configuration keys:\n%s", strict.String())
		}
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}

	result := cfg.Validate()
	if !result.Valid {
		var msgs []string
		for _, err := range result.Errors {
			msgs = append(msgs, err.Error())
		}
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(msgs, "; "))
	}
	return cfg, nil
}

// SaveConfig writes the configuration as TOML.
func (c *Config) SaveConfig(configPath string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// CreateDefaultConfig creates a default configuration file
func CreateDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists at %s", configPath)
	}
	return DefaultConfig().SaveConfig(configPath)
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Validate checks every section, including that all rule sets and quota
// definitions compile.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}

	c.validateServer(result)
	c.validateAPI(result)
	c.validateLogging(result)
	c.validateSession(result)
	c.validateQueue(result)
	c.validateStore(result)

	return result
}

func (c *Config) validateServer(result *ValidationResult) {
	if c.Server.Hostname == "" {
		result.AddError("server.hostname", c.Server.Hostname, "hostname is required")
	} else if !isValidHostname(c.Server.Hostname) {
		result.AddError("server.hostname", c.Server.Hostname, "invalid hostname format")
	}

	if !isValidListenAddress(c.Server.Listen) {
		result.AddError("server.listen", c.Server.Listen, "invalid listen address")
	}
	if c.Server.APIListen != "" && !isValidListenAddress(c.Server.APIListen) {
		result.AddError("server.api_listen", c.Server.APIListen, "invalid listen address")
	}
	if _, err := parseDuration(c.Server.ReadTimeout); err != nil {
		result.AddError("server.read_timeout", c.Server.ReadTimeout, err.Error())
	}
	if c.Server.MaxMessageBytes <= 0 {
		result.AddError("server.max_message_bytes", c.Server.MaxMessageBytes, "must be positive")
	}
	if c.Server.MaxRecipients < 0 {
		result.AddError("server.max_recipients", c.Server.MaxRecipients, "must not be negative")
	}
}

func (c *Config) validateAPI(result *ValidationResult) {
	rl := c.API.RateLimit
	if rl.RequestsPerSecond < 0 {
		result.AddError("api.rate_limit.requests_per_second", rl.RequestsPerSecond, "must not be negative")
	}
	if rl.Burst < 0 {
		result.AddError("api.rate_limit.burst", rl.Burst, "must not be negative")
	}
	if rl.Enabled && c.Server.APIListen == "" {
		result.AddWarning("api.rate_limit", rl.Enabled, "rate limiting is enabled but the API is disabled")
	}
	if c.Server.APIListen != "" && c.API.AuthToken == "" && !isLoopbackListen(c.Server.APIListen) {
		result.AddWarning("api.auth_token", "", "the API listens beyond loopback without an auth token")
	}
}

// isLoopbackListen reports whether addr only accepts local connections.
func isLoopbackListen(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsLoopback()
}

func (c *Config) validateLogging(result *ValidationResult) {
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		result.AddError("logging.level", c.Logging.Level, "must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		result.AddError("logging.format", c.Logging.Format, "must be text or json")
	}
}

func (c *Config) validateSession(result *ValidationResult) {
	if _, err := c.Limits(); err != nil {
		result.AddError("session.data.limits", nil, err.Error())
	}
	if c.Session.Data.Limits.ReceivedHeaders < 0 {
		result.AddError("session.data.limits.received-headers", c.Session.Data.Limits.ReceivedHeaders, "must not be negative")
	}
	if _, err := c.HeaderPolicy(); err != nil {
		result.AddError("session.data.add-headers", nil, err.Error())
	}
}

func (c *Config) validateQueue(result *ValidationResult) {
	if _, err := c.QueueConfig(); err != nil {
		result.AddError("queue", nil, err.Error())
	}
	defs, err := c.QuotaDefinitions()
	if err != nil {
		result.AddError("queue.quota", nil, err.Error())
		return
	}
	if _, err := quota.NewEnforcer(defs); err != nil {
		result.AddError("queue.quota", nil, err.Error())
	}
	for _, d := range defs {
		if d.IsNoop() {
			result.AddWarning("queue.quota", d.ID, "quota sets neither messages nor size and never rejects")
		}
	}
}

func (c *Config) validateStore(result *ValidationResult) {
	switch c.Store.Type {
	case "", "memory":
	case "sqlite", "sqlite3", "bolt", "bbolt":
		if c.Store.Path == "" && c.Store.DSN == "" {
			result.AddError("store.path", c.Store.Path, "path is required")
		}
	case "postgres", "postgresql", "mysql":
		if c.Store.DSN == "" {
			result.AddError("store.dsn", c.Store.DSN, "dsn is required")
		}
	case "redis", "valkey", "memcached":
		for _, a := range c.Store.Addrs {
			if _, _, err := net.SplitHostPort(a); err != nil {
				result.AddError("store.addrs", a, "address must be host:port")
			}
		}
	case "s3", "minio":
		if c.Store.Endpoint == "" || c.Store.Bucket == "" {
			result.AddError("store", c.Store.Endpoint, "endpoint and bucket are required")
		}
	default:
		result.AddError("store.type", c.Store.Type, "unsupported store type")
	}
	if c.Store.BreakerTimeout != "" {
		if _, err := parseDuration(c.Store.BreakerTimeout); err != nil {
			result.AddError("store.breaker_timeout", c.Store.BreakerTimeout, err.Error())
		}
	}
}

// Limits builds the DATA limits.
func (c *Config) Limits() (admission.Limits, error) {
	l := c.Session.Data.Limits
	messages, err := expr.ParseRules("session.data.limits.messages", l.Messages, expr.ToInt64)
	if err != nil {
		return admission.Limits{}, err
	}
	size, err := expr.ParseRules("session.data.limits.size", l.Size, expr.ToInt64)
	if err != nil {
		return admission.Limits{}, err
	}
	return admission.Limits{
		Messages:        messages,
		ReceivedHeaders: l.ReceivedHeaders,
		Size:            size,
	}, nil
}

// HeaderPolicy builds the add-headers rule sets.
func (c *Config) HeaderPolicy() (headers.Policy, error) {
	h := c.Session.Data.AddHeaders
	var (
		p   headers.Policy
		err error
	)
	fields := []struct {
		name string
		raw  interface{}
		dst  *expr.Rules[bool]
	}{
		{"received", h.Received, &p.Received},
		{"received-spf", h.ReceivedSPF, &p.ReceivedSPF},
		{"auth-results", h.AuthResults, &p.AuthResults},
		{"message-id", h.MessageID, &p.MessageID},
		{"date", h.Date, &p.Date},
		{"return-path", h.ReturnPath, &p.ReturnPath},
	}
	for _, f := range fields {
		*f.dst, err = expr.ParseRules("session.data.add-headers."+f.name, f.raw, expr.ToBool)
		if err != nil {
			return headers.Policy{}, err
		}
	}
	return p, nil
}

// QuotaDefinitions compiles the [[queue.quota]] entries. Entries without
// an id are named quota<N> after their position.
func (c *Config) QuotaDefinitions() ([]*quota.Definition, error) {
	defs := make([]*quota.Definition, 0, len(c.Queue.Quota))
	for i, qc := range c.Queue.Quota {
		path := fmt.Sprintf("queue.quota[%d]", i)

		id := qc.ID
		if id == "" {
			id = "quota" + strconv.Itoa(i)
		}
		d := &quota.Definition{
			ID:          id,
			MaxMessages: qc.Messages,
			MaxBytes:    qc.Size,
			Enabled:     qc.Enable == nil || *qc.Enable,
			Dedup:       qc.Dedup,
		}
		if qc.Match != "" {
			m, err := expr.Parse(qc.Match)
			if err != nil {
				return nil, &expr.ConfigurationError{Path: path + ".match", Msg: "invalid expression", Err: err}
			}
			d.Match = m
		}
		for _, k := range qc.Key {
			f, err := expr.ParseField(k)
			if err != nil {
				return nil, &expr.ConfigurationError{Path: path + ".key", Msg: "invalid key", Err: err}
			}
			d.Keys = append(d.Keys, f)
		}
		if err := d.Validate(); err != nil {
			return nil, &expr.ConfigurationError{Path: path, Msg: "invalid quota", Err: err}
		}
		defs = append(defs, d)
	}
	return defs, nil
}

// QueueConfig returns the parsed queue timings.
func (c *Config) QueueConfig() (queue.Config, error) {
	ttl, err := parseDuration(c.Queue.TTL)
	if err != nil {
		return queue.Config{}, fmt.Errorf("queue.ttl: %w", err)
	}
	interval, err := parseDuration(c.Queue.ExpireInterval)
	if err != nil {
		return queue.Config{}, fmt.Errorf("queue.expire_interval: %w", err)
	}
	return queue.Config{TTL: ttl, ExpireInterval: interval}, nil
}

// ReadTimeout returns the parsed SMTP read timeout.
func (c *Config) ReadTimeout() time.Duration {
	d, _ := parseDuration(c.Server.ReadTimeout)
	return d
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %s must not be negative", s)
	}
	return d, nil
}

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	if hostname == "localhost" || net.ParseIP(hostname) != nil {
		return true
	}
	return hostnameRegex.MatchString(hostname)
}

func isValidListenAddress(addr string) bool {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return false
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		return true
	}
	return isValidHostname(host)
}
