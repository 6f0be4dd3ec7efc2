package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for a scan run
type Config struct {
	// Scan input
	Targets      string   `yaml:"targets" json:"targets"`
	Ports        []int    `yaml:"ports" json:"ports"`
	MaxDepth     int      `yaml:"max_depth" json:"max_depth"`
	Workers      int      `yaml:"workers" json:"workers"`
	MaxMask      int      `yaml:"max_mask" json:"max_mask"`
	AllowCIDRs   []string `yaml:"allow_cidrs" json:"allow_cidrs"`
	DenyCIDRs    []string `yaml:"deny_cidrs" json:"deny_cidrs"`
	FixedTargets bool     `yaml:"fixed_targets" json:"fixed_targets"`
	ForceRescan  bool     `yaml:"force_rescan" json:"force_rescan"`
	StartFrom    string   `yaml:"start_from" json:"start_from"`

	// Identity
	Scanner string `yaml:"scanner" json:"scanner"`
	Run     string `yaml:"run" json:"run"`

	// Attack engine
	ScanTimeoutSec int     `yaml:"scan_timeout_sec" json:"scan_timeout_sec"`
	MaxRetries     int     `yaml:"max_retries" json:"max_retries"`
	MaxConcurrent  int     `yaml:"max_concurrent" json:"max_concurrent"`
	RecordAttempts bool    `yaml:"record_attempts" json:"record_attempts"`
	ProxyURL       string  `yaml:"proxy_url" json:"proxy_url"`
	DialsPerSecond float64 `yaml:"dials_per_second" json:"dials_per_second"`
	DialBurst      int     `yaml:"dial_burst" json:"dial_burst"`

	// Credentials
	Credentials string `yaml:"credentials" json:"credentials"`
	Users       string `yaml:"users" json:"users"`
	Passwords   string `yaml:"passwords" json:"passwords"`
	Keys        string `yaml:"keys" json:"keys"`

	// Storage
	LedgerDriver string `yaml:"ledger_driver" json:"ledger_driver"`
	LedgerDSN    string `yaml:"ledger_dsn" json:"ledger_dsn"`
	GraphDriver  string `yaml:"graph_driver" json:"graph_driver"`
	GraphDSN     string `yaml:"graph_dsn" json:"graph_dsn"`
	SessionCache int    `yaml:"session_cache" json:"session_cache"`

	// Events
	Ingest         string `yaml:"ingest" json:"ingest"`
	SpoolDir       string `yaml:"spool_dir" json:"spool_dir"`
	BatchMaxEvents int    `yaml:"batch_max_events" json:"batch_max_events"`
	BatchFlushSec  int    `yaml:"batch_flush_sec" json:"batch_flush_sec"`

	// mTLS
	MTLSCert string `yaml:"mtls_cert" json:"mtls_cert"`
	MTLSKey  string `yaml:"mtls_key" json:"mtls_key"`
	MTLSCA   string `yaml:"mtls_ca" json:"mtls_ca"`

	// Observability
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr"`
	OTELEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint"`
	OTELInsecure bool   `yaml:"otel_insecure" json:"otel_insecure"`
	OTELService  string `yaml:"otel_service" json:"otel_service"`

	// Redis
	RedisAddr      string `yaml:"redis_addr" json:"redis_addr"`
	RedisQueueAddr string `yaml:"redis_queue_addr" json:"redis_queue_addr"`
	RedisQueueKey  string `yaml:"redis_queue_key" json:"redis_queue_key"`
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.Scanner == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			c.Scanner = h
		} else {
			c.Scanner = "scanner-1"
		}
	}
	if c.Run == "" {
		c.Run = "run-" + uuid.NewString()
	}
	if len(c.Ports) == 0 {
		c.Ports = []int{22}
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = 3
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.MaxMask == 0 {
		c.MaxMask = 24
	}
	if c.ScanTimeoutSec == 0 {
		c.ScanTimeoutSec = 5
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 10
	}
	if c.Credentials == "" {
		c.Credentials = "wordlists/credentials.csv"
	}
	if c.Users == "" {
		c.Users = "wordlists/users.txt"
	}
	if c.Passwords == "" {
		c.Passwords = "wordlists/passwords.txt"
	}
	if c.Keys == "" {
		c.Keys = "wordlists/keys"
	}
	if c.LedgerDriver == "" {
		c.LedgerDriver = "sqlite3"
	}
	if c.LedgerDSN == "" {
		c.LedgerDSN = "sshmap_attempts.db"
	}
	if c.GraphDriver == "" {
		c.GraphDriver = "sqlite3"
	}
	if c.GraphDSN == "" {
		c.GraphDSN = "sshmap_graph.db"
	}
	if c.SessionCache == 0 {
		c.SessionCache = 128
	}
	if c.SpoolDir == "" {
		c.SpoolDir = "spool"
	}
	if c.BatchMaxEvents == 0 {
		c.BatchMaxEvents = 1000
	}
	if c.BatchFlushSec == 0 {
		c.BatchFlushSec = 2
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.OTELService == "" {
		c.OTELService = "sshmap"
	}
	if c.RedisQueueKey == "" {
		c.RedisQueueKey = "sshmap:queue"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Targets == "" && c.StartFrom == "" && c.RedisQueueAddr == "" {
		return fmt.Errorf("no targets: set targets, start_from, or redis_queue_addr")
	}
	if c.FixedTargets && c.Targets == "" {
		return fmt.Errorf("fixed_targets requires an explicit target list")
	}
	if len(c.Ports) == 0 {
		return fmt.Errorf("at least one port is required")
	}
	for _, p := range c.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("port %d out of range", p)
		}
	}
	if c.MaxDepth < 1 {
		return fmt.Errorf("max_depth must be at least 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.MaxMask < 1 || c.MaxMask > 32 {
		return fmt.Errorf("max_mask must be between 1 and 32")
	}
	if c.ScanTimeoutSec < 1 {
		return fmt.Errorf("scan_timeout_sec must be at least 1")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1")
	}
	if c.BatchMaxEvents < 1 {
		return fmt.Errorf("batch_max_events must be at least 1")
	}
	if c.BatchFlushSec < 1 {
		return fmt.Errorf("batch_flush_sec must be at least 1")
	}
	if c.ProxyURL != "" {
		u, err := url.Parse(c.ProxyURL)
		if err != nil {
			return fmt.Errorf("proxy_url: %w", err)
		}
		switch u.Scheme {
		case "socks5", "socks", "http":
		default:
			return fmt.Errorf("proxy_url: unsupported scheme %q (use socks5 or http)", u.Scheme)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// MergeWithFlags merges command-line flags with file configuration
// Command-line flags take precedence over file configuration
func (c *Config) MergeWithFlags(flags map[string]interface{}) {
	if v, ok := flags["targets"].(string); ok && v != "" {
		c.Targets = v
	}
	if v, ok := flags["ports"].([]int); ok && len(v) > 0 {
		c.Ports = v
	}
	if v, ok := flags["max_depth"].(int); ok && v > 0 {
		c.MaxDepth = v
	}
	if v, ok := flags["workers"].(int); ok && v > 0 {
		c.Workers = v
	}
	if v, ok := flags["max_mask"].(int); ok && v > 0 {
		c.MaxMask = v
	}
	if v, ok := flags["fixed_targets"].(bool); ok {
		c.FixedTargets = v
	}
	if v, ok := flags["force_rescan"].(bool); ok {
		c.ForceRescan = v
	}
	if v, ok := flags["start_from"].(string); ok && v != "" {
		c.StartFrom = v
	}
	if v, ok := flags["scanner"].(string); ok && v != "" {
		c.Scanner = v
	}
	if v, ok := flags["run"].(string); ok && v != "" {
		c.Run = v
	}
	if v, ok := flags["scan_timeout_sec"].(int); ok && v > 0 {
		c.ScanTimeoutSec = v
	}
	if v, ok := flags["max_retries"].(int); ok && v > 0 {
		c.MaxRetries = v
	}
	if v, ok := flags["max_concurrent"].(int); ok && v > 0 {
		c.MaxConcurrent = v
	}
	if v, ok := flags["record_attempts"].(bool); ok {
		c.RecordAttempts = v
	}
	if v, ok := flags["proxy_url"].(string); ok && v != "" {
		c.ProxyURL = v
	}
	if v, ok := flags["dials_per_second"].(float64); ok && v > 0 {
		c.DialsPerSecond = v
	}
	if v, ok := flags["credentials"].(string); ok && v != "" {
		c.Credentials = v
	}
	if v, ok := flags["users"].(string); ok && v != "" {
		c.Users = v
	}
	if v, ok := flags["passwords"].(string); ok && v != "" {
		c.Passwords = v
	}
	if v, ok := flags["keys"].(string); ok && v != "" {
		c.Keys = v
	}
	if v, ok := flags["ledger_driver"].(string); ok && v != "" {
		c.LedgerDriver = v
	}
	if v, ok := flags["ledger_dsn"].(string); ok && v != "" {
		c.LedgerDSN = v
	}
	if v, ok := flags["graph_driver"].(string); ok && v != "" {
		c.GraphDriver = v
	}
	if v, ok := flags["graph_dsn"].(string); ok && v != "" {
		c.GraphDSN = v
	}
	if v, ok := flags["ingest"].(string); ok && v != "" {
		c.Ingest = v
	}
	if v, ok := flags["metrics_addr"].(string); ok && v != "" {
		c.MetricsAddr = v
	}
	if v, ok := flags["batch_max_events"].(int); ok && v > 0 {
		c.BatchMaxEvents = v
	}
	if v, ok := flags["batch_flush_sec"].(int); ok && v > 0 {
		c.BatchFlushSec = v
	}
	if v, ok := flags["spool_dir"].(string); ok && v != "" {
		c.SpoolDir = v
	}
	if v, ok := flags["mtls_cert"].(string); ok && v != "" {
		c.MTLSCert = v
	}
	if v, ok := flags["mtls_key"].(string); ok && v != "" {
		c.MTLSKey = v
	}
	if v, ok := flags["mtls_ca"].(string); ok && v != "" {
		c.MTLSCA = v
	}
	if v, ok := flags["otel_endpoint"].(string); ok && v != "" {
		c.OTELEndpoint = v
	}
	if v, ok := flags["otel_insecure"].(bool); ok {
		c.OTELInsecure = v
	}
	if v, ok := flags["otel_service"].(string); ok && v != "" {
		c.OTELService = v
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_QUEUE_ADDR"); v != "" {
		c.RedisQueueAddr = v
	}
	if v := os.Getenv("REDIS_QUEUE_KEY"); v != "" {
		c.RedisQueueKey = v
	}
	if v := os.Getenv("LEDGER_DSN"); v != "" {
		c.LedgerDSN = v
	}
	if v := os.Getenv("GRAPH_DSN"); v != "" {
		c.GraphDSN = v
	}
}

// ParsePorts parses a comma-separated port list such as "22,2222"
func ParsePorts(s string) ([]int, error) {
	var ports []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", part)
		}
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("empty port list")
	}
	return ports, nil
}
