// Package config handles environment-based configuration for the control
// plane and dispatcher, and the YAML provisioning file for the node agent.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven control-plane settings.
type EnvConfig struct {
	// Directories
	StateDir string

	// Network
	ListenAddress string
	APIPort       int

	// API
	APIMaxBodyBytes int

	// Auth
	AdminToken string
	AgentToken string

	// Defaults
	DefaultHost        string
	DefaultDeviceQuota int
	WsPath             string

	// WireGuard address pool, ensured at startup and used for peer leases.
	WireguardPoolCIDR    string
	WireguardPoolGateway string
	WireguardQuarantine  time.Duration
	WireguardDNS         string
	WireguardMTU         int
	WireguardKeepalive   int

	// Background schedules
	QuarantineReapSchedule  string
	OutboxRetentionSchedule string
	OutboxRetention         time.Duration
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.StateDir = envStr("TRACEGATE_STATE_DIR", "/var/lib/tracegate")
	cfg.ListenAddress = strings.TrimSpace(envStr("TRACEGATE_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.APIPort = envInt("TRACEGATE_API_PORT", 2290, &errs)
	cfg.APIMaxBodyBytes = envInt("TRACEGATE_API_MAX_BODY_BYTES", 1<<20, &errs)

	adminToken, hasAdminToken := os.LookupEnv("TRACEGATE_ADMIN_TOKEN")
	cfg.AdminToken = adminToken
	agentToken, hasAgentToken := os.LookupEnv("TRACEGATE_AGENT_TOKEN")
	cfg.AgentToken = agentToken

	cfg.DefaultHost = envStr("TRACEGATE_DEFAULT_HOST", "localhost")
	cfg.DefaultDeviceQuota = envInt("TRACEGATE_DEFAULT_DEVICE_QUOTA", 3, &errs)
	cfg.WsPath = envStr("TRACEGATE_WS_PATH", "/ws")

	cfg.WireguardPoolCIDR = envStr("TRACEGATE_WG_POOL_CIDR", "10.70.0.0/24")
	cfg.WireguardPoolGateway = envStr("TRACEGATE_WG_POOL_GATEWAY", "10.70.0.1")
	cfg.WireguardQuarantine = envDuration("TRACEGATE_WG_QUARANTINE", time.Hour, &errs)
	cfg.WireguardDNS = envStr("TRACEGATE_WG_DNS", "1.1.1.1")
	cfg.WireguardMTU = envInt("TRACEGATE_WG_MTU", 1280, &errs)
	cfg.WireguardKeepalive = envInt("TRACEGATE_WG_KEEPALIVE", 25, &errs)

	cfg.QuarantineReapSchedule = envStr("TRACEGATE_QUARANTINE_REAP_SCHEDULE", "@every 1m")
	cfg.OutboxRetentionSchedule = envStr("TRACEGATE_OUTBOX_RETENTION_SCHEDULE", "17 * * * *")
	cfg.OutboxRetention = envDuration("TRACEGATE_OUTBOX_RETENTION", 7*24*time.Hour, &errs)

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "TRACEGATE_ADMIN_TOKEN must be defined (can be empty)")
	}
	if !hasAgentToken {
		errs = append(errs, "TRACEGATE_AGENT_TOKEN must be defined (can be empty)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "TRACEGATE_LISTEN_ADDRESS must not be empty")
	}

	validatePort("TRACEGATE_API_PORT", cfg.APIPort, &errs)
	validatePositive("TRACEGATE_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("TRACEGATE_DEFAULT_DEVICE_QUOTA", cfg.DefaultDeviceQuota, &errs)
	if cfg.WireguardPoolCIDR == "" || cfg.WireguardPoolGateway == "" {
		errs = append(errs, "TRACEGATE_WG_POOL_CIDR and TRACEGATE_WG_POOL_GATEWAY must not be empty")
	}
	if cfg.WireguardQuarantine < 0 {
		errs = append(errs, "TRACEGATE_WG_QUARANTINE must not be negative")
	}
	validatePositive("TRACEGATE_WG_MTU", cfg.WireguardMTU, &errs)
	if cfg.OutboxRetention <= 0 {
		errs = append(errs, "TRACEGATE_OUTBOX_RETENTION must be positive")
	}
	if _, err := cron.ParseStandard(cfg.QuarantineReapSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("TRACEGATE_QUARANTINE_REAP_SCHEDULE: invalid cron expression %q: %v", cfg.QuarantineReapSchedule, err))
	}
	if _, err := cron.ParseStandard(cfg.OutboxRetentionSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("TRACEGATE_OUTBOX_RETENTION_SCHEDULE: invalid cron expression %q: %v", cfg.OutboxRetentionSchedule, err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// DispatcherConfig holds environment-variable-driven dispatcher settings.
type DispatcherConfig struct {
	StateDir       string
	PollInterval   time.Duration
	PollJitter     time.Duration
	BatchSize      int
	Concurrency    int
	MaxAttempts    int
	LeaseTTL       time.Duration
	RequestTimeout time.Duration
	AgentToken     string
}

// LoadDispatcherConfig reads environment variables and returns a validated
// DispatcherConfig.
func LoadDispatcherConfig() (*DispatcherConfig, error) {
	cfg := &DispatcherConfig{}
	var errs []string

	cfg.StateDir = envStr("TRACEGATE_STATE_DIR", "/var/lib/tracegate")
	cfg.PollInterval = envDuration("TRACEGATE_DISPATCH_POLL_INTERVAL", 2*time.Second, &errs)
	cfg.PollJitter = envDuration("TRACEGATE_DISPATCH_POLL_JITTER", time.Second, &errs)
	cfg.BatchSize = envInt("TRACEGATE_DISPATCH_BATCH_SIZE", 32, &errs)
	cfg.Concurrency = envInt("TRACEGATE_DISPATCH_CONCURRENCY", 8, &errs)
	cfg.MaxAttempts = envInt("TRACEGATE_DISPATCH_MAX_ATTEMPTS", 5, &errs)
	cfg.LeaseTTL = envDuration("TRACEGATE_DISPATCH_LEASE_TTL", time.Minute, &errs)
	cfg.RequestTimeout = envDuration("TRACEGATE_DISPATCH_REQUEST_TIMEOUT", 20*time.Second, &errs)

	agentToken, hasAgentToken := os.LookupEnv("TRACEGATE_AGENT_TOKEN")
	cfg.AgentToken = agentToken

	if !hasAgentToken {
		errs = append(errs, "TRACEGATE_AGENT_TOKEN must be defined (can be empty)")
	}
	if cfg.PollInterval <= 0 {
		errs = append(errs, "TRACEGATE_DISPATCH_POLL_INTERVAL must be positive")
	}
	if cfg.PollJitter < 0 {
		errs = append(errs, "TRACEGATE_DISPATCH_POLL_JITTER must not be negative")
	}
	validatePositive("TRACEGATE_DISPATCH_BATCH_SIZE", cfg.BatchSize, &errs)
	validatePositive("TRACEGATE_DISPATCH_CONCURRENCY", cfg.Concurrency, &errs)
	validatePositive("TRACEGATE_DISPATCH_MAX_ATTEMPTS", cfg.MaxAttempts, &errs)
	if cfg.LeaseTTL <= 0 {
		errs = append(errs, "TRACEGATE_DISPATCH_LEASE_TTL must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		errs = append(errs, "TRACEGATE_DISPATCH_REQUEST_TIMEOUT must be positive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
