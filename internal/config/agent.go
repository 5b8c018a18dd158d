package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentConfig is the YAML provisioning file for a gateway node agent.
type AgentConfig struct {
	ListenAddress string `yaml:"listen_address"`
	Port          int    `yaml:"port"`
	Token         string `yaml:"token"`
	DataRoot      string `yaml:"data_root"`

	Xray      XraySection      `yaml:"xray"`
	Hysteria  HysteriaSection  `yaml:"hysteria"`
	Wireguard WireguardSection `yaml:"wireguard"`
}

// XraySection configures the Xray artifact and its optional live gRPC apply.
type XraySection struct {
	Enabled            bool     `yaml:"enabled"`
	FileName           string   `yaml:"file_name"`
	RealityInboundTag  string   `yaml:"reality_inbound_tag"`
	WsInboundTag       string   `yaml:"ws_inbound_tag"`
	PreseedServerNames []string `yaml:"preseed_server_names"`
	ReloadCommand      []string `yaml:"reload_command"`
	LiveApply          bool     `yaml:"live_apply"`
	APIAddress         string   `yaml:"api_address"`
}

// HysteriaSection configures the Hysteria2 artifact.
type HysteriaSection struct {
	Enabled       bool     `yaml:"enabled"`
	FileName      string   `yaml:"file_name"`
	ReloadCommand []string `yaml:"reload_command"`
}

// WireguardSection configures the WireGuard artifact. Only transit nodes
// enable it.
type WireguardSection struct {
	Enabled       bool     `yaml:"enabled"`
	FileName      string   `yaml:"file_name"`
	ReloadCommand []string `yaml:"reload_command"`
}

// LoadAgentConfig reads and validates the agent YAML config at path.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &AgentConfig{}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in zero-valued optional fields.
func (c *AgentConfig) ApplyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 2291
	}
	if c.DataRoot == "" {
		c.DataRoot = "/var/lib/tracegate-agent"
	}
	if c.Xray.FileName == "" {
		c.Xray.FileName = "config.json"
	}
	if c.Xray.RealityInboundTag == "" {
		c.Xray.RealityInboundTag = "vless-reality"
	}
	if c.Xray.WsInboundTag == "" {
		c.Xray.WsInboundTag = "vless-ws"
	}
	if c.Hysteria.FileName == "" {
		c.Hysteria.FileName = "config.yaml"
	}
	if c.Wireguard.FileName == "" {
		c.Wireguard.FileName = "wg0.conf"
	}
}

// Validate checks the config for errors. Call after ApplyDefaults.
func (c *AgentConfig) Validate() error {
	var errs []string

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port: must be 1-65535, got %d", c.Port))
	}
	if c.Token == "" {
		errs = append(errs, "token: must not be empty")
	} else if IsWeakToken(c.Token) {
		errs = append(errs, "token: too weak, use a longer random value")
	}
	if !strings.HasPrefix(c.DataRoot, "/") {
		errs = append(errs, fmt.Sprintf("data_root: must be an absolute path, got %q", c.DataRoot))
	}
	if c.Xray.LiveApply && c.Xray.APIAddress == "" {
		errs = append(errs, "xray.api_address: required when xray.live_apply is set")
	}
	if !c.Xray.Enabled && !c.Hysteria.Enabled && !c.Wireguard.Enabled {
		errs = append(errs, "at least one of xray, hysteria, wireguard must be enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}
