// Package config loads the peerctl node configuration from TOML.
// Every knob has a default; a missing file key leaves the default in
// place, and _ms variants exist for tooling that writes integers.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultMulticastGroup = "239.83.17.9"
	DefaultMulticastPort  = 8917
	DefaultCommandBind    = ":9001"

	DefaultBeaconInterval = 1000 * time.Millisecond
	DefaultTTL            = 5000 * time.Millisecond
	DefaultTimeout        = 3000 * time.Millisecond
)

var ErrInvalidConfig = errors.New("config: invalid config")

// NodeConfig is the full configuration for one peerctl node.
type NodeConfig struct {
	ID          string
	DisplayName string
	HostAddress string

	CommandBind    string
	MulticastGroup string
	MulticastPort  int

	BeaconInterval time.Duration
	TTL            time.Duration
	DefaultTimeout time.Duration

	AdminAddr   string
	CorsOrigins []string
}

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		CommandBind:    DefaultCommandBind,
		MulticastGroup: DefaultMulticastGroup,
		MulticastPort:  DefaultMulticastPort,
		BeaconInterval: DefaultBeaconInterval,
		TTL:            DefaultTTL,
		DefaultTimeout: DefaultTimeout,
	}
}

type fileConfig struct {
	ID          string `toml:"id"`
	DisplayName string `toml:"display_name"`
	HostAddress string `toml:"host_address"`

	CommandBind    string `toml:"command_bind"`
	MulticastGroup string `toml:"multicast_group"`
	MulticastPort  int    `toml:"multicast_port"`

	BeaconInterval   string `toml:"beacon_interval"`
	BeaconIntervalMS int64  `toml:"beacon_interval_ms"`
	TTL              string `toml:"ttl"`
	TTLMS            int64  `toml:"ttl_ms"`
	DefaultTimeout   string `toml:"default_timeout"`
	DefaultTimeoutMS int64  `toml:"default_timeout_ms"`

	AdminAddr   string   `toml:"admin_addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

// Load reads a node config file, applying defaults for absent keys.
func Load(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("load node config: %w", err)
	}

	if meta.IsDefined("id") {
		cfg.ID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("display_name") {
		cfg.DisplayName = strings.TrimSpace(raw.DisplayName)
	}
	if meta.IsDefined("host_address") {
		cfg.HostAddress = strings.TrimSpace(raw.HostAddress)
	}
	if meta.IsDefined("command_bind") {
		cfg.CommandBind = strings.TrimSpace(raw.CommandBind)
	}
	if meta.IsDefined("multicast_group") {
		cfg.MulticastGroup = strings.TrimSpace(raw.MulticastGroup)
	}
	if meta.IsDefined("multicast_port") {
		cfg.MulticastPort = raw.MulticastPort
	}

	if meta.IsDefined("beacon_interval") {
		d, err := parseDuration("beacon_interval", raw.BeaconInterval)
		if err != nil {
			return NodeConfig{}, err
		}
		cfg.BeaconInterval = d
	}
	if meta.IsDefined("beacon_interval_ms") {
		cfg.BeaconInterval = time.Duration(raw.BeaconIntervalMS) * time.Millisecond
	}
	if meta.IsDefined("ttl") {
		d, err := parseDuration("ttl", raw.TTL)
		if err != nil {
			return NodeConfig{}, err
		}
		cfg.TTL = d
	}
	if meta.IsDefined("ttl_ms") {
		cfg.TTL = time.Duration(raw.TTLMS) * time.Millisecond
	}
	if meta.IsDefined("default_timeout") {
		d, err := parseDuration("default_timeout", raw.DefaultTimeout)
		if err != nil {
			return NodeConfig{}, err
		}
		cfg.DefaultTimeout = d
	}
	if meta.IsDefined("default_timeout_ms") {
		cfg.DefaultTimeout = time.Duration(raw.DefaultTimeoutMS) * time.Millisecond
	}

	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}

	if err := Validate(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

// Validate enforces the relationships the discovery loops rely on.
func Validate(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.CommandBind) == "" {
		return fmt.Errorf("%w: command_bind is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.MulticastGroup) == "" {
		return fmt.Errorf("%w: multicast_group is required", ErrInvalidConfig)
	}
	if cfg.MulticastPort <= 0 || cfg.MulticastPort > 65535 {
		return fmt.Errorf("%w: multicast_port %d", ErrInvalidConfig, cfg.MulticastPort)
	}
	if cfg.BeaconInterval <= 0 {
		return fmt.Errorf("%w: beacon_interval must be positive", ErrInvalidConfig)
	}
	if cfg.TTL <= cfg.BeaconInterval {
		return fmt.Errorf("%w: ttl %v must exceed beacon_interval %v", ErrInvalidConfig, cfg.TTL, cfg.BeaconInterval)
	}
	if cfg.DefaultTimeout < 0 {
		return fmt.Errorf("%w: default_timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Template is a commented starter config for configgen.
const Template = `# peerctl node configuration

# Stable node identity. Generated on startup when omitted.
# id = "ue-a"
# display_name = "Editor A"

# Address advertised to peers. Discovery substitutes the datagram
# source address when omitted.
# host_address = "192.168.1.20"

# Command channel listen address.
command_bind = ":9001"

# Discovery group.
multicast_group = "239.83.17.9"
multicast_port = 8917

beacon_interval = "1s"
ttl = "5s"
default_timeout = "3s"

# Optional admin surface (health, peers, metrics). Disabled when empty.
# admin_addr = "127.0.0.1:7090"
# cors_origins = ["http://localhost:5173"]
`

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, key, err)
	}
	return d, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
