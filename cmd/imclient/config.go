package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/imlink/internal/config"
	"github.com/danmuck/imlink/internal/protocol/frame"
)

const (
	transportTCP       = "tcp"
	transportWebSocket = "websocket"
)

type clientConfig struct {
	Host               string
	Port               uint16
	Transport          string
	WSPath             string
	Version            uint32
	ClientID           string
	Secret             string
	IdentifyCmd        uint32
	ConnectTimeout     time.Duration
	MaxConnectAttempts int
	PingInterval       time.Duration
	PingCmd            uint32
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		Host:           "127.0.0.1",
		Port:           9410,
		Transport:      transportTCP,
		WSPath:         "/ws",
		Version:        frame.DefaultVersion,
		IdentifyCmd:    1,
		ConnectTimeout: 5 * time.Second,
		PingCmd:        2,
	}
}

type fileConfig struct {
	Host               string `toml:"host" yaml:"host"`
	Port               uint16 `toml:"port" yaml:"port"`
	Transport          string `toml:"transport" yaml:"transport"`
	WSPath             string `toml:"ws_path" yaml:"ws_path"`
	Version            uint32 `toml:"version" yaml:"version"`
	ClientID           string `toml:"client_id" yaml:"client_id"`
	Secret             string `toml:"secret" yaml:"secret"`
	IdentifyCmd        uint32 `toml:"identify_cmd" yaml:"identify_cmd"`
	ConnectTimeout     string `toml:"connect_timeout" yaml:"connect_timeout"`
	MaxConnectAttempts int    `toml:"max_connect_attempts" yaml:"max_connect_attempts"`
	PingInterval       string `toml:"ping_interval" yaml:"ping_interval"`
	PingCmd            uint32 `toml:"ping_cmd" yaml:"ping_cmd"`
}

func loadClientConfig(path string) (clientConfig, error) {
	cfg := defaultClientConfig()

	var raw fileConfig
	keys, err := config.DecodeFile(path, &raw)
	if err != nil {
		return clientConfig{}, fmt.Errorf("load client config: %w", err)
	}

	if keys.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if keys.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if keys.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if keys.IsDefined("ws_path") {
		cfg.WSPath = strings.TrimSpace(raw.WSPath)
	}
	if keys.IsDefined("version") {
		cfg.Version = raw.Version
	}
	if keys.IsDefined("client_id") {
		cfg.ClientID = strings.TrimSpace(raw.ClientID)
	}
	if keys.IsDefined("secret") {
		cfg.Secret = raw.Secret
	}
	if keys.IsDefined("identify_cmd") {
		cfg.IdentifyCmd = raw.IdentifyCmd
	}
	if keys.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return clientConfig{}, fmt.Errorf("parse connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = d
	}
	if keys.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if keys.IsDefined("ping_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.PingInterval))
		if err != nil {
			return clientConfig{}, fmt.Errorf("parse ping_interval: %w", err)
		}
		cfg.PingInterval = d
	}
	if keys.IsDefined("ping_cmd") {
		cfg.PingCmd = raw.PingCmd
	}
	return cfg, nil
}

func (c clientConfig) validate() error {
	if c.Host == "" {
		return fmt.Errorf("client config missing host")
	}
	if c.Port == 0 {
		return fmt.Errorf("client config missing port")
	}
	switch c.Transport {
	case transportTCP, transportWebSocket:
	default:
		return fmt.Errorf("client config transport %q not tcp|websocket", c.Transport)
	}
	if c.ClientID == "" {
		return fmt.Errorf("client config missing client_id")
	}
	if c.Version == 0 {
		return fmt.Errorf("client config version must be non-zero")
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("client config connect_timeout must be >= 0")
	}
	return nil
}
