package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/imlink/internal/config"
	"github.com/danmuck/imlink/internal/server"
)

type fileConfig struct {
	Addr          string            `toml:"addr" yaml:"addr"`
	HTTPAddr      string            `toml:"http_addr" yaml:"http_addr"`
	WSPath        string            `toml:"ws_path" yaml:"ws_path"`
	Version       uint32            `toml:"version" yaml:"version"`
	Clients       map[string]string `toml:"clients" yaml:"clients"`
	RatePerSecond float64           `toml:"rate_per_second" yaml:"rate_per_second"`
	RateBurst     int               `toml:"rate_burst" yaml:"rate_burst"`
}

func loadServerConfig(path string) (server.Config, error) {
	cfg := server.DefaultConfig()

	var raw fileConfig
	keys, err := config.DecodeFile(path, &raw)
	if err != nil {
		return server.Config{}, fmt.Errorf("load server config: %w", err)
	}

	if keys.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if keys.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if keys.IsDefined("ws_path") {
		cfg.WSPath = strings.TrimSpace(raw.WSPath)
	}
	if keys.IsDefined("version") {
		cfg.Version = raw.Version
	}
	if keys.IsDefined("clients") {
		cfg.Clients = normalizeClients(raw.Clients)
	}
	if keys.IsDefined("rate_per_second") {
		cfg.RatePerSecond = raw.RatePerSecond
	}
	if keys.IsDefined("rate_burst") {
		cfg.RateBurst = raw.RateBurst
	}
	return cfg, nil
}

func normalizeClients(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for id, secret := range in {
		id = strings.TrimSpace(id)
		if id == "" || secret == "" {
			continue
		}
		out[id] = secret
	}
	return out
}

func validate(cfg server.Config) error {
	if cfg.Addr == "" && cfg.HTTPAddr == "" {
		return fmt.Errorf("server config needs addr or http_addr")
	}
	if len(cfg.Clients) == 0 {
		return fmt.Errorf("server config has no clients")
	}
	if cfg.RatePerSecond < 0 {
		return fmt.Errorf("server config rate_per_second must be >= 0")
	}
	return nil
}
