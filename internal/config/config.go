// Package config decodes CLI config files. TOML and YAML are both
// accepted; callers apply only the keys a file actually defines.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var ErrUnsupportedFormat = errors.New("config: unsupported file format")

// Keys is the set of dotted key paths defined in a decoded file.
type Keys map[string]struct{}

func (k Keys) IsDefined(key ...string) bool {
	_, ok := k[strings.Join(key, ".")]
	return ok
}

// Format returns "toml" or "yaml" for path, judged by extension.
func Format(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml", nil
	case ".yaml", ".yml":
		return "yaml", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, path)
	}
}

// DecodeFile decodes path into out and reports which keys were present.
func DecodeFile(path string, out any) (Keys, error) {
	format, err := Format(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case "toml":
		return decodeTOML(path, out)
	default:
		return decodeYAML(path, out)
	}
}

func decodeTOML(path string, out any) (Keys, error) {
	meta, err := toml.DecodeFile(path, out)
	if err != nil {
		return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	keys := make(Keys)
	for _, key := range meta.Keys() {
		keys[key.String()] = struct{}{}
	}
	return keys, nil
}

func decodeYAML(path string, out any) (Keys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	keys := make(Keys)
	collectKeys(keys, "", tree)
	return keys, nil
}

func collectKeys(keys Keys, prefix string, tree map[string]any) {
	for name, value := range tree {
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		keys[key] = struct{}{}
		if child, ok := value.(map[string]any); ok {
			collectKeys(keys, key, child)
		}
	}
}
