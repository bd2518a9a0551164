package configfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
	"gopkg.in/yaml.v3"
)

const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// FormatFor picks the format from the file extension; anything that is not
// .json is YAML.
func FormatFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Render encodes cfg. The output depends only on cfg.
func Render(cfg domain.ServerConfig, format string) ([]byte, error) {
	if cfg.Apps == nil {
		cfg.Apps = []domain.ApplicationConfig{}
	}
	var buf bytes.Buffer
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg); err != nil {
			return nil, fmt.Errorf("encode json config: %w", err)
		}
	case FormatYAML, "":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return nil, fmt.Errorf("encode yaml config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encode yaml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	return buf.Bytes(), nil
}

func Parse(data []byte, format string) (domain.ServerConfig, error) {
	var cfg domain.ServerConfig
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return domain.ServerConfig{}, fmt.Errorf("decode json config: %w", err)
		}
	case FormatYAML, "":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return domain.ServerConfig{}, fmt.Errorf("decode yaml config: %w", err)
		}
	default:
		return domain.ServerConfig{}, fmt.Errorf("unsupported config format %q", format)
	}
	return cfg, nil
}
