package cmd

import (
	_ "embed" // Required for go:embed
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-delivery-service/deliveryservice/config"
	"gopkg.in/yaml.v3"
)

//go:embed prod/config.yaml
var configFile []byte

// Load parses the embedded configuration file and applies environment
// overrides.
func Load(logger *slog.Logger) (*config.AppConfig, error) {
	return load(configFile, logger)
}

func load(raw []byte, logger *slog.Logger) (*config.AppConfig, error) {
	// Stage 0: unmarshal.
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(raw, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded yaml config: %w", err)
	}

	// Stage 1: YAML to base struct.
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration from yaml: %w", err)
	}

	// Stage 2: env vars and validation.
	return config.UpdateConfigWithEnvOverrides(baseCfg, logger)
}
