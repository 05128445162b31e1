package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from file and merges with defaults.
// Strategy and scenario presets are applied before file values so explicit
// settings in the file always win.
func LoadConfig(configFile string) (*Config, error) {
	config := DefaultConfig()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		if configFile != "" {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
		// No config file found; run on defaults.
		return config, nil
	}

	// Apply presets first so file-level overrides take precedence.
	if s := viper.GetString("manager.strategy"); s != "" {
		if err := config.ApplyStrategy(Strategy(s)); err != nil {
			return nil, err
		}
	}
	if sc := viper.GetString("manager.scenario"); sc != "" {
		if err := config.ApplyScenario(Scenario(sc)); err != nil {
			return nil, err
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// SaveToFile saves a configuration to a YAML file.
func SaveToFile(config *Config, filename string) error {
	if filename == "" {
		return fmt.Errorf("no config file path provided")
	}

	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetConfigFilePath returns the configuration file path used by viper.
func GetConfigFilePath() string {
	return viper.ConfigFileUsed()
}
