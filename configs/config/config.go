package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig will load config attributes from a yaml file. Attributes missing
// from the file keep their Default value.
func LoadConfig(cfn string) (*ServiceConfig, error) {

	confContent, err := os.ReadFile(cfn)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	confContent = []byte(os.ExpandEnv(string(confContent)))
	sc := Default()

	if err := yaml.Unmarshal(confContent, sc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration file: %w", err)
	}

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", cfn, err)
	}

	return sc, nil
}
