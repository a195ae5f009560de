// Package config loads the YAML or JSON settings files of the ekc binaries
// and layers environment overrides on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Validator validates configuration
type Validator interface {
	Validate(config interface{}) error
}

// ValidatorFunc is a function that validates configuration
type ValidatorFunc func(config interface{}) error

func (f ValidatorFunc) Validate(config interface{}) error {
	return f(config)
}

// Load decodes the file at path into target. Files ending in .json are
// JSON; everything else is YAML. Fields absent from the file keep the
// values target already holds.
func Load(path string, target interface{}) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return LoadJSON(path, target)
	}
	return LoadYAML(path, target)
}

// LoadYAML decodes a YAML file. Duration fields accept "500ms" style values.
func LoadYAML(path string, target interface{}) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal YAML %s: %w", path, err)
	}
	return nil
}

// LoadJSON decodes a JSON file. Duration fields are integer nanoseconds.
func LoadJSON(path string, target interface{}) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal JSON %s: %w", path, err)
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	// #nosec G304 -- the settings path is an operator-supplied flag.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return data, nil
}

// LoadWithEnv loads path and then applies PREFIX_SECTION_KEY environment
// overrides (e.g. EKC_BUS_URL).
func LoadWithEnv(path string, prefix string, target interface{}) error {
	if err := Load(path, target); err != nil {
		return err
	}
	if err := ApplyEnvOverrides(prefix, target); err != nil {
		return fmt.Errorf("failed to apply env overrides: %w", err)
	}
	return nil
}

// Validate runs validators in order and stops at the first failure.
func Validate(config interface{}, validators ...Validator) error {
	for _, validator := range validators {
		if err := validator.Validate(config); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}
	return nil
}
