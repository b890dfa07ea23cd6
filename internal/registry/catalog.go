package registry

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// CatalogDefinitions models the structure of configs/capabilities.yaml.
type CatalogDefinitions struct {
	Capabilities map[string]Capability `yaml:"capabilities"`
}

// LoadCatalogDefinitions parses the YAML file containing capability metadata.
func LoadCatalogDefinitions(path string) (CatalogDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return CatalogDefinitions{Capabilities: map[string]Capability{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return CatalogDefinitions{}, fmt.Errorf("读取能力目录失败: %w", err)
	}

	var defs CatalogDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return CatalogDefinitions{}, fmt.Errorf("解析能力目录失败: %w", err)
	}
	if defs.Capabilities == nil {
		defs.Capabilities = map[string]Capability{}
	}
	return defs, nil
}

// LoadCatalog reads the YAML catalog and registers every capability.
func LoadCatalog(r *Registry, path string) error {
	defs, err := LoadCatalogDefinitions(path)
	if err != nil {
		return err
	}
	for id, capability := range defs.Capabilities {
		capability.ID = id
		if err := r.Register(capability); err != nil {
			return fmt.Errorf("注册能力 %s 失败: %w", id, err)
		}
	}
	return nil
}
