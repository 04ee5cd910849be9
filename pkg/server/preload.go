package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joon704/zigbee-herdsman-converters/pkg/utils"
	"gopkg.in/yaml.v3"
)

// PreloadConfig lists firmwares registered when the mirror starts.
//
//	firmwares:
//	  - model: SP600
//	    otaPath: /srv/ota/SP600.ota
//	    compression: gzip
type PreloadConfig struct {
	Firmwares []FirmwareData `json:"firmwares" yaml:"firmwares"`
}

func (cfg *PreloadConfig) validate() error {
	for i, fw := range cfg.Firmwares {
		if fw.Model == "" || fw.OtaPath == "" {
			return fmt.Errorf("preload entry %d: model and otaPath are required", i)
		}
	}
	return nil
}

func ParsePreloadConfig(data []byte) (*PreloadConfig, error) {
	var cfg PreloadConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse preload config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadPreloadConfig reads a preload file. Files ending in .json are decoded
// as JSON, anything else as YAML.
func LoadPreloadConfig(path string) (*PreloadConfig, error) {
	if path == "" {
		return nil, errors.New("preload config path is empty")
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		cfg, err := utils.UnmarshalJsonFromFile[PreloadConfig](path)
		if err != nil {
			return nil, fmt.Errorf("parse preload config: %w", err)
		}
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read preload config: %w", err)
	}
	return ParsePreloadConfig(data)
}
