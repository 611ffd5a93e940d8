package config

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const EnvPrefix = "APICAPTURE"

// NewViper 读取内嵌的默认配置,并开启 APICAPTURE_* 环境变量覆盖
func NewViper(defaults []byte) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("read default config: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

// MergeFile merges a user supplied config file over the defaults.
func MergeFile(v *viper.Viper, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("merge config file %s: %w", path, err)
	}
	return nil
}

func ParseConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	for _, dir := range []*string{&cfg.Rod.UserDataDir, &cfg.Chromedp.UserDataDir} {
		if *dir == "" {
			continue
		}
		absPath, err := filepath.Abs(*dir)
		if err != nil {
			return nil, err
		}
		*dir = absPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
