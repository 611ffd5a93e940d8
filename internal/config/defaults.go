package config

import _ "embed"

// 默认配置, 运行时可被 --config 文件、APICAPTURE_* 环境变量和命令行参数覆盖
//
//go:embed appconfig.json
var DefaultJSON []byte

// Default returns the embedded configuration without any overrides applied.
func Default() (*Config, error) {
	v, err := NewViper(DefaultJSON)
	if err != nil {
		return nil, err
	}
	return ParseConfig(v)
}
