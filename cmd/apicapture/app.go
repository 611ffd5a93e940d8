package main

import (
	"fmt"

	"github.com/LouYuanbo1/apicapture/internal/config"
	"github.com/LouYuanbo1/apicapture/internal/infra/crawler/chrome"
	"github.com/LouYuanbo1/apicapture/internal/logging"
	"github.com/LouYuanbo1/apicapture/internal/service/capture"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	service capture.CaptureService
}

// loadConfig 优先级: 命令行参数 > APICAPTURE_* 环境变量 > --config 文件 > 内嵌默认值
func loadConfig(cmd *cobra.Command, opts *globalOptions, bindings map[string]string) (*config.Config, error) {
	v, err := config.NewViper(config.DefaultJSON)
	if err != nil {
		return nil, err
	}
	if err := config.MergeFile(v, opts.configPath); err != nil {
		return nil, err
	}
	bindings["driver"] = "driver"
	bindings["log.level"] = "log-level"
	if err := bindFlags(v, cmd, bindings); err != nil {
		return nil, err
	}
	return config.ParseConfig(v)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, bindings map[string]string) error {
	for key, name := range bindings {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			return fmt.Errorf("flag --%s is not defined", name)
		}
		// 只有显式传入的参数才覆盖配置
		if !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func newApp(cmd *cobra.Command, opts *globalOptions, bindings map[string]string) (*app, error) {
	cfg, err := loadConfig(cmd, opts, bindings)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	logger.Debug("config loaded", zap.String("driver", cfg.Driver), zap.String("filter_policy", cfg.Filter.Policy))

	launcher := newLauncher(cfg, logger.Named(cfg.Driver))
	return &app{
		cfg:     cfg,
		logger:  logger,
		service: capture.InitCaptureService(cfg, launcher, logger.Named("capture")),
	}, nil
}

func newLauncher(cfg *config.Config, logger *zap.Logger) chrome.Launcher {
	if cfg.Driver == config.DriverChromedp {
		return chrome.InitChromedpLauncher(cfg, logger)
	}
	return chrome.InitRodLauncher(cfg, logger)
}
