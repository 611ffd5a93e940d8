package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Driver string `mapstructure:"driver" json:"driver"`

	Server struct {
		Addr                     string `mapstructure:"addr" json:"addr"`
		MaxConcurrent            int    `mapstructure:"max_concurrent" json:"max_concurrent"`
		ReadHeaderTimeoutSeconds int    `mapstructure:"read_header_timeout_seconds" json:"read_header_timeout_seconds"`
		ShutdownTimeoutSeconds   int    `mapstructure:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
	} `mapstructure:"server" json:"server"`

	Log struct {
		Level  string `mapstructure:"level" json:"level"`
		Format string `mapstructure:"format" json:"format"`
	} `mapstructure:"log" json:"log"`

	Rod struct {
		UserMode             bool   `mapstructure:"user_mode" json:"user_mode"`
		UserDataDir          string `mapstructure:"user_data_dir" json:"user_data_dir"`
		Headless             bool   `mapstructure:"headless" json:"headless"`
		DisableBlinkFeatures string `mapstructure:"disable_blink_features" json:"disable_blink_features"`
		Incognito            bool   `mapstructure:"incognito" json:"incognito"`
		DisableDevShmUsage   bool   `mapstructure:"disable_dev_shm_usage" json:"disable_dev_shm_usage"`
		NoSandbox            bool   `mapstructure:"no_sandbox" json:"no_sandbox"`
		UserAgent            string `mapstructure:"user_agent" json:"user_agent"`
		Leakless             bool   `mapstructure:"leakless" json:"leakless"`
		Bin                  string `mapstructure:"bin" json:"bin"`
		Stealth              bool   `mapstructure:"stealth" json:"stealth"`
		Trace                bool   `mapstructure:"trace" json:"trace"`
	} `mapstructure:"rod" json:"rod"`

	Chromedp struct {
		ExecPath             string `mapstructure:"exec_path" json:"exec_path"`
		UserDataDir          string `mapstructure:"user_data_dir" json:"user_data_dir"`
		Headless             bool   `mapstructure:"headless" json:"headless"`
		DisableBlinkFeatures string `mapstructure:"disable_blink_features" json:"disable_blink_features"`
		Incognito            bool   `mapstructure:"incognito" json:"incognito"`
		DisableDevShmUsage   bool   `mapstructure:"disable_dev_shm_usage" json:"disable_dev_shm_usage"`
		NoSandbox            bool   `mapstructure:"no_sandbox" json:"no_sandbox"`
		UserAgent            string `mapstructure:"user_agent" json:"user_agent"`
	} `mapstructure:"chromedp" json:"chromedp"`

	Capture struct {
		TimeBudgetSeconds        int `mapstructure:"time_budget_seconds" json:"time_budget_seconds"`
		MaxTimeBudgetSeconds     int `mapstructure:"max_time_budget_seconds" json:"max_time_budget_seconds"`
		NavigationTimeoutSeconds int `mapstructure:"navigation_timeout_seconds" json:"navigation_timeout_seconds"`
		BodyTimeoutSeconds       int `mapstructure:"body_timeout_seconds" json:"body_timeout_seconds"`
		TeardownGraceMs          int `mapstructure:"teardown_grace_ms" json:"teardown_grace_ms"`
		MaxBodyReads             int `mapstructure:"max_body_reads" json:"max_body_reads"`
	} `mapstructure:"capture" json:"capture"`

	Filter struct {
		Policy       string   `mapstructure:"policy" json:"policy"`
		BlockedTypes []string `mapstructure:"blocked_types" json:"blocked_types"`
		AllowedTypes []string `mapstructure:"allowed_types" json:"allowed_types"`
		DeniedHosts  []string `mapstructure:"denied_hosts" json:"denied_hosts"`
	} `mapstructure:"filter" json:"filter"`

	Matcher struct {
		HostFragment   string   `mapstructure:"host_fragment" json:"host_fragment"`
		PathFragments  []string `mapstructure:"path_fragments" json:"path_fragments"`
		Methods        []string `mapstructure:"methods" json:"methods"`
		RequiredFields []string `mapstructure:"required_fields" json:"required_fields"`
		// viper 会把 map 的 key 转成小写
		FieldEquals   map[string]string `mapstructure:"field_equals" json:"field_equals"`
		OnUnparseable string            `mapstructure:"on_unparseable" json:"on_unparseable"`
		MaxBodyBytes  int               `mapstructure:"max_body_bytes" json:"max_body_bytes"`
	} `mapstructure:"matcher" json:"matcher"`

	Stimulus struct {
		Enabled       bool `mapstructure:"enabled" json:"enabled"`
		IntervalMs    int  `mapstructure:"interval_ms" json:"interval_ms"`
		StepPx        int  `mapstructure:"step_px" json:"step_px"`
		MaxDistancePx int  `mapstructure:"max_distance_px" json:"max_distance_px"`
		MaxDurationMs int  `mapstructure:"max_duration_ms" json:"max_duration_ms"`
		StopAtBottom  bool `mapstructure:"stop_at_bottom" json:"stop_at_bottom"`
	} `mapstructure:"stimulus" json:"stimulus"`
}

const (
	DriverRod      = "rod"
	DriverChromedp = "chromedp"
)

func (c *Config) TimeBudget() time.Duration {
	return time.Duration(c.Capture.TimeBudgetSeconds) * time.Second
}

func (c *Config) MaxTimeBudget() time.Duration {
	return time.Duration(c.Capture.MaxTimeBudgetSeconds) * time.Second
}

// ClampTimeBudget 把调用方给出的秒数限制在 [1, max_time_budget_seconds] 内, 0 表示使用默认值
func (c *Config) ClampTimeBudget(seconds int) time.Duration {
	if seconds <= 0 {
		seconds = c.Capture.TimeBudgetSeconds
	}
	seconds = max(seconds, 1)
	seconds = min(seconds, c.Capture.MaxTimeBudgetSeconds)
	return time.Duration(seconds) * time.Second
}

// Validate reports configuration values the capture pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverRod, DriverChromedp:
	default:
		return fmt.Errorf("unknown driver %q (expected rod or chromedp)", c.Driver)
	}
	if c.Capture.MaxTimeBudgetSeconds <= 0 {
		return fmt.Errorf("capture.max_time_budget_seconds must be positive, got %d", c.Capture.MaxTimeBudgetSeconds)
	}
	if c.Capture.TimeBudgetSeconds <= 0 || c.Capture.TimeBudgetSeconds > c.Capture.MaxTimeBudgetSeconds {
		return fmt.Errorf("capture.time_budget_seconds must be in (0, %d], got %d", c.Capture.MaxTimeBudgetSeconds, c.Capture.TimeBudgetSeconds)
	}
	if c.Capture.MaxBodyReads <= 0 {
		return fmt.Errorf("capture.max_body_reads must be positive, got %d", c.Capture.MaxBodyReads)
	}
	if c.Server.MaxConcurrent <= 0 {
		return fmt.Errorf("server.max_concurrent must be positive, got %d", c.Server.MaxConcurrent)
	}
	switch strings.ToLower(c.Filter.Policy) {
	case "", "allow_all", "block_heavy", "allow_list":
	default:
		return fmt.Errorf("unknown filter.policy %q", c.Filter.Policy)
	}
	switch strings.ToLower(c.Matcher.OnUnparseable) {
	case "", "reject", "accept":
	default:
		return fmt.Errorf("matcher.on_unparseable must be reject or accept, got %q", c.Matcher.OnUnparseable)
	}
	if c.Stimulus.Enabled && (c.Stimulus.IntervalMs <= 0 || c.Stimulus.StepPx <= 0) {
		return fmt.Errorf("stimulus.interval_ms and stimulus.step_px must be positive when stimulus is enabled")
	}
	return nil
}
