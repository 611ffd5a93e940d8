package param

import (
	"fmt"
	"net/url"
	"time"

	"github.com/LouYuanbo1/apicapture/internal/domain/model"
)

// Filter 资源过滤选项
type Filter struct {
	Policy       string   `json:"policy"`
	BlockedTypes []string `json:"blocked_types"`
	AllowedTypes []string `json:"allowed_types"`
	DeniedHosts  []string `json:"denied_hosts"`
}

// Matcher 目标接口的匹配规则
type Matcher struct {
	HostFragment   string            `json:"host_fragment"`
	PathFragments  []string          `json:"path_fragments"`
	Methods        []string          `json:"methods"`
	RequiredFields []string          `json:"required_fields"`
	FieldEquals    map[string]string `json:"field_equals"`
	OnUnparseable  string            `json:"on_unparseable"`
	MaxBodyBytes   int               `json:"max_body_bytes"`
}

// Stimulus 滚动刺激选项
type Stimulus struct {
	Enabled       bool `json:"enabled"`
	IntervalMs    int  `json:"interval_ms"`
	StepPx        int  `json:"step_px"`
	MaxDistancePx int  `json:"max_distance_px"`
	MaxDurationMs int  `json:"max_duration_ms"`
	StopAtBottom  bool `json:"stop_at_bottom"`
}

// Session 一次抓取的全部参数, 创建后只读
type Session struct {
	ID                string        `json:"id"`
	TargetURL         string        `json:"target_url"`
	TimeBudget        time.Duration `json:"time_budget"`
	NavigationTimeout time.Duration `json:"navigation_timeout"`
	BodyTimeout       time.Duration `json:"body_timeout"`
	TeardownGrace     time.Duration `json:"teardown_grace"`
	MaxBodyReads      int           `json:"max_body_reads"`
	Matcher           Matcher       `json:"matcher"`
	Filter            Filter        `json:"filter"`
	Stimulus          Stimulus      `json:"stimulus"`
}

// Validate checks the target URL and the time budget.
func (s *Session) Validate() error {
	if s.TargetURL == "" {
		return fmt.Errorf("%w: url is required", model.ErrInvalidTarget)
	}
	u, err := url.Parse(s.TargetURL)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", model.ErrInvalidTarget, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", model.ErrInvalidTarget)
	}
	if s.TimeBudget <= 0 {
		return fmt.Errorf("time budget must be positive, got %s", s.TimeBudget)
	}
	return nil
}

// NavigationDeadline 导航超时不超过整个时间预算
func (s *Session) NavigationDeadline() time.Duration {
	if s.NavigationTimeout <= 0 {
		return s.TimeBudget
	}
	return min(s.NavigationTimeout, s.TimeBudget)
}
