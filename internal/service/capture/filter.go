package capture

import (
	"fmt"
	"strings"

	"github.com/LouYuanbo1/apicapture/internal/infra/crawler/types"
	"github.com/LouYuanbo1/apicapture/internal/service/capture/param"
)

const (
	PolicyAllowAll   = "allow_all"
	PolicyBlockHeavy = "block_heavy"
	PolicyAllowList  = "allow_list"
)

var (
	defaultBlockedTypes = []string{"image", "font", "media", "stylesheet"}
	defaultAllowedTypes = []string{"document", "script", "fetch", "xhr"}
)

// ResourceFilter 决定每个请求放行还是中止, 无状态, 可并发调用
type ResourceFilter struct {
	policy        string
	resourceTypes map[string]struct{}
	deniedHosts   []string
}

func NewResourceFilter(cfg param.Filter) (*ResourceFilter, error) {
	policy := strings.ToLower(strings.TrimSpace(cfg.Policy))
	if policy == "" {
		policy = PolicyAllowAll
	}

	f := &ResourceFilter{policy: policy}
	switch policy {
	case PolicyAllowAll:
	case PolicyBlockHeavy:
		f.resourceTypes = typeSet(cfg.BlockedTypes, defaultBlockedTypes)
	case PolicyAllowList:
		f.resourceTypes = typeSet(cfg.AllowedTypes, defaultAllowedTypes)
	default:
		return nil, fmt.Errorf("未知的过滤策略: %q", cfg.Policy)
	}
	for _, h := range cfg.DeniedHosts {
		if h = strings.TrimSpace(h); h != "" {
			f.deniedHosts = append(f.deniedHosts, h)
		}
	}
	return f, nil
}

func typeSet(configured, fallback []string) map[string]struct{} {
	if len(configured) == 0 {
		configured = fallback
	}
	set := make(map[string]struct{}, len(configured))
	for _, t := range configured {
		set[types.NormalizeResourceType(t)] = struct{}{}
	}
	return set
}

func (f *ResourceFilter) Decide(req types.PendingRequest) types.Decision {
	for _, h := range f.deniedHosts {
		if strings.Contains(req.Url, h) {
			return types.Abort
		}
	}
	_, listed := f.resourceTypes[types.NormalizeResourceType(req.ResourceType)]
	switch f.policy {
	case PolicyBlockHeavy:
		if listed {
			return types.Abort
		}
	case PolicyAllowList:
		if !listed {
			return types.Abort
		}
	}
	return types.Allow
}
