package chrome

import (
	"context"
	"time"

	"github.com/LouYuanbo1/apicapture/internal/infra/crawler/types"
)

// RequestFilter 对每个即将发出的请求给出放行或中止的决定
type RequestFilter func(req types.PendingRequest) types.Decision

// ExchangeHandler 在响应加载完成后被调用, 不能阻塞
type ExchangeHandler func(ex *types.Exchange)

// BrowserSession is the narrow contract the capture coordinator drives.
// Unsubscribe functions and Close are safe to call more than once; once an
// unsubscribe function returns, its callback receives no further events.
type BrowserSession interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	SubscribeRequests(filter RequestFilter) (unsubscribe func(), err error)
	SubscribeResponses(handler ExchangeHandler) (unsubscribe func(), err error)
	// Evaluate runs a zero-argument JS function source, e.g. "() => window.scrollY",
	// and returns the JSON encoding of its result.
	Evaluate(ctx context.Context, fn string) ([]byte, error)
	// Disconnected fires at most once, when the tab or browser process is lost.
	Disconnected() <-chan error
	Close() error
}

// Launcher 为每次抓取创建独立的浏览器会话
type Launcher interface {
	Open(ctx context.Context) (BrowserSession, error)
}
