package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LouYuanbo1/apicapture/internal/infra/crawler/chrome"
	"github.com/LouYuanbo1/apicapture/internal/infra/crawler/types"
)

// fakeSession 模拟浏览器会话, 测试通过 emit 注入网络事件
type fakeSession struct {
	mu         sync.Mutex
	filter     chrome.RequestFilter
	handler    chrome.ExchangeHandler
	rawHandler chrome.ExchangeHandler

	navigate  func(ctx context.Context) error
	evaluate  func(ctx context.Context, fn string) ([]byte, error)
	closeHook func()

	subReqErr  error
	subRespErr error

	disconnected chan error
	closeCalls   atomic.Int32
	unsubCalls   atomic.Int32
	evalCalls    atomic.Int32
}

func newFakeSession() *fakeSession {
	return &fakeSession{disconnected: make(chan error, 1)}
}

func (f *fakeSession) Navigate(ctx context.Context, _ string, _ time.Duration) error {
	if f.navigate == nil {
		return nil
	}
	return f.navigate(ctx)
}

func (f *fakeSession) SubscribeRequests(filter chrome.RequestFilter) (func(), error) {
	if f.subReqErr != nil {
		return nil, f.subReqErr
	}
	f.mu.Lock()
	f.filter = filter
	f.mu.Unlock()
	return func() {
		f.unsubCalls.Add(1)
		f.mu.Lock()
		f.filter = nil
		f.mu.Unlock()
	}, nil
}

func (f *fakeSession) SubscribeResponses(handler chrome.ExchangeHandler) (func(), error) {
	if f.subRespErr != nil {
		return nil, f.subRespErr
	}
	f.mu.Lock()
	f.handler = handler
	f.rawHandler = handler
	f.mu.Unlock()
	return func() {
		f.unsubCalls.Add(1)
		f.mu.Lock()
		f.handler = nil
		f.mu.Unlock()
	}, nil
}

// emit delivers ex to the current subscriber and reports whether anyone was listening.
func (f *fakeSession) emit(ex *types.Exchange) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handler == nil {
		return false
	}
	f.handler(ex)
	return true
}

func (f *fakeSession) decide(req types.PendingRequest) (types.Decision, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.filter == nil {
		return types.Allow, false
	}
	return f.filter(req), true
}

func (f *fakeSession) Evaluate(ctx context.Context, fn string) ([]byte, error) {
	f.evalCalls.Add(1)
	if f.evaluate != nil {
		return f.evaluate(ctx, fn)
	}
	return []byte("false"), nil
}

func (f *fakeSession) Disconnected() <-chan error {
	return f.disconnected
}

func (f *fakeSession) Close() error {
	f.closeCalls.Add(1)
	if f.closeHook != nil {
		f.closeHook()
	}
	return nil
}

type fakeLauncher struct {
	sess  *fakeSession
	err   error
	opens atomic.Int32
}

func (l *fakeLauncher) Open(ctx context.Context) (chrome.BrowserSession, error) {
	l.opens.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	return l.sess, nil
}

// countingBody 返回固定响应体并记录读取次数
func countingBody(body string, reads *atomic.Int32) types.BodyLoader {
	return func(context.Context) ([]byte, error) {
		reads.Add(1)
		return []byte(body), nil
	}
}
