package chrome

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/LouYuanbo1/apicapture/internal/domain/model"
)

// subscription 保证 unsubscribe 返回之后回调不会再被调用.
// unsubscribe 不能在回调内部调用.
type subscription struct {
	mu     sync.RWMutex
	closed bool
	once   sync.Once
	stop   func()
}

func newSubscription(stop func()) *subscription {
	return &subscription{stop: stop}
}

// deliver runs fn unless the subscription has been cancelled. It reports whether fn ran.
func (s *subscription) deliver(fn func()) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	fn()
	return true
}

func (s *subscription) unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if s.stop != nil {
			s.stop()
		}
	})
}

// lifecycle carries the close guard and the one-shot disconnect signal shared by both drivers.
type lifecycle struct {
	closed         atomic.Bool
	closeOnce      sync.Once
	disconnectOnce sync.Once
	disconnected   chan error
}

func newLifecycle() lifecycle {
	return lifecycle{disconnected: make(chan error, 1)}
}

func (l *lifecycle) Disconnected() <-chan error {
	return l.disconnected
}

// signalDisconnect is a no-op once Close has started: a tab we closed ourselves is not a driver failure.
func (l *lifecycle) signalDisconnect(err error) {
	if l.closed.Load() {
		return
	}
	l.disconnectOnce.Do(func() {
		l.disconnected <- err
	})
}

// watchEvents 阻塞在事件循环上, 事件流在 ctx 取消之前结束说明调试连接已经断开
func (l *lifecycle) watchEvents(ctx context.Context, wait func()) {
	wait()
	if ctx.Err() == nil {
		l.signalDisconnect(fmt.Errorf("%w: event stream closed", model.ErrDisconnected))
	}
}

// closeWith 只执行一次 fn, 之后的调用直接返回 nil
func (l *lifecycle) closeWith(fn func() error) error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		err = fn()
	})
	return err
}
