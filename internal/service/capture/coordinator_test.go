package capture

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LouYuanbo1/apicapture/internal/domain/model"
	"github.com/LouYuanbo1/apicapture/internal/infra/crawler/types"
	"github.com/LouYuanbo1/apicapture/internal/service/capture/param"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const targetAPI = "https://api.example.com/v1/items?page=1"

func testSession(budget time.Duration) *param.Session {
	return &param.Session{
		ID:                "test",
		TargetURL:         "https://www.example.com/list",
		TimeBudget:        budget,
		NavigationTimeout: budget,
		BodyTimeout:       time.Second,
		TeardownGrace:     200 * time.Millisecond,
		MaxBodyReads:      2,
		Matcher: param.Matcher{
			HostFragment:  "api.example.com",
			PathFragments: []string{"/v1/items"},
		},
		Filter:   param.Filter{Policy: PolicyBlockHeavy},
		Stimulus: param.Stimulus{Enabled: true, IntervalMs: 5, StepPx: 100, MaxDistancePx: 1000},
	}
}

func newTestCoordinator(t *testing.T, s *param.Session, l *fakeLauncher) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(s, l, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func apiExchange(url, body string, reads *atomic.Int32) *types.Exchange {
	return &types.Exchange{
		Url:          url,
		Method:       "GET",
		ResourceType: "XHR",
		Status:       200,
		Body:         countingBody(body, reads),
	}
}

func TestCaptureMatched(t *testing.T) {
	sess := newFakeSession()
	var reads, lateReads atomic.Int32
	var c *Coordinator
	sess.navigate = func(ctx context.Context) error {
		assert.Equal(t, StateNavigating, c.State())
		// 订阅必须在导航之前完成
		decision, installed := sess.decide(types.PendingRequest{ResourceType: "Image", Url: "https://www.example.com/a.png"})
		assert.True(t, installed)
		assert.Equal(t, types.Abort, decision)

		sess.emit(apiExchange("https://www.example.com/static/app.js", "", &reads))
		sess.emit(apiExchange(targetAPI, `{"items":[1,2,3]}`, &reads))
		return nil
	}
	c = newTestCoordinator(t, testSession(2*time.Second), &fakeLauncher{sess: sess})

	out := c.Run(context.Background())
	require.Equal(t, model.OutcomeMatched, out.Kind, out.String())
	require.NotNil(t, out.Record)
	assert.Equal(t, targetAPI, out.Record.Url)
	assert.Less(t, out.Elapsed, 2*time.Second)
	assert.Equal(t, int32(1), reads.Load(), "non-matching url must not load its body")

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, int32(1), sess.closeCalls.Load())
	assert.Equal(t, int32(2), sess.unsubCalls.Load())

	// 提交之后的事件不再处理
	assert.False(t, sess.emit(apiExchange(targetAPI, `{}`, &lateReads)))
	sess.rawHandler(apiExchange(targetAPI, `{}`, &lateReads))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, lateReads.Load())
}

func TestCaptureTimedOut(t *testing.T) {
	sess := newFakeSession()
	var reads atomic.Int32
	sess.navigate = func(ctx context.Context) error {
		sess.emit(apiExchange("https://api.example.com/v1/other", `{}`, &reads))
		return nil
	}
	budget := 150 * time.Millisecond
	c := newTestCoordinator(t, testSession(budget), &fakeLauncher{sess: sess})

	start := time.Now()
	out := c.Run(context.Background())
	assert.Equal(t, model.OutcomeTimedOut, out.Kind)
	assert.GreaterOrEqual(t, out.Elapsed, budget)
	assert.Less(t, time.Since(start), budget+time.Second)
	assert.Zero(t, reads.Load())
	assert.Positive(t, sess.evalCalls.Load(), "stimulus should scroll while observing")
	assert.Equal(t, int32(1), sess.closeCalls.Load())
}

func TestCaptureNavigationFailureNotFatal(t *testing.T) {
	sess := newFakeSession()
	var reads atomic.Int32
	var c *Coordinator
	sess.navigate = func(ctx context.Context) error {
		go func() {
			// 等待进入 Observing 之后再发出目标请求
			for c.State() != StateObserving {
				time.Sleep(time.Millisecond)
			}
			sess.emit(apiExchange(targetAPI, `{"ok":true}`, &reads))
		}()
		return errors.New("net::ERR_ABORTED")
	}
	c = newTestCoordinator(t, testSession(2*time.Second), &fakeLauncher{sess: sess})

	out := c.Run(context.Background())
	require.Equal(t, model.OutcomeMatched, out.Kind, out.String())
	assert.Equal(t, model.ErrKindNone, out.Cause)
}

func TestCaptureMatchDuringSlowNavigation(t *testing.T) {
	sess := newFakeSession()
	var reads atomic.Int32
	sess.navigate = func(ctx context.Context) error {
		sess.emit(apiExchange(targetAPI, `{"ok":true}`, &reads))
		<-ctx.Done()
		return ctx.Err()
	}
	c := newTestCoordinator(t, testSession(2*time.Second), &fakeLauncher{sess: sess})

	out := c.Run(context.Background())
	assert.Equal(t, model.OutcomeMatched, out.Kind)
	assert.Zero(t, sess.evalCalls.Load(), "stimulus starts only after navigation settles")
}

func TestCaptureMatchAndDeadlineRace(t *testing.T) {
	for range 30 {
		sess := newFakeSession()
		var reads atomic.Int32
		budget := 5 * time.Millisecond
		sess.navigate = func(ctx context.Context) error {
			time.Sleep(budget)
			sess.emit(apiExchange(targetAPI, `{}`, &reads))
			return nil
		}
		c := newTestCoordinator(t, testSession(budget), &fakeLauncher{sess: sess})

		out := c.Run(context.Background())
		require.NotNil(t, out)
		assert.Contains(t, []model.OutcomeKind{model.OutcomeMatched, model.OutcomeTimedOut}, out.Kind)
		assert.True(t, c.guard.isCommitted())
		assert.False(t, c.commit(model.TimedOut(time.Hour)), "a second commit must lose")
		select {
		case extra := <-c.guard.outcome():
			t.Fatalf("second outcome produced: %v", extra)
		default:
		}
		assert.Equal(t, int32(1), sess.closeCalls.Load())
	}
}

func TestCaptureDisconnectBeforeCommit(t *testing.T) {
	sess := newFakeSession()
	sess.navigate = func(ctx context.Context) error {
		sess.disconnected <- errors.Join(model.ErrDisconnected, errors.New("target crashed"))
		<-ctx.Done()
		return ctx.Err()
	}
	c := newTestCoordinator(t, testSession(2*time.Second), &fakeLauncher{sess: sess})

	out := c.Run(context.Background())
	require.Equal(t, model.OutcomeFailed, out.Kind)
	assert.Equal(t, model.ErrKindDriverDisconnected, out.Cause)
	assert.ErrorIs(t, out.Err, model.ErrDisconnected)
	assert.Less(t, out.Elapsed, 2*time.Second)
	assert.Equal(t, StateClosed, c.State())
}

func TestCaptureDisconnectAfterCommitIgnored(t *testing.T) {
	sess := newFakeSession()
	var reads atomic.Int32
	sess.navigate = func(ctx context.Context) error {
		sess.emit(apiExchange(targetAPI, `{}`, &reads))
		return nil
	}
	// 关闭标签页时驱动可能会报告断开
	sess.closeHook = func() {
		select {
		case sess.disconnected <- model.ErrDisconnected:
		default:
		}
	}
	c := newTestCoordinator(t, testSession(2*time.Second), &fakeLauncher{sess: sess})

	out := c.Run(context.Background())
	assert.Equal(t, model.OutcomeMatched, out.Kind)
	assert.False(t, c.commit(model.Failed(model.ErrKindDriverDisconnected, model.ErrDisconnected, 0)))
}

func TestCaptureLauncherFailure(t *testing.T) {
	l := &fakeLauncher{err: errors.New("chrome not found")}
	c := newTestCoordinator(t, testSession(time.Second), l)

	out := c.Run(context.Background())
	require.Equal(t, model.OutcomeFailed, out.Kind)
	assert.Equal(t, model.ErrKindDriver, out.Cause)
	assert.EqualError(t, out.Err, "chrome not found")
	assert.Equal(t, StateClosed, c.State())
}

func TestCaptureSubscribeFailure(t *testing.T) {
	sess := newFakeSession()
	sess.subRespErr = errors.New("network domain unavailable")
	c := newTestCoordinator(t, testSession(time.Second), &fakeLauncher{sess: sess})

	out := c.Run(context.Background())
	require.Equal(t, model.OutcomeFailed, out.Kind)
	assert.Equal(t, model.ErrKindDriver, out.Cause)
	assert.Equal(t, int32(1), sess.closeCalls.Load())
	assert.Equal(t, int32(1), sess.unsubCalls.Load(), "request subscription is released")
}

func TestCaptureCallerCanceled(t *testing.T) {
	sess := newFakeSession()
	sess.navigate = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	c := newTestCoordinator(t, testSession(5*time.Second), &fakeLauncher{sess: sess})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	out := c.Run(ctx)
	require.Equal(t, model.OutcomeFailed, out.Kind)
	assert.Equal(t, model.ErrKindCanceled, out.Cause)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestCaptureTeardownGrace(t *testing.T) {
	sess := newFakeSession()
	block := make(chan struct{})
	defer close(block)
	sess.closeHook = func() { <-block }

	s := testSession(50 * time.Millisecond)
	s.TeardownGrace = 50 * time.Millisecond
	c := newTestCoordinator(t, s, &fakeLauncher{sess: sess})

	start := time.Now()
	out := c.Run(context.Background())
	assert.Equal(t, model.OutcomeTimedOut, out.Kind)
	assert.Less(t, time.Since(start), time.Second, "a hung close must not hold the outcome")
	assert.Equal(t, StateClosed, c.State())
}

func TestCoordinatorRunsOnce(t *testing.T) {
	c := newTestCoordinator(t, testSession(20*time.Millisecond), &fakeLauncher{sess: newFakeSession()})
	first := c.Run(context.Background())
	assert.Equal(t, model.OutcomeTimedOut, first.Kind)

	second := c.Run(context.Background())
	assert.Equal(t, model.OutcomeFailed, second.Kind)
}

func TestNewCoordinatorRejectsBadTarget(t *testing.T) {
	s := testSession(time.Second)
	s.TargetURL = "javascript:alert(1)"
	_, err := NewCoordinator(s, &fakeLauncher{}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, model.ErrInvalidTarget)
}
