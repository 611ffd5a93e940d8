package capture

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/LouYuanbo1/apicapture/internal/domain/model"
	"github.com/LouYuanbo1/apicapture/internal/infra/crawler/chrome"
	"github.com/LouYuanbo1/apicapture/internal/infra/crawler/types"
	"github.com/LouYuanbo1/apicapture/internal/service/capture/param"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// State 协调器所处的阶段
type State int32

const (
	StateIdle State = iota
	StateNavigating
	StateObserving
	StateMatched
	StateTimedOut
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNavigating:
		return "navigating"
	case StateObserving:
		return "observing"
	case StateMatched:
		return "matched"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const defaultTeardownGrace = 3 * time.Second

// Coordinator 负责一次抓取会话: 导航、滚动、网络事件和截止时间赛跑, 只产出一个结果.
// 每个 Coordinator 只能 Run 一次
type Coordinator struct {
	session   *param.Session
	launcher  chrome.Launcher
	filter    *ResourceFilter
	matcher   *ResponseMatcher
	stimulus  *Sequencer
	bodyReads *semaphore.Weighted
	guard     *commitGuard
	state     atomic.Int32
	ran       atomic.Bool
	start     time.Time
	logger    *zap.Logger
}

func NewCoordinator(session *param.Session, launcher chrome.Launcher, logger *zap.Logger) (*Coordinator, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	filter, err := NewResourceFilter(session.Filter)
	if err != nil {
		return nil, err
	}
	matcher, err := NewResponseMatcher(session.Matcher, logger)
	if err != nil {
		return nil, err
	}
	reads := int64(session.MaxBodyReads)
	if reads <= 0 {
		reads = 1
	}
	return &Coordinator{
		session:   session,
		launcher:  launcher,
		filter:    filter,
		matcher:   matcher,
		stimulus:  NewSequencer(session.Stimulus, logger),
		bodyReads: semaphore.NewWeighted(reads),
		guard:     newCommitGuard(),
		logger:    logger,
	}, nil
}

func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Coordinator) elapsed() time.Duration {
	return time.Since(c.start)
}

// commit 尝试提交结果, 失败说明已经有其他结果胜出
func (c *Coordinator) commit(o *model.Outcome) bool {
	if c.guard.tryCommit(o) {
		c.logger.Debug("outcome committed", zap.Stringer("outcome", o), zap.Duration("elapsed", o.Elapsed))
		return true
	}
	c.logger.Debug("outcome discarded, session already committed", zap.Stringer("outcome", o))
	return false
}

// Run drives the session until exactly one outcome is committed, then tears
// the browser down. It returns no later than the time budget plus the teardown grace.
func (c *Coordinator) Run(ctx context.Context) *model.Outcome {
	if !c.ran.CompareAndSwap(false, true) {
		return model.Failed(model.ErrKindInput, errors.New("coordinator already ran"), 0)
	}
	c.start = time.Now()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	budget := time.NewTimer(c.session.TimeBudget)
	defer budget.Stop()

	c.setState(StateNavigating)
	sess, o := c.open(runCtx)
	if o != nil {
		c.settle(o)
		c.setState(StateClosed)
		return o
	}

	var unsubs []func()
	teardown := func() {
		cancelRun()
		for _, unsub := range unsubs {
			unsub()
		}
		c.closeSession(sess)
		c.setState(StateClosed)
	}

	unsubReq, err := sess.SubscribeRequests(c.filter.Decide)
	if err != nil {
		o := c.settle(model.Failed(model.ErrKindDriver, fmt.Errorf("订阅请求失败: %w", err), c.elapsed()))
		teardown()
		return o
	}
	unsubs = append(unsubs, unsubReq)

	unsubResp, err := sess.SubscribeResponses(func(ex *types.Exchange) {
		c.onExchange(runCtx, ex)
	})
	if err != nil {
		o := c.settle(model.Failed(model.ErrKindDriver, fmt.Errorf("订阅响应失败: %w", err), c.elapsed()))
		teardown()
		return o
	}
	unsubs = append(unsubs, unsubResp)

	navDone := make(chan error, 1)
	go func() {
		navDone <- sess.Navigate(runCtx, c.session.TargetURL, c.session.NavigationDeadline())
	}()

	disconnected := sess.Disconnected()
	var outcome *model.Outcome
	for outcome == nil {
		select {
		case outcome = <-c.guard.outcome():
		case err := <-navDone:
			navDone = nil
			c.onNavigated(runCtx, sess, err)
		case err := <-disconnected:
			disconnected = nil
			if err == nil {
				err = model.ErrDisconnected
			}
			c.commit(model.Failed(model.ErrKindDriverDisconnected, err, c.elapsed()))
		case <-budget.C:
			c.commit(model.TimedOut(c.elapsed()))
		case <-ctx.Done():
			c.commit(model.Failed(model.ErrKindCanceled, ctx.Err(), c.elapsed()))
		}
	}

	c.setState(outcomeState(outcome))
	c.logger.Info("capture finished",
		zap.String("outcome", string(outcome.Kind)),
		zap.String("cause", string(outcome.Cause)),
		zap.Duration("elapsed", outcome.Elapsed),
	)
	teardown()
	return outcome
}

// open 启动浏览器, 启动阶段同样受时间预算约束
func (c *Coordinator) open(ctx context.Context) (chrome.BrowserSession, *model.Outcome) {
	openCtx, cancel := context.WithTimeout(ctx, c.session.TimeBudget)
	defer cancel()

	sess, err := c.launcher.Open(openCtx)
	if err == nil {
		return sess, nil
	}
	switch {
	case ctx.Err() != nil:
		return nil, model.Failed(model.ErrKindCanceled, ctx.Err(), c.elapsed())
	case errors.Is(openCtx.Err(), context.DeadlineExceeded):
		return nil, model.TimedOut(c.elapsed())
	default:
		c.logger.Error("open browser session", zap.Error(err))
		return nil, model.Failed(model.ErrKindDriver, err, c.elapsed())
	}
}

// settle commits o unless something already won, and returns the winner.
func (c *Coordinator) settle(o *model.Outcome) *model.Outcome {
	c.commit(o)
	winner := <-c.guard.outcome()
	c.setState(outcomeState(winner))
	return winner
}

func (c *Coordinator) onNavigated(ctx context.Context, sess chrome.BrowserSession, err error) {
	if c.guard.isCommitted() || ctx.Err() != nil {
		return
	}
	if err != nil {
		// 导航失败不致命, 页面可能已经发出了目标请求
		c.logger.Warn("navigation failed, keep observing",
			zap.String("url", c.session.TargetURL),
			zap.String("kind", string(model.ErrKindNavigation)),
			zap.Error(err),
		)
	} else {
		c.logger.Debug("navigation settled", zap.Duration("elapsed", c.elapsed()))
	}
	c.setState(StateObserving)

	go func() {
		report, err := c.stimulus.Run(ctx, sess)
		if err != nil {
			c.logger.Debug("stimulus stopped on command failure", zap.Error(err))
		}
		c.logger.Debug("stimulus finished",
			zap.Int("ticks", report.Ticks),
			zap.Int("distance_px", report.Distance),
			zap.String("reason", string(report.Reason)),
		)
	}()
}

// onExchange 在驱动的事件回调中执行, 不能阻塞; 读取响应体放到独立的 goroutine 中
func (c *Coordinator) onExchange(ctx context.Context, ex *types.Exchange) {
	if c.guard.isCommitted() || ctx.Err() != nil {
		c.logger.Debug("late exchange discarded", zap.String("url", ex.Url))
		return
	}
	if !c.matcher.MatchURL(ex.Url) {
		return
	}
	go func() {
		if err := c.bodyReads.Acquire(ctx, 1); err != nil {
			return
		}
		defer c.bodyReads.Release(1)
		if c.guard.isCommitted() {
			return
		}

		bodyCtx := ctx
		if c.session.BodyTimeout > 0 {
			var cancel context.CancelFunc
			bodyCtx, cancel = context.WithTimeout(ctx, c.session.BodyTimeout)
			defer cancel()
		}
		rec, ok := c.matcher.Match(bodyCtx, ex)
		if !ok {
			return
		}
		if c.commit(model.Matched(rec, c.elapsed())) {
			c.logger.Info("target api captured", zap.String("url", rec.Url), zap.Int("status", rec.Status))
		}
	}()
}

// closeSession 在 teardownGrace 内等待浏览器关闭, 超时后放弃等待, 错误只记录日志
func (c *Coordinator) closeSession(sess chrome.BrowserSession) {
	grace := c.session.TeardownGrace
	if grace <= 0 {
		grace = defaultTeardownGrace
	}
	done := make(chan error, 1)
	go func() {
		done <- sess.Close()
	}()
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case err := <-done:
		if err != nil {
			c.logger.Warn("close browser session", zap.Error(err))
		}
	case <-t.C:
		c.logger.Warn("browser session still closing after grace period", zap.Duration("grace", grace))
	}
}

func outcomeState(o *model.Outcome) State {
	switch o.Kind {
	case model.OutcomeMatched:
		return StateMatched
	case model.OutcomeTimedOut:
		return StateTimedOut
	default:
		return StateFailed
	}
}
