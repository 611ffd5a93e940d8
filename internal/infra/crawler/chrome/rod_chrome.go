package chrome

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/LouYuanbo1/apicapture/internal/config"
	"github.com/LouYuanbo1/apicapture/internal/domain/model"
	"github.com/LouYuanbo1/apicapture/internal/infra/crawler/options"
	"github.com/LouYuanbo1/apicapture/internal/infra/crawler/types"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"
)

type rodLauncher struct {
	cfg    *config.Config
	logger *zap.Logger
}

// InitRodLauncher 每次 Open 都会启动一个新的浏览器进程, 会话之间不共享任何状态
func InitRodLauncher(cfg *config.Config, logger *zap.Logger) Launcher {
	return &rodLauncher{cfg: cfg, logger: logger}
}

func (rl *rodLauncher) Open(ctx context.Context) (BrowserSession, error) {
	l := options.CreateLauncher(rl.cfg.Rod.UserMode,
		options.WithBin(rl.cfg.Rod.Bin),
		options.WithUserDataDir(rl.cfg.Rod.UserDataDir),
		options.WithHeadless(rl.cfg.Rod.Headless),
		options.WithDisableBlinkFeatures(rl.cfg.Rod.DisableBlinkFeatures),
		options.WithIncognito(rl.cfg.Rod.Incognito),
		options.WithDisableDevShmUsage(rl.cfg.Rod.DisableDevShmUsage),
		options.WithNoSandbox(rl.cfg.Rod.NoSandbox),
		options.WithUserAgent(rl.cfg.Rod.UserAgent),
		options.WithLeakless(rl.cfg.Rod.Leakless),
	)

	cleanupDir := rl.cfg.Rod.UserDataDir == "" && !rl.cfg.Rod.UserMode
	controlURL, err := awaitLaunch(ctx, l.Launch, func() {
		l.Kill()
		if cleanupDir {
			l.Cleanup()
		}
		rl.logger.Debug("reaped browser launched after deadline")
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("启动浏览器失败: %w", err)
	}
	rl.logger.Debug("browser launched", zap.String("control_url", controlURL))

	browser := rod.New().ControlURL(controlURL).Trace(rl.cfg.Rod.Trace)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("连接浏览器失败: %w", err)
	}

	var page *rod.Page
	if rl.cfg.Rod.Stealth {
		page, err = stealth.Page(browser)
	} else {
		page, err = browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		_ = browser.Close()
		l.Kill()
		return nil, fmt.Errorf("创建页面失败: %w", err)
	}

	rs := &rodSession{
		lifecycle:  newLifecycle(),
		launcher:   l,
		cleanupDir: cleanupDir,
		browser:    browser,
		page:       page,
		logger:     rl.logger,
	}
	rs.watchTarget()
	return rs, nil
}

// awaitLaunch 等待浏览器启动或 ctx 结束. 超时之后才启动完成的进程交给 reap 回收, 避免孤儿进程
func awaitLaunch(ctx context.Context, launch func() (string, error), reap func()) (string, error) {
	type launched struct {
		url string
		err error
	}
	ch := make(chan launched, 1)
	go func() {
		u, err := launch()
		ch <- launched{u, err}
	}()
	select {
	case res := <-ch:
		return res.url, res.err
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.err == nil {
				reap()
			}
		}()
		return "", ctx.Err()
	}
}

type rodSession struct {
	lifecycle
	launcher   *launcher.Launcher
	cleanupDir bool
	browser    *rod.Browser
	page       *rod.Page
	stopWatch  context.CancelFunc
	logger     *zap.Logger
}

// watchTarget 监听标签页崩溃或调试连接断开
func (rs *rodSession) watchTarget() {
	ctx, cancel := context.WithCancel(context.Background())
	rs.stopWatch = cancel
	if err := (proto.InspectorEnable{}).Call(rs.page); err != nil {
		rs.logger.Debug("enable inspector domain", zap.Error(err))
	}
	wait := rs.page.Context(ctx).EachEvent(
		func(e *proto.InspectorDetached) bool {
			rs.signalDisconnect(fmt.Errorf("%w: %s", model.ErrDisconnected, e.Reason))
			return true
		},
		func(e *proto.InspectorTargetCrashed) bool {
			rs.signalDisconnect(fmt.Errorf("%w: target crashed", model.ErrDisconnected))
			return true
		},
	)
	// websocket 断开时 rod 会关闭事件流, wait 随之返回
	go rs.watchEvents(ctx, wait)
}

func (rs *rodSession) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	p := rs.page.Context(ctx).Timeout(timeout)
	defer p.CancelTimeout()

	wait := p.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("导航失败: %w", err)
	}
	wait()
	if err := p.GetContext().Err(); err != nil {
		return fmt.Errorf("等待 DOMContentLoaded 失败: %w", err)
	}
	return nil
}

func (rs *rodSession) SubscribeRequests(filter RequestFilter) (func(), error) {
	router := rs.page.HijackRequests()
	sub := newSubscription(func() {
		if err := router.Stop(); err != nil {
			rs.logger.Debug("stop hijack router", zap.Error(err))
		}
	})
	err := router.Add("*", "", func(h *rod.Hijack) {
		decision := types.Allow
		sub.deliver(func() {
			decision = filter(types.PendingRequest{
				ResourceType: string(h.Request.Type()),
				Url:          h.Request.URL().String(),
			})
		})
		if decision == types.Abort {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	if err != nil {
		sub.unsubscribe()
		return nil, fmt.Errorf("开启请求拦截失败: %w", err)
	}
	go router.Run()
	return sub.unsubscribe, nil
}

func (rs *rodSession) SubscribeResponses(handler ExchangeHandler) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	p := rs.page.Context(ctx)
	if err := (proto.NetworkEnable{}).Call(p); err != nil {
		cancel()
		return nil, fmt.Errorf("开启网络监听失败: %w", err)
	}
	sub := newSubscription(cancel)

	// EachEvent 的回调在同一个 goroutine 中依次执行, pending 不需要加锁
	pending := make(map[proto.NetworkRequestID]*types.Exchange)
	hasPostData := make(map[proto.NetworkRequestID]bool)
	wait := p.EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			pending[e.RequestID] = &types.Exchange{
				Url:            e.Request.URL,
				Method:         e.Request.Method,
				ResourceType:   string(e.Type),
				RequestHeaders: rodHeaders(e.Request.Headers),
			}
			if e.Request.HasPostData {
				hasPostData[e.RequestID] = true
			}
		},
		func(e *proto.NetworkResponseReceived) {
			ex, ok := pending[e.RequestID]
			if !ok {
				ex = &types.Exchange{Url: e.Response.URL, ResourceType: string(e.Type)}
				pending[e.RequestID] = ex
			}
			ex.Status = e.Response.Status
			ex.ResponseHeaders = rodHeaders(e.Response.Headers)
			ex.MimeType = e.Response.MIMEType
		},
		func(e *proto.NetworkLoadingFinished) {
			ex, ok := pending[e.RequestID]
			withPostData := hasPostData[e.RequestID]
			delete(pending, e.RequestID)
			delete(hasPostData, e.RequestID)
			if !ok || ex.Status == 0 {
				return
			}
			ex.Body = types.OnceBody(rs.bodyLoader(e.RequestID))
			if !withPostData {
				sub.deliver(func() { handler(ex) })
				return
			}
			go func(id proto.NetworkRequestID) {
				res, err := proto.NetworkGetRequestPostData{RequestID: id}.Call(p)
				if err == nil {
					ex.RequestBody = []byte(res.PostData)
				}
				sub.deliver(func() { handler(ex) })
			}(e.RequestID)
		},
		func(e *proto.NetworkLoadingFailed) {
			delete(pending, e.RequestID)
			delete(hasPostData, e.RequestID)
		},
	)
	go wait()
	return sub.unsubscribe, nil
}

func (rs *rodSession) bodyLoader(id proto.NetworkRequestID) types.BodyLoader {
	return func(ctx context.Context) ([]byte, error) {
		res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(rs.page.Context(ctx))
		if err != nil {
			return nil, fmt.Errorf("获取响应体失败: %w", err)
		}
		if res.Base64Encoded {
			return base64.StdEncoding.DecodeString(res.Body)
		}
		return []byte(res.Body), nil
	}
}

func (rs *rodSession) Evaluate(ctx context.Context, fn string) ([]byte, error) {
	res, err := rs.page.Context(ctx).Eval(fn)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res.Value)
}

func (rs *rodSession) Close() error {
	return rs.closeWith(func() error {
		rs.stopWatch()
		var errs []error
		if e := rs.page.Close(); e != nil {
			errs = append(errs, fmt.Errorf("关闭页面失败: %w", e))
		}
		if e := rs.browser.Close(); e != nil {
			errs = append(errs, fmt.Errorf("关闭浏览器失败: %w", e))
		}
		rs.launcher.Kill()
		if rs.cleanupDir {
			rs.launcher.Cleanup()
		}
		return errors.Join(errs...)
	})
}

func rodHeaders(h proto.NetworkHeaders) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v.Str()
	}
	return out
}
