package chrome

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/LouYuanbo1/apicapture/internal/config"
	"github.com/LouYuanbo1/apicapture/internal/domain/model"
	"github.com/LouYuanbo1/apicapture/internal/infra/crawler/types"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

type chromedpLauncher struct {
	cfg    *config.Config
	logger *zap.Logger
}

func InitChromedpLauncher(cfg *config.Config, logger *zap.Logger) Launcher {
	return &chromedpLauncher{cfg: cfg, logger: logger}
}

func (cl *chromedpLauncher) Open(ctx context.Context) (BrowserSession, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cl.cfg.Chromedp.Headless),
		chromedp.Flag("incognito", cl.cfg.Chromedp.Incognito),
		chromedp.Flag("disable-dev-shm-usage", cl.cfg.Chromedp.DisableDevShmUsage),
		chromedp.Flag("no-sandbox", cl.cfg.Chromedp.NoSandbox),
	)
	if cl.cfg.Chromedp.DisableBlinkFeatures != "" {
		opts = append(opts, chromedp.Flag("disable-blink-features", cl.cfg.Chromedp.DisableBlinkFeatures))
	}
	if cl.cfg.Chromedp.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cl.cfg.Chromedp.ExecPath))
	}
	if cl.cfg.Chromedp.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cl.cfg.Chromedp.UserDataDir))
	}
	if cl.cfg.Chromedp.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cl.cfg.Chromedp.UserAgent))
	}

	// 分配器和页面 context 不能从请求 ctx 派生, 否则请求结束时浏览器会被直接杀掉, 关闭交给 Close
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	pageCtx, cancelPage := chromedp.NewContext(allocCtx)

	errCh := make(chan error, 1)
	go func() {
		// 第一次 Run 会启动浏览器并创建标签页
		errCh <- chromedp.Run(pageCtx, network.Enable())
	}()
	select {
	case err := <-errCh:
		if err != nil {
			cancelPage()
			cancelAlloc()
			return nil, fmt.Errorf("启动浏览器失败: %w", err)
		}
	case <-ctx.Done():
		cancelPage()
		cancelAlloc()
		return nil, ctx.Err()
	}

	cs := &chromedpSession{
		lifecycle:   newLifecycle(),
		pageCtx:     pageCtx,
		cancelPage:  cancelPage,
		cancelAlloc: cancelAlloc,
		logger:      cl.logger,
	}
	cs.watchTarget()
	return cs, nil
}

type chromedpSession struct {
	lifecycle
	pageCtx     context.Context
	cancelPage  context.CancelFunc
	cancelAlloc context.CancelFunc
	logger      *zap.Logger
}

func (cs *chromedpSession) watchTarget() {
	chromedp.ListenTarget(cs.pageCtx, func(ev any) {
		switch e := ev.(type) {
		case *inspector.EventDetached:
			cs.signalDisconnect(fmt.Errorf("%w: %s", model.ErrDisconnected, e.Reason))
		case *inspector.EventTargetCrashed:
			cs.signalDisconnect(fmt.Errorf("%w: target crashed", model.ErrDisconnected))
		}
	})
	go func() {
		<-cs.pageCtx.Done()
		cs.signalDisconnect(fmt.Errorf("%w: %v", model.ErrDisconnected, context.Cause(cs.pageCtx)))
	}()
}

// scoped 返回一个携带 chromedp 目标信息、并在 ctx 结束时一起取消的 context
func (cs *chromedpSession) scoped(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(cs.pageCtx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(cs.pageCtx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (cs *chromedpSession) executor(ctx context.Context) context.Context {
	c := chromedp.FromContext(cs.pageCtx)
	return cdp.WithExecutor(ctx, c.Target)
}

// Navigate 与 rod 一致, 只等待 DOMContentLoaded, 不等 load 事件
func (cs *chromedpSession) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	navCtx, cancel := cs.scoped(ctx, timeout)
	defer cancel()

	listener, ready := domContentLoaded()
	chromedp.ListenTarget(navCtx, listener)

	var download bool
	err := chromedp.Run(navCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errorText, isDownload, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("page load error %s", errorText)
		}
		download = isDownload
		return nil
	}))
	if err != nil {
		return fmt.Errorf("导航失败: %w", err)
	}
	// 下载不会产生文档事件
	if download {
		return nil
	}
	select {
	case <-ready:
		return nil
	case <-navCtx.Done():
		return fmt.Errorf("等待 DOMContentLoaded 失败: %w", navCtx.Err())
	}
}

// domContentLoaded 返回一个 ListenTarget 回调, 第一次收到 DOMContentLoaded 时关闭 ready
func domContentLoaded() (func(ev any), <-chan struct{}) {
	ready := make(chan struct{})
	var once sync.Once
	return func(ev any) {
		if _, ok := ev.(*page.EventDomContentEventFired); ok {
			once.Do(func() { close(ready) })
		}
	}, ready
}

func (cs *chromedpSession) SubscribeRequests(filter RequestFilter) (func(), error) {
	// 取消订阅后监听器仍然存在, 只是一律放行, 直到 fetch.Disable 生效
	sub := newSubscription(func() {
		go func() {
			if err := fetch.Disable().Do(cs.executor(cs.pageCtx)); err != nil {
				cs.logger.Debug("disable fetch domain", zap.Error(err))
			}
		}()
	})
	chromedp.ListenTarget(cs.pageCtx, func(ev any) {
		e, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		decision := types.Allow
		sub.deliver(func() {
			decision = filter(types.PendingRequest{
				ResourceType: string(e.ResourceType),
				Url:          e.Request.URL,
			})
		})
		// 回调里不能同步调用 CDP 命令
		go func() {
			execCtx := cs.executor(cs.pageCtx)
			var err error
			if decision == types.Abort {
				err = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
			} else {
				err = fetch.ContinueRequest(e.RequestID).Do(execCtx)
			}
			if err != nil {
				cs.logger.Debug("resolve paused request", zap.String("url", e.Request.URL), zap.Error(err))
			}
		}()
	})
	if err := chromedp.Run(cs.pageCtx, fetch.Enable()); err != nil {
		sub.unsubscribe()
		return nil, fmt.Errorf("开启请求拦截失败: %w", err)
	}
	return sub.unsubscribe, nil
}

func (cs *chromedpSession) SubscribeResponses(handler ExchangeHandler) (func(), error) {
	subCtx, cancel := context.WithCancel(cs.pageCtx)
	sub := newSubscription(cancel)

	var mu sync.Mutex
	pending := make(map[network.RequestID]*types.Exchange)
	chromedp.ListenTarget(subCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			ex := &types.Exchange{
				Url:            e.Request.URL,
				Method:         e.Request.Method,
				ResourceType:   string(e.Type),
				RequestHeaders: cdpHeaders(e.Request.Headers),
				RequestBody:    postData(e.Request.PostDataEntries),
			}
			mu.Lock()
			pending[e.RequestID] = ex
			mu.Unlock()
		case *network.EventResponseReceived:
			mu.Lock()
			ex, ok := pending[e.RequestID]
			if !ok {
				ex = &types.Exchange{Url: e.Response.URL, ResourceType: string(e.Type)}
				pending[e.RequestID] = ex
			}
			ex.Status = int(e.Response.Status)
			ex.ResponseHeaders = cdpHeaders(e.Response.Headers)
			ex.MimeType = e.Response.MimeType
			mu.Unlock()
		case *network.EventLoadingFinished:
			mu.Lock()
			ex, ok := pending[e.RequestID]
			delete(pending, e.RequestID)
			mu.Unlock()
			if !ok || ex.Status == 0 {
				return
			}
			ex.Body = types.OnceBody(cs.bodyLoader(e.RequestID))
			sub.deliver(func() { handler(ex) })
		case *network.EventLoadingFailed:
			mu.Lock()
			delete(pending, e.RequestID)
			mu.Unlock()
		}
	})
	return sub.unsubscribe, nil
}

func (cs *chromedpSession) bodyLoader(id network.RequestID) types.BodyLoader {
	return func(ctx context.Context) ([]byte, error) {
		body, err := network.GetResponseBody(id).Do(cs.executor(ctx))
		if err != nil {
			return nil, fmt.Errorf("获取响应体失败: %w", err)
		}
		return body, nil
	}
}

func (cs *chromedpSession) Evaluate(ctx context.Context, fn string) ([]byte, error) {
	runCtx, cancel := cs.scoped(ctx, 0)
	defer cancel()
	var res []byte
	if err := chromedp.Run(runCtx, chromedp.Evaluate("("+fn+")()", &res)); err != nil {
		return nil, err
	}
	return res, nil
}

func (cs *chromedpSession) Close() error {
	return cs.closeWith(func() error {
		err := chromedp.Cancel(cs.pageCtx)
		cs.cancelPage()
		cs.cancelAlloc()
		return err
	})
}

func cdpHeaders(h network.Headers) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func postData(entries []*network.PostDataEntry) []byte {
	var out []byte
	for _, entry := range entries {
		if entry == nil || entry.Bytes == "" {
			continue
		}
		b, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			continue
		}
		out = append(out, b...)
	}
	return out
}
