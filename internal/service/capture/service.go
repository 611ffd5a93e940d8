package capture

import (
	"context"
	"time"

	"github.com/LouYuanbo1/apicapture/internal/config"
	"github.com/LouYuanbo1/apicapture/internal/domain/model"
	"github.com/LouYuanbo1/apicapture/internal/infra/crawler/chrome"
	"github.com/LouYuanbo1/apicapture/internal/service/capture/param"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type CaptureService interface {
	// NewSession 根据配置和调用方参数创建会话, timeoutSeconds <= 0 表示使用默认预算
	NewSession(targetURL string, timeoutSeconds int) *param.Session
	Capture(ctx context.Context, session *param.Session) *model.Outcome
}

type captureService struct {
	cfg      *config.Config
	launcher chrome.Launcher
	logger   *zap.Logger
}

func InitCaptureService(cfg *config.Config, launcher chrome.Launcher, logger *zap.Logger) CaptureService {
	return &captureService{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger,
	}
}

func (cs *captureService) NewSession(targetURL string, timeoutSeconds int) *param.Session {
	cfg := cs.cfg
	return &param.Session{
		ID:                uuid.NewString(),
		TargetURL:         targetURL,
		TimeBudget:        cfg.ClampTimeBudget(timeoutSeconds),
		NavigationTimeout: time.Duration(cfg.Capture.NavigationTimeoutSeconds) * time.Second,
		BodyTimeout:       time.Duration(cfg.Capture.BodyTimeoutSeconds) * time.Second,
		TeardownGrace:     time.Duration(cfg.Capture.TeardownGraceMs) * time.Millisecond,
		MaxBodyReads:      cfg.Capture.MaxBodyReads,
		Matcher: param.Matcher{
			HostFragment:   cfg.Matcher.HostFragment,
			PathFragments:  cfg.Matcher.PathFragments,
			Methods:        cfg.Matcher.Methods,
			RequiredFields: cfg.Matcher.RequiredFields,
			FieldEquals:    cfg.Matcher.FieldEquals,
			OnUnparseable:  cfg.Matcher.OnUnparseable,
			MaxBodyBytes:   cfg.Matcher.MaxBodyBytes,
		},
		Filter: param.Filter{
			Policy:       cfg.Filter.Policy,
			BlockedTypes: cfg.Filter.BlockedTypes,
			AllowedTypes: cfg.Filter.AllowedTypes,
			DeniedHosts:  cfg.Filter.DeniedHosts,
		},
		Stimulus: param.Stimulus{
			Enabled:       cfg.Stimulus.Enabled,
			IntervalMs:    cfg.Stimulus.IntervalMs,
			StepPx:        cfg.Stimulus.StepPx,
			MaxDistancePx: cfg.Stimulus.MaxDistancePx,
			MaxDurationMs: cfg.Stimulus.MaxDurationMs,
			StopAtBottom:  cfg.Stimulus.StopAtBottom,
		},
	}
}

func (cs *captureService) Capture(ctx context.Context, session *param.Session) *model.Outcome {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	logger := cs.logger.With(zap.String("session_id", session.ID), zap.String("target", session.TargetURL))

	coord, err := NewCoordinator(session, cs.launcher, logger)
	if err != nil {
		logger.Info("capture rejected", zap.Error(err))
		return model.Failed(model.ErrKindInput, err, 0)
	}
	logger.Info("capture started", zap.Duration("budget", session.TimeBudget))
	return coord.Run(ctx)
}
