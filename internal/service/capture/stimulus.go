package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LouYuanbo1/apicapture/internal/service/capture/param"
	"go.uber.org/zap"
)

// Evaluator 在页面中执行一段无参 JS 函数, 返回结果的 JSON
type Evaluator interface {
	Evaluate(ctx context.Context, fn string) ([]byte, error)
}

// 滚动一步, 返回是否已经到达页面底部
const scrollStepJS = `() => {
	window.scrollBy(0, %d);
	const el = document.scrollingElement || document.documentElement;
	return Math.ceil(window.innerHeight + window.scrollY) >= el.scrollHeight;
}`

// StopReason 滚动序列结束的原因
type StopReason string

const (
	StopDistance  StopReason = "max_distance"
	StopDuration  StopReason = "max_duration"
	StopBottom    StopReason = "bottom"
	StopCanceled  StopReason = "canceled"
	StopCmdFailed StopReason = "command_failed"
	StopDisabled  StopReason = "disabled"
)

type StimulusReport struct {
	Ticks    int
	Distance int
	Reason   StopReason
}

// Sequencer 按固定间隔滚动页面, 用于触发懒加载的接口请求
type Sequencer struct {
	cfg    param.Stimulus
	logger *zap.Logger
}

func NewSequencer(cfg param.Stimulus, logger *zap.Logger) *Sequencer {
	return &Sequencer{cfg: cfg, logger: logger}
}

// Run blocks until a stop condition holds. A failed scroll command ends the
// sequence and is reported in the error, it is never fatal to the session.
func (s *Sequencer) Run(ctx context.Context, ev Evaluator) (StimulusReport, error) {
	var report StimulusReport
	if !s.cfg.Enabled || s.cfg.StepPx <= 0 || s.cfg.IntervalMs <= 0 {
		report.Reason = StopDisabled
		return report, nil
	}

	var deadline <-chan time.Time
	if s.cfg.MaxDurationMs > 0 {
		t := time.NewTimer(time.Duration(s.cfg.MaxDurationMs) * time.Millisecond)
		defer t.Stop()
		deadline = t.C
	}
	ticker := time.NewTicker(time.Duration(s.cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()

	js := fmt.Sprintf(scrollStepJS, s.cfg.StepPx)
	for {
		if s.cfg.MaxDistancePx > 0 && report.Distance >= s.cfg.MaxDistancePx {
			report.Reason = StopDistance
			return report, nil
		}
		select {
		case <-ctx.Done():
			report.Reason = StopCanceled
			return report, nil
		case <-deadline:
			report.Reason = StopDuration
			return report, nil
		case <-ticker.C:
		}

		res, err := ev.Evaluate(ctx, js)
		if err != nil {
			if ctx.Err() != nil {
				report.Reason = StopCanceled
				return report, nil
			}
			report.Reason = StopCmdFailed
			return report, fmt.Errorf("第 %d 次滚动失败: %w", report.Ticks+1, err)
		}
		report.Ticks++
		report.Distance += s.cfg.StepPx

		var bottom bool
		if err := json.Unmarshal(res, &bottom); err != nil {
			s.logger.Debug("unexpected scroll result", zap.ByteString("result", res))
		}
		if bottom && s.cfg.StopAtBottom {
			report.Reason = StopBottom
			return report, nil
		}
	}
}
