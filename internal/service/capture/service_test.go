package capture

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LouYuanbo1/apicapture/internal/config"
	"github.com/LouYuanbo1/apicapture/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewSessionFromConfig(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Matcher.HostFragment = "api.example.com"

	svc := InitCaptureService(cfg, &fakeLauncher{}, zaptest.NewLogger(t))
	s := svc.NewSession("https://www.example.com", 0)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, cfg.TimeBudget(), s.TimeBudget)
	assert.Equal(t, 3*time.Second, s.TeardownGrace)
	assert.Equal(t, "api.example.com", s.Matcher.HostFragment)
	assert.Equal(t, cfg.Filter.Policy, s.Filter.Policy)

	clamped := svc.NewSession("https://www.example.com", 100000)
	assert.Equal(t, cfg.MaxTimeBudget(), clamped.TimeBudget)
	assert.NotEqual(t, s.ID, clamped.ID)
}

func TestCaptureServiceRejectsInput(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)
	l := &fakeLauncher{sess: newFakeSession()}
	svc := InitCaptureService(cfg, l, zaptest.NewLogger(t))

	out := svc.Capture(context.Background(), svc.NewSession("not a url", 5))
	require.Equal(t, model.OutcomeFailed, out.Kind)
	assert.Equal(t, model.ErrKindInput, out.Cause)
	assert.ErrorIs(t, out.Err, model.ErrInvalidTarget)
	assert.Zero(t, l.opens.Load(), "no browser for invalid input")
}

func TestCaptureServiceMatched(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Matcher.HostFragment = "api.example.com"
	cfg.Matcher.PathFragments = []string{"/v1/items"}

	sess := newFakeSession()
	var reads atomic.Int32
	sess.navigate = func(ctx context.Context) error {
		sess.emit(apiExchange(targetAPI, `{"items":[]}`, &reads))
		return nil
	}
	svc := InitCaptureService(cfg, &fakeLauncher{sess: sess}, zaptest.NewLogger(t))

	out := svc.Capture(context.Background(), svc.NewSession("https://www.example.com/list", 5))
	require.Equal(t, model.OutcomeMatched, out.Kind, out.String())
	assert.Equal(t, targetAPI, out.Record.Url)
}
