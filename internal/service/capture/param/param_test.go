package param

import (
	"testing"
	"time"

	"github.com/LouYuanbo1/apicapture/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionValidate(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https", "https://example.com/list", false},
		{"http with port", "http://localhost:8080", false},
		{"empty", "", true},
		{"no scheme", "example.com", true},
		{"ftp", "ftp://example.com", true},
		{"no host", "https://", true},
		{"garbage", "http://[::1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{TargetURL: tt.url, TimeBudget: time.Second}
			err := s.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, model.ErrInvalidTarget)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSessionValidateBudget(t *testing.T) {
	s := &Session{TargetURL: "https://example.com"}
	err := s.Validate()
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrInvalidTarget)
}

func TestNavigationDeadline(t *testing.T) {
	s := &Session{TimeBudget: 10 * time.Second, NavigationTimeout: 45 * time.Second}
	assert.Equal(t, 10*time.Second, s.NavigationDeadline())

	s.NavigationTimeout = 3 * time.Second
	assert.Equal(t, 3*time.Second, s.NavigationDeadline())

	s.NavigationTimeout = 0
	assert.Equal(t, 10*time.Second, s.NavigationDeadline())
}
