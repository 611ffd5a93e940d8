package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/LouYuanbo1/apicapture/internal/domain/model"
	"github.com/LouYuanbo1/apicapture/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCaptureCommand(opts *globalOptions) *cobra.Command {
	var (
		targetURL string
		timeout   int
	)
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture one API exchange and print the JSON envelope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts, map[string]string{})
			if err != nil {
				return &exitError{code: exitInputError, err: err}
			}
			defer func() { _ = a.logger.Sync() }()

			session := a.service.NewSession(targetURL, timeout)
			a.logger.Debug("capture session created", zap.String("session_id", session.ID))
			out := a.service.Capture(cmd.Context(), session)
			_, env := server.NewEnvelope(out)
			if err := printEnvelope(cmd.OutOrStdout(), env); err != nil {
				return &exitError{code: exitDriverError, err: err}
			}
			return outcomeExit(out)
		},
	}
	cmd.Flags().StringVar(&targetURL, "url", "", "Page to load")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "Time budget in seconds, clamped to capture.max_time_budget_seconds (0 uses capture.time_budget_seconds)")
	return cmd
}

func printEnvelope(w io.Writer, env server.Envelope) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// outcomeExit 把结果映射为退出码, 结果已经输出到 stdout, 这里不再重复打印
func outcomeExit(o *model.Outcome) error {
	switch o.Kind {
	case model.OutcomeMatched:
		return nil
	case model.OutcomeTimedOut:
		return &exitError{code: exitTimedOut}
	}
	if o.Cause == model.ErrKindInput {
		return &exitError{code: exitInputError}
	}
	return &exitError{code: exitDriverError}
}
