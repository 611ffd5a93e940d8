// main.go 构建 cobra 根命令, 带信号感知的 context 执行 serve / capture 子命令
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// 退出码: capture 命令按结果类型区分
const (
	exitMatched     = 0
	exitTimedOut    = 1
	exitInputError  = 2
	exitDriverError = 3
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := newRootCommand().ExecuteContext(ctx)
	cancel()
	os.Exit(handleError(err))
}

// globalOptions 只保存 loadConfig 直接读取的参数, 其余持久参数经 bindFlags 进入 viper
type globalOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "apicapture",
		Short:         "Capture a page's backend API exchange with a headless browser",
		Long:          "apicapture loads a page in a fresh headless browser and returns the first network exchange matching the configured API pattern.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a JSON config file merged over the built-in defaults")
	cmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("driver", "", "Browser driver (rod or chromedp)")

	cmd.AddCommand(
		newServeCommand(opts),
		newCaptureCommand(opts),
	)
	cmd.Example = `  # Run the HTTP API on :3000
  apicapture serve --config apicapture.json

  # One-off capture, JSON envelope on stdout
  apicapture capture --url https://www.example.com/list --timeout 20`
	return cmd
}

// handleError 打印错误并返回进程退出码
func handleError(err error) int {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", exitErr.err)
		}
		return exitErr.code
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	return exitInputError
}
