package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"batchlog/internal/app"
	"batchlog/internal/event"
)

func newRunCmd(cfgPath *string) *cobra.Command {
	var (
		stdin       bool
		stdinLogger string
		stopTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline until interrupted",
		Long: "Run the pipeline until SIGINT or SIGTERM. With --stdin, every input line\n" +
			"is emitted as an event and the pipeline drains and exits at end of input.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), *cfgPath, stdin, stdinLogger, stopTimeout)
		},
	}
	cmd.Flags().BoolVar(&stdin, "stdin", false, "read events from standard input (JSON lines or plain text)")
	cmd.Flags().StringVar(&stdinLogger, "stdin-logger", "stdin", "logger name for input lines that carry none")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "upper bound for the whole shutdown")
	return cmd
}

func run(parent context.Context, cfgPath string, stdin bool, stdinLogger string, stopTimeout time.Duration) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	inputDone := make(chan error, 1)
	if stdin {
		go func() {
			_, err := app.ReadEvents(ctx, os.Stdin, stdinLogger, func(ev event.Event) { a.Emit(ev) })
			inputDone <- err
		}()
	}

	reason := app.StopUnknown
	var inputErr error
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case inputErr = <-inputDone:
		reason = app.StopInputEOF
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)

	switch {
	case reason == app.StopFatalError && a.Err() != nil:
		return a.Err()
	case inputErr != nil && !errors.Is(inputErr, context.Canceled):
		return fmt.Errorf("read input: %w", inputErr)
	default:
		return stopErr
	}
}
