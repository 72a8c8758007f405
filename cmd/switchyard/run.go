package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"switchyard/internal/kernel"
	"switchyard/pkg/hooks"
	"switchyard/pkg/metrics"
	"switchyard/pkg/transition"
)

type runOptions struct {
	targets     []string
	cancelAfter time.Duration
	dumpMetrics bool
	quiet       bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Transition to one or more workspaces in order",
		Long: `Starts the frame driver and requests a transition to each --to target in turn,
waiting for one to finish before requesting the next. Progress is drawn as a text bar.`,
		Example: `  switchyard run --to forest
  switchyard run --to forest --to arena --variant base
  switchyard run --to arena --cancel-after 300ms`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTransitions(cmd, root, opts)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.targets, "to", "t", nil, "Target workspace name (repeatable)")
	cmd.Flags().DurationVar(&opts.cancelAfter, "cancel-after", 0, "Cancel each transition after this long")
	cmd.Flags().BoolVar(&opts.dumpMetrics, "metrics", false, "Print Prometheus metrics when done")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Do not draw the progress bar")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func runTransitions(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	var surface *barSurface
	if !opts.quiet {
		surface = newBarSurface(out)
	}

	k, err := kernel.NewKernel(ctx, cfg, root.dir, surfaceOrNil(surface))
	if err != nil {
		return err
	}
	defer func() {
		if stopErr := k.Stop(); stopErr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: shutdown: %v\n", stopErr)
		}
	}()

	unsub := k.Orchestrator.OnActivated(func(e transition.ActivatedEvent) {
		if surface == nil {
			fmt.Fprintf(out, "activated %s\n", e.Current.DisplayName())
		}
	})
	defer unsub()

	if err := k.Start(); err != nil {
		return err
	}

	for _, name := range opts.targets {
		if current, ok := k.Orchestrator.Current(); ok {
			fmt.Fprintf(out, "%s -> %s\n", current.Name, name)
		} else {
			fmt.Fprintf(out, "-> %s\n", name)
		}

		var timer *time.Timer
		if opts.cancelAfter > 0 {
			timer = time.AfterFunc(opts.cancelAfter, func() { k.Orchestrator.Cancel() })
		}
		err := k.Transition(ctx, name)
		if timer != nil {
			timer.Stop()
		}
		if surface != nil {
			surface.Finish()
		}
		if err != nil {
			return fmt.Errorf("transition to %s: %w", name, err)
		}
	}

	if current, ok := k.Orchestrator.Current(); ok {
		fmt.Fprintf(out, "current: %s\n", current.DisplayName())
	}

	if opts.dumpMetrics && k.Prometheus != nil {
		return metrics.WriteText(out, k.Prometheus.Gatherer())
	}
	return nil
}

// surfaceOrNil keeps a nil *barSurface from becoming a non-nil interface.
func surfaceOrNil(s *barSurface) hooks.Surface {
	if s == nil {
		return nil
	}
	return s
}
