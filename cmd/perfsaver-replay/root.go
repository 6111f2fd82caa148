package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/skobkin/perfsaver/internal/config"
	"github.com/skobkin/perfsaver/internal/replay"
)

type runOptions struct {
	asJSON    bool
	logLevel  string
	gcMinRuns int
	tpsSettle time.Duration
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "perfsaver-replay",
		Short:        "Replay scripted host signals through the throttling controller",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newValidateCmd())
	return root
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}
	defaults := config.DefaultThrottle()

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Replay a scenario and print the controller timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
				return fmt.Errorf("invalid log level %q", opts.logLevel)
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			s, err := replay.LoadScenario(args[0])
			if err != nil {
				return err
			}

			cfg := config.DefaultThrottle()
			cfg.GCMinRuns = opts.gcMinRuns
			cfg.TPSSettle = opts.tpsSettle
			res, err := replay.RunWithConfig(s, cfg, logger)
			if err != nil {
				return err
			}

			if opts.asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			return printTimeline(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print the result as JSON")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "error", "Controller log level (debug, info, warn, error)")
	cmd.Flags().IntVar(&opts.gcMinRuns, "gc-min-runs", defaults.GCMinRuns, "Consecutive high-occupancy GC runs needed to reduce")
	cmd.Flags().DurationVar(&opts.tpsSettle, "tps-settle", defaults.TPSSettle, "Time after an adjustment before the tick rate is judged again")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scenario.yaml>",
		Short: "Check a scenario file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := replay.LoadScenario(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s, %d gc runs)\n", args[0], s.Duration, len(s.GCRuns))
			return err
		},
	}
}

func printTimeline(w io.Writer, res *replay.Result) error {
	if res.Scenario != "" {
		if _, err := fmt.Fprintf(w, "scenario: %s\n", res.Scenario); err != nil {
			return err
		}
	}
	for _, ev := range res.Events {
		var detail string
		switch ev.Kind {
		case replay.KindRadius, replay.KindRestoration:
			detail = fmt.Sprintf("view radius %d", ev.Radius)
		case replay.KindNotice:
			detail = ev.Text
		case replay.KindCollection:
			detail = "forced full collection"
		}
		if _, err := fmt.Fprintf(w, "%10s  %-10s  %s\n", ev.At, ev.Kind, detail); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "final view radius %d (decreases %d, increases %d, collections %d)\n",
		res.FinalRadius, res.Status.Decreases, res.Status.Increases, res.Status.ForcedCollections)
	return err
}
