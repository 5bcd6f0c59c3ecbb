package cmd

import (
	"time"

	"github.com/roffe/canbus"
	"github.com/roffe/canbus/pkg/bar"
	"github.com/spf13/cobra"
)

func init() {
	f := periodicCmd.Flags()
	f.DurationP("period", "p", 100*time.Millisecond, "send period")
	f.IntP("count", "n", 0, "stop after this many sends, 0 = until interrupted")
	f.Duration("duration", 0, "stop after this long, 0 = until interrupted")
	rootCmd.AddCommand(periodicCmd)
}

var periodicCmd = &cobra.Command{
	Use:     "periodic <frame>",
	Short:   "send a frame periodically",
	Example: "  cantool periodic 100#0102 -p 10ms -n 500",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		period, _ := cmd.Flags().GetDuration("period")
		count, _ := cmd.Flags().GetInt("count")
		duration, _ := cmd.Flags().GetDuration("duration")

		f, err := parseFrame(args[0])
		if err != nil {
			return err
		}
		bus, err := openBus(cmd)
		if err != nil {
			return err
		}
		defer bus.Shutdown()

		opts := []canbus.PeriodicOption{
			canbus.OnSendError(func(err error) {
				logger.Warn("send failed", "err", err)
			}),
		}
		if count > 0 {
			opts = append(opts, canbus.WithCount(count))
		}
		if duration > 0 {
			opts = append(opts, canbus.WithDuration(duration))
		}
		task, err := bus.SendPeriodic(f, period, opts...)
		if err != nil {
			return err
		}
		defer task.Stop()

		if count == 0 {
			select {
			case <-ctx.Done():
			case <-task.Done():
			}
			logger.Info("stopped", "sent", task.Sent(), "failures", task.Failures())
			return nil
		}

		progress := bar.New(count, "sending "+f.String())
		t := time.NewTicker(100 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-task.Done():
				progress.Set(int(task.Sent() + task.Failures()))
				logger.Info("finished", "sent", task.Sent(), "failures", task.Failures())
				return nil
			case <-t.C:
				progress.Set(int(task.Sent() + task.Failures()))
			}
		}
	},
}
