package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

func init() {
	sendCmd.Flags().Duration("timeout", time.Second, "send timeout")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:     "send <frame>...",
	Short:   "send frames, e.g. 123#DEADBEEF",
	Example: "  cantool -a slcan -c /dev/ttyACM0 -b 500000 send 7DF#0201050000000000",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, err := cmd.Flags().GetDuration("timeout")
		if err != nil {
			return err
		}
		bus, err := openBus(cmd)
		if err != nil {
			return err
		}
		defer bus.Shutdown()

		for _, arg := range args {
			f, err := parseFrame(arg)
			if err != nil {
				return err
			}
			if err := bus.Send(f, timeout); err != nil {
				return err
			}
			logger.Info("sent", "frame", f.String())
		}
		return nil
	},
}
