package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/roffe/canbus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "cantool",
	Short:             "Send, dump and schedule CAN frames",
	Long:              `cantool talks to a CAN bus through any registered adapter.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

// Equivalent of slog.DiscardHandler (Go 1.24+): Enabled is always false.
var logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

const (
	flagAdapter    = "adapter"
	flagChannel    = "channel"
	flagBitrate    = "bitrate"
	flagFD         = "fd"
	flagDataRate   = "data-bitrate"
	flagReceiveOwn = "receive-own"
	flagOpt        = "opt"
	flagDebug      = "debug"
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP(flagAdapter, "a", "virtual", "what adapter to use, see the adapters command")
	pf.StringP(flagChannel, "c", "vcan0", "channel or port, ? = pick interactively")
	pf.IntP(flagBitrate, "b", 0, "nominal bitrate, 0 = keep the adapter default")
	pf.Bool(flagFD, false, "enable CAN FD")
	pf.Int(flagDataRate, 0, "CAN FD data phase bitrate")
	pf.Bool(flagReceiveOwn, false, "receive own transmitted frames")
	pf.StringArray(flagOpt, nil, "adapter option key=value, repeatable")
	pf.BoolP(flagDebug, "d", false, "debug logging")
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	debug, err := cmd.Flags().GetBool(flagDebug)
	if err != nil {
		return err
	}
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return nil
}

func parseOptions(opts []string) (map[string]string, error) {
	out := make(map[string]string, len(opts))
	for _, o := range opts {
		k, v, ok := strings.Cut(o, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid option %q, want key=value", o)
		}
		out[k] = v
	}
	return out, nil
}

func busConfig(cmd *cobra.Command) (*canbus.Config, error) {
	f := cmd.Flags()
	adapterName, _ := f.GetString(flagAdapter)
	channel, _ := f.GetString(flagChannel)
	bitrate, _ := f.GetInt(flagBitrate)
	fd, _ := f.GetBool(flagFD)
	dataRate, _ := f.GetInt(flagDataRate)
	receiveOwn, _ := f.GetBool(flagReceiveOwn)
	rawOpts, _ := f.GetStringArray(flagOpt)

	opts, err := parseOptions(rawOpts)
	if err != nil {
		return nil, err
	}
	if channel == "?" {
		channel, err = pickChannel(adapterName)
		if err != nil {
			return nil, err
		}
	}
	return &canbus.Config{
		Interface:          adapterName,
		Channel:            channel,
		Bitrate:            bitrate,
		DataBitrate:        dataRate,
		ReceiveOwnMessages: receiveOwn,
		FD:                 fd,
		Options:            opts,
		Logger:             logger,
	}, nil
}

func openBus(cmd *cobra.Command, filters ...canbus.Filter) (*canbus.Bus, error) {
	cfg, err := busConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg.Filters = filters
	return canbus.New(cfg)
}
