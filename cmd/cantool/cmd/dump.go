package cmd

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/roffe/canbus"
	"github.com/spf13/cobra"
)

func init() {
	f := dumpCmd.Flags()
	f.StringSlice("filter", nil, "acceptance filters id:mask, comma separated or repeated")
	f.Int("count", 0, "exit after this many frames, 0 = run until interrupted")
	f.Bool("no-color", false, "disable colored output")
	rootCmd.AddCommand(dumpCmd)
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "print received frames",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filterSpecs, _ := cmd.Flags().GetStringSlice("filter")
		count, _ := cmd.Flags().GetInt("count")
		noColor, _ := cmd.Flags().GetBool("no-color")

		filters, err := parseFilters(filterSpecs)
		if err != nil {
			return err
		}
		bus, err := openBus(cmd, filters...)
		if err != nil {
			return err
		}
		defer bus.Shutdown()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		p := &framePrinter{out: color.Output, color: !noColor, limit: uint64(count), done: cancel}
		n := canbus.NewNotifier(canbus.NotifierConfig{Logger: logger}, bus)
		n.Add(p)
		logger.Debug("dumping", "filters", canbus.FiltersString(filters))

		<-ctx.Done()
		n.Stop(time.Second)
		logger.Info("done", "frames", p.frames.Load(), "stats", bus.Stats().String())
		if err := n.Err(); err != nil {
			return err
		}
		return p.err.Load()
	},
}

// framePrinter writes every frame and error event as one line.
type framePrinter struct {
	out    io.Writer
	color  bool
	limit  uint64
	done   func()
	frames atomic.Uint64
	err    atomicError
}

func (p *framePrinter) OnFrame(f canbus.Frame) error {
	s := f.String()
	if p.color {
		s = f.ColorString()
	}
	if _, err := fmt.Fprintf(p.out, "%s %-8s %s\n", f.Timestamp().Format("15:04:05.000000"), f.Channel(), s); err != nil {
		return err
	}
	if n := p.frames.Add(1); p.limit > 0 && n >= p.limit {
		p.done()
	}
	return nil
}

func (p *framePrinter) OnError(ev canbus.ErrorEvent) error {
	s := ev.String()
	if p.color {
		s = color.RedString(s)
	}
	fmt.Fprintln(p.out, s)
	if ev.Err != nil && canbus.Unrecoverable(ev.Err) {
		p.err.Store(ev.Err)
		p.done()
	}
	return nil
}

type atomicError struct {
	v atomic.Pointer[error]
}

func (a *atomicError) Store(err error) {
	a.v.CompareAndSwap(nil, &err)
}

func (a *atomicError) Load() error {
	if p := a.v.Load(); p != nil {
		return *p
	}
	return nil
}
