// Command otgsim drives the OTG host controller engine against the
// simulated controller and a virtual device.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ardnew/otgusb/hcd"
	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
	"github.com/ardnew/otgusb/pkg/prof"
)

type options struct {
	verbose   bool
	logFormat string
	burst     int
	timeout   time.Duration
	device    string
	speed     string
	ids       string
	profile   prof.Options

	session *prof.Session
}

// stopProfile ends the profiling session, if one was started.
func (o *options) stopProfile() error {
	if o.session == nil {
		return nil
	}
	err := o.session.Stop()
	o.session = nil
	return err
}

func (o *options) config() (hcd.Config, error) {
	cfg := hcd.DefaultConfig()
	cfg.BurstSize = o.burst
	cfg.DefaultTimeout = o.timeout
	if err := cfg.Validate(); err != nil {
		return hcd.Config{}, err
	}
	return cfg, nil
}

func (o *options) linkSpeed() (hal.Speed, error) {
	switch o.speed {
	case "low":
		return hal.SpeedLow, nil
	case "full":
		return hal.SpeedFull, nil
	case "high":
		return hal.SpeedHigh, nil
	}
	return hal.SpeedUnknown, fmt.Errorf("%w: speed %q", pkg.ErrInvalidParameter, o.speed)
}

func newRootCmd(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "otgsim",
		Short:         "Exercise the OTG host controller engine",
		Long:          `otgsim attaches a virtual device to a simulated OTG controller and drives it through the host stack`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			format, err := pkg.ParseLogFormat(opts.logFormat)
			if err != nil {
				return fmt.Errorf("--log-format %q: %w", opts.logFormat, err)
			}
			pkg.SetLogOutput(cmd.ErrOrStderr(), format)
			if opts.verbose {
				pkg.SetLogLevel(slog.LevelDebug)
			}
			if opts.profile.Enabled() && opts.session == nil {
				if opts.session, err = prof.Start(opts.profile); err != nil {
					return err
				}
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opts.stopProfile()
		},
	}

	flags := root.PersistentFlags()
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVar(&opts.logFormat, "log-format", "text", "Log format (text or json)")
	flags.IntVar(&opts.burst, "burst", hcd.DefaultBurstSize, "Bytes per bulk DMA program")
	flags.DurationVar(&opts.timeout, "timeout", hcd.DefaultTimeout, "Per-stage transfer timeout")
	flags.StringVar(&opts.device, "device", "keyboard", "Virtual device (keyboard or loopback)")
	flags.StringVar(&opts.speed, "speed", "full", "Link speed (low, full or high)")
	flags.StringVar(&opts.ids, "usb-ids", "", "usb.ids database for vendor names (default: system copy)")
	flags.StringVar(&opts.profile.CPU, "cpuprofile", "", "Write a CPU profile to this file")
	flags.StringVar(&opts.profile.Heap, "memprofile", "", "Write a heap profile to this file on exit")
	flags.StringVar(&opts.profile.Block, "blockprofile", "", "Write a block profile to this file on exit")
	flags.StringVar(&opts.profile.Mutex, "mutexprofile", "", "Write a mutex profile to this file on exit")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		newEnumerateCmd(opts),
		newStreamCmd(opts),
		newTraceCmd(opts),
		newRegdumpCmd(opts),
	)
	return root
}

func main() {
	opts := &options{}
	err := newRootCmd(opts).Execute()
	// PersistentPostRunE is skipped when a command fails.
	err = errors.Join(err, opts.stopProfile())
	if err != nil {
		fmt.Fprintln(os.Stderr, "otgsim:", err)
		os.Exit(1)
	}
}
