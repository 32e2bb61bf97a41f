package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/otgusb/hcd/mmio"
	"github.com/ardnew/otgusb/hcd/sim"
	"github.com/ardnew/otgusb/host"
	"github.com/ardnew/otgusb/host/hal"
	"github.com/ardnew/otgusb/pkg"
)

func newEnumerateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "enumerate",
		Short: "Attach the virtual device and print its descriptors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := newBench(ctx, opts, -1)
			if err != nil {
				return err
			}
			defer b.close()

			dev, err := b.attach(ctx)
			if err != nil {
				return err
			}
			describe(cmd.OutOrStdout(), dev, opts.usbIDs())
			return nil
		},
	}
}

func newStreamCmd(opts *options) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Move data to and from the virtual device for a while",
		Long: `stream keeps the controller's timers running while it exchanges data with
the virtual device: key reports through a background interrupt subscription
for the keyboard, or echoed bulk data for the loopback device`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), duration)
			defer cancel()

			b, err := newBench(ctx, opts, -1)
			if err != nil {
				return err
			}
			defer b.close()
			dev, err := b.attach(ctx)
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return b.ctrl.Run(ctx) })

			var count atomic.Int64
			switch fn := b.fn.(type) {
			case *sim.Keyboard:
				if err := streamKeyboard(ctx, g, dev, fn, &count); err != nil {
					cancel()
					g.Wait()
					return err
				}
			case *sim.Loopback:
				g.Go(func() error { return streamLoopback(ctx, dev, &count) })
			}

			err = g.Wait()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d %s in %v\n",
				opts.device, count.Load(), streamUnit(b.fn), duration)
			return err
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", time.Second, "How long to stream")
	return cmd
}

func streamUnit(fn sim.Function) string {
	if _, ok := fn.(*sim.Keyboard); ok {
		return "reports"
	}
	return "bytes"
}

// streamKeyboard subscribes to the keyboard's reports and types a key every
// polling interval until ctx ends.
func streamKeyboard(ctx context.Context, g *errgroup.Group, dev *host.Device, kbd *sim.Keyboard, count *atomic.Int64) error {
	err := dev.SubscribeInterrupt(sim.KeyboardEndpoint, sim.KeyboardReportSize, func(c hal.InterruptCompletion) {
		if c.Err != nil {
			pkg.LogWarn(pkg.ComponentHost, "report", "error", c.Err)
			return
		}
		count.Add(1)
		pkg.LogDebug(pkg.ComponentHost, "report", "data", fmt.Sprintf("% x", c.Data))
	})
	if err != nil {
		return err
	}

	g.Go(func() error {
		t := time.NewTicker(sim.KeyboardInterval * time.Millisecond)
		defer t.Stop()
		for key := byte(0x04); ; key++ {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
			}
			if key > 0x1D { // a..z
				key = 0x04
			}
			kbd.Press([]byte{0, 0, key})
		}
	})
	return nil
}

// streamLoopback writes a pattern through the loopback device and checks
// that it comes back unchanged.
func streamLoopback(ctx context.Context, dev *host.Device, count *atomic.Int64) error {
	pipe, err := host.NewPipe(dev, sim.LoopbackIn, sim.LoopbackOut)
	if err != nil {
		return err
	}
	out := make([]byte, 1024)
	in := make([]byte, len(out))
	for seq := byte(0); ; seq++ {
		if ctx.Err() != nil {
			return nil
		}
		for i := range out {
			out[i] = seq + byte(i)
		}
		if _, err := pipe.Write(ctx, out); err != nil {
			return stopped(ctx, err)
		}
		for got := 0; got < len(in); {
			n, err := pipe.Read(ctx, in[got:])
			if err != nil {
				return stopped(ctx, err)
			}
			got += n
		}
		if !bytes.Equal(in, out) {
			return fmt.Errorf("loopback data mismatch in block %d", seq)
		}
		count.Add(int64(len(out)))
	}
}

// stopped drops err when ctx has already ended.
func stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func newTraceCmd(opts *options) *cobra.Command {
	var (
		out   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Record every register access of an enumeration as CBOR",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return fmt.Errorf("%w: --limit %d", pkg.ErrInvalidParameter, limit)
			}
			ctx := cmd.Context()
			b, err := newBench(ctx, opts, limit)
			if err != nil {
				return err
			}
			defer b.close()
			if _, err := b.attach(ctx); err != nil {
				return err
			}

			if err := writeFile(out, b.tracer.WriteCBOR); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d register accesses written to %s\n",
				len(b.tracer.Accesses()), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "trace.cbor", "Output file")
	cmd.Flags().IntVar(&limit, "limit", 0, "Keep only the last N accesses (0: all)")
	return cmd
}

func newRegdumpCmd(opts *options) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "regdump",
		Short: "Enumerate, then dump registers and DMA memory as Intel HEX",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := newBench(ctx, opts, -1)
			if err != nil {
				return err
			}
			defer b.close()
			if _, err := b.attach(ctx); err != nil {
				return err
			}

			segs := b.hw.Segments()
			err = writeFile(out, func(w io.Writer) error {
				return mmio.DumpIntelHex(w, segs...)
			})
			if err != nil {
				return err
			}
			for _, s := range segs {
				fmt.Fprintf(cmd.OutOrStdout(), "%#08x %6d bytes\n", s.Addr, len(s.Data))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "regs.hex", "Output file")
	return cmd
}

// writeFile creates path and hands it to write.
func writeFile(path string, write func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	return write(f)
}
