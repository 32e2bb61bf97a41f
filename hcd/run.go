package hcd

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/otgusb/pkg"
)

// Run drives the controller's timer facility until ctx is done: async
// dispatch every Config.DispatchInterval and OTG hot-plug servicing every
// Config.HotplugInterval. It returns nil when ctx ends and
// pkg.ErrNotRunning if the controller is closed underneath it.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return every(ctx, c.cfg.DispatchInterval, func() error {
			if c.isClosed() {
				return pkg.ErrNotRunning
			}
			c.DispatchAsync()
			return nil
		})
	})
	g.Go(func() error {
		return every(ctx, c.cfg.HotplugInterval, c.hotplug)
	})

	return g.Wait()
}

func (c *Controller) hotplug() error {
	err := c.Service()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pkg.ErrNotRunning):
		return err
	default:
		pkg.LogWarn(pkg.ComponentOTG, "hot-plug service failed", "error", err)
		return nil
	}
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// every calls fn each interval until ctx is done or fn fails.
func every(ctx context.Context, interval time.Duration, fn func() error) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := fn(); err != nil {
				return err
			}
		}
	}
}
