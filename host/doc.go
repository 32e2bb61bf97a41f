// Package host enumerates the devices behind a host controller.
//
// It talks to hardware only through the [hal.HostHAL] interface from the
// github.com/ardnew/otgusb/host/hal package, which the hcd package
// implements for the OTG controller.
//
// # Enumeration
//
// [Host.Enumerate] runs the standard sequence on a connected port:
//
//   - reset the port
//   - read the first 8 bytes of the device descriptor at address 0
//   - record the control max packet size
//   - assign an address
//   - read the full device descriptor and configuration tree
//   - read the manufacturer, product and serial strings
//   - select the first configuration
//   - configure every endpoint of that configuration
//
// [Host.Watch] does the same for each hot-plugged device and forgets it
// again on disconnect.
//
// # Transfers
//
// A [Device] issues control, bulk and interrupt transfers, and can keep an
// interrupt IN endpoint polled in the background when the HAL implements
// [hal.AsyncInterruptHAL]. [Pipe] wraps a pair of bulk endpoints as a
// byte stream.
//
// # Example
//
//	h := host.New(hcd.NewHAL(ctrl))
//	if err := h.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Stop()
//
//	dev, err := h.Enumerate(ctx, 1)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = dev.SubscribeInterrupt(0x81, 8, func(c hal.InterruptCompletion) {
//	    fmt.Printf("% x\n", c.Data)
//	})
package host
