// Package pkg provides shared utilities for the otgusb host-controller engine.
//
// It contains:
//
//   - Structured logging via Go's standard [log/slog] package, tagged with
//     a [Component] so OTG, DMA, transfer and async-queue records can be
//     filtered independently
//   - Sentinel errors for parameter, resource and transfer failures
//   - [TransferStatus], the decoded hardware completion code, and
//     [TransferError], the typed error returned by failed transfers
//
// # Logging
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentOTG, "connect", "speed", hal.SpeedFull)
//
// # Errors
//
// Transfer failures match both their class and their cause:
//
//	if errors.Is(err, pkg.ErrDevice) && errors.Is(err, pkg.ErrStall) {
//	    // clear the halt and retry
//	}
package pkg
