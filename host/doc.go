// Package host is a USB host stack over a [hal.HostHAL].
//
// A [Host] watches the HAL's connection events. Each connected port is
// reset, its device is given a bus address, its device, configuration and
// string descriptors are read and its first configuration is selected.
// Enumerated devices are keyed by root port; a disconnect on that port
// detaches the device and frees its address.
//
// [Device] exposes control, bulk and interrupt transfers on the device's
// pipes. When the HAL implements [InterruptPoller], Device.Poll keeps an
// interrupt-IN endpoint scheduled at its declared interval.
//
// [TransferManager] runs transfers without blocking the caller. A HAL that
// implements [hal.AsyncTransferer] (the EHCI driver does) receives every
// transfer directly, so many can be in flight at once; other HALs are
// driven by a worker pool.
//
//	h := host.New(halImpl)
//	if err := h.Start(ctx); err != nil {
//		return err
//	}
//	dev, err := h.WaitDevice(ctx)
//	if err != nil {
//		return err
//	}
//	buf := make([]byte, 512)
//	n, err := dev.Bulk(ctx, 0x81, buf)
package host
