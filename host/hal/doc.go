// Package hal defines the interface between the host stack and a USB host
// controller driver.
//
// [HostHAL] covers controller lifecycle, root port status and reset, the
// four transfer types and connection events. The host stack implements
// the USB protocol (enumeration, descriptors, configuration) on top of it;
// a driver only moves SETUP and data packets and reports port changes.
//
// Drivers that can keep several transfers in flight also implement
// [AsyncTransferer], which the host stack's transfer manager prefers over
// the blocking calls.
//
// The EHCI driver in [github.com/ardnew/softehci/host/hal/ehci] implements
// both.
package hal
