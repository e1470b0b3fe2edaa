// Package ehci drives an EHCI USB 2.0 host controller through its
// asynchronous and periodic schedules.
//
// A [Controller] owns one physically contiguous descriptor region holding
// 128 queue heads, a 1024-entry periodic frame list, 256 transfer
// descriptors and a payload arena. Transfers are built from a queue head and
// a chain of qTDs, linked into a circular asynchronous ring anchored by a
// permanent dummy queue head, and completed by [Controller.HandleInterrupt],
// which invokes the caller's [Completion] once per transaction.
//
// Retired queue heads are not freed immediately: the controller may still
// hold a pointer into them. The interrupt handler rings the async-advance
// doorbell and a reclaimer goroutine frees the slots once the controller
// acknowledges it.
//
// [HostHAL] adapts a Controller to the [hal.HostHAL] interface used by the
// host stack. Package sim provides a simulated controller for tests and the
// ehcisim command.
package ehci
