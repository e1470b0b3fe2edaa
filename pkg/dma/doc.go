// Package dma models memory shared between software and a bus-mastering
// host controller.
//
// A [Space] hands out page-aligned [Region] values backed by anonymous
// memory mappings and assigns each page a 32-bit physical frame. It answers
// both directions of the address question: [Space.Translate] maps a virtual
// address to the physical address a controller must be given, and
// [Space.Load32], [Space.Store32] and [Space.Slice] let a device model reach
// memory by physical address.
//
// Every 32-bit word a controller may observe is read and written with
// [sync/atomic] operations, so a simulated controller running on another
// goroutine never races with the driver.
package dma
