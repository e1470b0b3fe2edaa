// Package sim simulates an EHCI host controller and the USB functions
// attached to its root ports.
//
// A [Controller] implements the register window the ehci package drives and
// executes the schedules it builds, reading queue heads and transfer
// descriptors from a [dma.Space] by physical address. Each call to
// [Controller.Step] walks the periodic chain for the current frame and then
// makes one pass of the asynchronous ring, running at most one transaction
// per queue head. Completions, port changes and the async-advance doorbell
// raise the interrupt handler registered with [Controller.SetInterruptHandler].
//
// [Device] is a configurable USB function that answers the standard control
// requests and routes other endpoints to caller-supplied handlers. Faults
// such as STALL, transaction errors and babble can be injected per endpoint.
package sim
