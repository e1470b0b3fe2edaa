// Package hw describes the EHCI register file and the in-memory layout of
// queue heads and queue transfer descriptors.
//
// Both the driver in package ehci and the simulated controller in package
// sim build on these definitions, so every bit position lives in one place.
// Descriptor views ([QH], [TD]) wrap word slices of DMA memory and access
// each word with sync/atomic, since the controller reads and writes the same
// memory concurrently with software.
package hw
