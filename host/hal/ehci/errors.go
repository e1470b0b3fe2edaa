package ehci

import (
	"errors"
	"fmt"

	"github.com/ardnew/softehci/host/hal/ehci/hw"
	"github.com/ardnew/softehci/pkg"
)

// Controller errors.
var (
	// ErrResourceExhausted indicates the QH or qTD slots are all in use.
	ErrResourceExhausted = fmt.Errorf("ehci: %w", pkg.ErrNoResources)

	// ErrQHSpaceFull indicates no free queue head slot.
	ErrQHSpaceFull = errors.New("QH space full")

	// ErrQTDSpaceFull indicates no free qTD slot.
	ErrQTDSpaceFull = errors.New("qTD space full")

	// ErrArenaFull indicates no contiguous run of free payload pages.
	ErrArenaFull = errors.New("payload arena full")

	// ErrUnmappedBuffer indicates a buffer page has no physical mapping.
	ErrUnmappedBuffer = errors.New("unmapped buffer page")

	// ErrTransferTooLarge indicates a buffer spans more pages than one qTD
	// can address.
	ErrTransferTooLarge = errors.New("too many bytes for a single transfer descriptor")

	// ErrInvalidTransaction indicates a handle that is unallocated, already
	// scheduled, or of the wrong kind.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrHardwareTimeout indicates the controller never acknowledged a
	// register handshake.
	ErrHardwareTimeout = errors.New("hardware handshake timeout")

	// ErrNotInitialized indicates Init has not completed.
	ErrNotInitialized = errors.New("controller not initialized")

	// ErrPortNotEnabled indicates a port stayed disabled after reset.
	ErrPortNotEnabled = errors.New("port not enabled after reset")
)

// TransferError reports the qTD status bits of a failed transfer.
type TransferError struct {
	Status uint8
}

// Result returns the negative completion value carrying s.
func (e *TransferError) Result() int { return -int(e.Status) }

func (e *TransferError) Error() string {
	return fmt.Sprintf("ehci: transfer error (status %#02x)", e.Status)
}

// Unwrap maps the status bits to the stack's transfer errors. A halt with no
// other cause is a STALL handshake.
func (e *TransferError) Unwrap() error {
	switch {
	case e.Status&hw.StatusBabble != 0:
		return pkg.ErrBabble
	case e.Status&hw.StatusBufferErr != 0:
		return pkg.ErrOverrun
	case e.Status&hw.StatusXactErr != 0:
		return pkg.ErrProtocol
	case e.Status&hw.StatusMissedUF != 0:
		return pkg.ErrTimeout
	case e.Status&hw.StatusHalted != 0:
		return pkg.ErrStall
	default:
		return pkg.ErrProtocol
	}
}

// resultError converts a completion result into an error.
func resultError(result int) error {
	if result >= 0 {
		return nil
	}
	return &TransferError{Status: uint8(-result)}
}

func exhausted(cause error) error {
	return fmt.Errorf("%w: %w", ErrResourceExhausted, cause)
}
