package pkg

import (
	"context"
	"errors"
)

// Transfer outcomes. Controller drivers wrap these so callers can test
// with errors.Is whatever the driver's own error type.
var (
	ErrStall     = errors.New("endpoint stalled")
	ErrTimeout   = errors.New("transfer timeout")
	ErrCancelled = errors.New("transfer cancelled")
	ErrOverrun   = errors.New("data overrun")
	ErrBabble    = errors.New("babble detected")
	ErrProtocol  = errors.New("protocol error") // Transaction error after retries
)

// Stack and resource errors.
var (
	ErrNoDevice         = errors.New("device not present")
	ErrInvalidEndpoint  = errors.New("invalid endpoint")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrNotSupported     = errors.New("not supported")
	ErrBusy             = errors.New("resource busy")
	ErrAlreadyRunning   = errors.New("already running")
	ErrNotRunning       = errors.New("not running")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNoResources      = errors.New("no resources available")
)

// TransferStatus classifies how a transfer ended.
type TransferStatus int

const (
	TransferStatusSuccess TransferStatus = iota
	TransferStatusStall
	TransferStatusTimeout
	TransferStatusCancelled
	TransferStatusOverrun
	TransferStatusBabble
	TransferStatusProtocol
	TransferStatusError // Anything else
)

var statusNames = [...]string{
	TransferStatusSuccess:   "success",
	TransferStatusStall:     "stall",
	TransferStatusTimeout:   "timeout",
	TransferStatusCancelled: "cancelled",
	TransferStatusOverrun:   "overrun",
	TransferStatusBabble:    "babble",
	TransferStatusProtocol:  "protocol",
	TransferStatusError:     "error",
}

func (s TransferStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// StatusOf classifies err. A context cancellation or deadline counts as
// cancelled or timed out.
func StatusOf(err error) TransferStatus {
	switch {
	case err == nil:
		return TransferStatusSuccess
	case errors.Is(err, ErrStall):
		return TransferStatusStall
	case errors.Is(err, ErrBabble):
		return TransferStatusBabble
	case errors.Is(err, ErrOverrun):
		return TransferStatusOverrun
	case errors.Is(err, ErrProtocol):
		return TransferStatusProtocol
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return TransferStatusTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return TransferStatusCancelled
	}
	return TransferStatusError
}
