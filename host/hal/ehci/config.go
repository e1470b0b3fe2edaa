package ehci

import (
	"fmt"

	"github.com/ardnew/softehci/pkg"
)

// Config holds the tunables of a Controller. Zero values are not valid;
// start from [DefaultConfig].
type Config struct {
	// ArenaPages is the number of payload pages placed after the qTD array
	// for bounce buffers.
	ArenaPages int `yaml:"arena_pages"`

	// HandshakeLimit bounds every register polling loop. Zero polls forever.
	HandshakeLimit int `yaml:"handshake_limit"`

	// ResetRetries is the number of port resets attempted per connect.
	ResetRetries int `yaml:"reset_retries"`

	// ResetHoldMs is how long the port reset bit is held.
	ResetHoldMs int `yaml:"reset_hold_ms"`

	// ResetPollMs is the delay between polls for reset completion.
	ResetPollMs int `yaml:"reset_poll_ms"`

	// ConnectSettleMs is the delay between a successful reset and the
	// connect notification.
	ConnectSettleMs int `yaml:"connect_settle_ms"`

	// PowerSettleMs is the delay after powering a port.
	PowerSettleMs int `yaml:"power_settle_ms"`

	// ErrorRetries is the qTD error counter preset (0-3).
	ErrorRetries int `yaml:"error_retries"`

	// NakReload is the NAK counter reload of asynchronous queue heads (0-15).
	NakReload int `yaml:"nak_reload"`

	// InterruptThreshold is the interrupt threshold in micro-frames.
	InterruptThreshold int `yaml:"interrupt_threshold"`
}

// DefaultConfig returns the tunables used by the reference driver.
func DefaultConfig() Config {
	return Config{
		ArenaPages:         16,
		HandshakeLimit:     1 << 20,
		ResetRetries:       3,
		ResetHoldMs:        50,
		ResetPollMs:        5,
		ConnectSettleMs:    1000,
		PowerSettleMs:      20,
		ErrorRetries:       3,
		NakReload:          15,
		InterruptThreshold: 8,
	}
}

// Validate reports the first out-of-range field.
func (c Config) Validate() error {
	switch {
	case c.ArenaPages < 0 || c.ArenaPages > maxArenaPages:
		return fmt.Errorf("%w: arena_pages %d (0-%d)", pkg.ErrInvalidParameter, c.ArenaPages, maxArenaPages)
	case c.HandshakeLimit < 0:
		return fmt.Errorf("%w: handshake_limit %d", pkg.ErrInvalidParameter, c.HandshakeLimit)
	case c.ResetRetries < 1:
		return fmt.Errorf("%w: reset_retries %d", pkg.ErrInvalidParameter, c.ResetRetries)
	case c.ResetHoldMs < 0 || c.ResetPollMs < 0 || c.ConnectSettleMs < 0 || c.PowerSettleMs < 0:
		return fmt.Errorf("%w: negative delay", pkg.ErrInvalidParameter)
	case c.ErrorRetries < 0 || c.ErrorRetries > 3:
		return fmt.Errorf("%w: error_retries %d (0-3)", pkg.ErrInvalidParameter, c.ErrorRetries)
	case c.NakReload < 0 || c.NakReload > 15:
		return fmt.Errorf("%w: nak_reload %d (0-15)", pkg.ErrInvalidParameter, c.NakReload)
	}
	switch c.InterruptThreshold {
	case 1, 2, 4, 8, 16, 32, 64:
	default:
		return fmt.Errorf("%w: interrupt_threshold %d", pkg.ErrInvalidParameter, c.InterruptThreshold)
	}
	return nil
}
