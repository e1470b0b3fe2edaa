package ehci

import (
	"fmt"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/host/hal/ehci/hw"
	"github.com/ardnew/softehci/pkg"
)

// PortObserver is told when a root hub port gains or loses a usable device.
// Calls come from the request queue's worker.
type PortObserver interface {
	DeviceConnected(port int, speed hal.Speed)
	DeviceDisconnected(port int)
}

// portPriority is the request queue priority of port events.
const portPriority = PriorityNormal

// requestFailed is returned by ExecuteRequest when the request failed.
const requestFailed = ^uint64(0)

// ExecuteRequest runs a queued port event. p[0] is the port index.
func (c *Controller) ExecuteRequest(p [MaxRequestParams]uint64) uint64 {
	if err := c.OnPortEvent(int(p[0])); err != nil {
		return requestFailed
	}
	return 0
}

// OnPortEvent handles a change on port i: a disconnect is reported to the
// observer, a connect resets the port until it enables and is then
// reported. Low-speed devices are left to a companion controller.
func (c *Controller) OnPortEvent(i int) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	if i < 0 || i >= c.nPorts {
		return fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, i)
	}

	sc := c.ops.port(i)
	pkg.LogDebug(pkg.ComponentPort, "port event",
		"port", i,
		"status", fmt.Sprintf("%#08x", sc))

	if sc&hw.PortConnect == 0 {
		if c.plat.Observer != nil {
			c.plat.Observer.DeviceDisconnected(i)
		}
		c.ops.writePort(i, sc)
		pkg.LogInfo(pkg.ComponentPort, "device disconnected", "port", i)
		return nil
	}

	if sc&hw.PortLineStatus == hw.PortLineK {
		pkg.LogWarn(pkg.ComponentPort, "low-speed device connected; not handled", "port", i)
		return nil
	}

	for n := 0; n < c.cfg.ResetRetries; n++ {
		if err := c.resetPort(i); err != nil {
			return err
		}
		sc = c.ops.port(i)
		if sc&hw.PortEnable == 0 {
			pkg.LogDebug(pkg.ComponentPort, "port disabled after reset",
				"port", i,
				"attempt", n+1,
				"status", fmt.Sprintf("%#08x", sc))
			continue
		}

		c.delay(c.cfg.ConnectSettleMs)
		pkg.LogInfo(pkg.ComponentPort, "device connected", "port", i, "speed", hal.SpeedHigh)
		if c.plat.Observer != nil {
			c.plat.Observer.DeviceConnected(i, hal.SpeedHigh)
		}

		sc = c.ops.port(i)
		if sc&hw.PortEnable != 0 {
			return nil
		}
		pkg.LogWarn(pkg.ComponentPort, "port ended up disabled",
			"port", i,
			"status", fmt.Sprintf("%#08x", sc))
		if sc&hw.PortLineStatus == hw.PortLineK {
			pkg.LogWarn(pkg.ComponentPort, "port has a low-speed device", "port", i)
			return nil
		}
		c.ops.writePort(i, sc)
	}

	pkg.LogWarn(pkg.ComponentPort, "port never enabled; full-speed device?",
		"port", i,
		"attempts", c.cfg.ResetRetries)
	return fmt.Errorf("%w: port %d", ErrPortNotEnabled, i)
}

// resetPort drives a bus reset on port i and waits for the controller to
// end it.
func (c *Controller) resetPort(i int) error {
	if err := c.resume(); err != nil {
		return err
	}

	// Writing the change bits back clears them.
	c.ops.writePort(i, c.ops.port(i)&^hw.PortEnable|hw.PortReset)
	c.delay(c.cfg.ResetHoldMs)
	c.ops.writePort(i, c.ops.port(i)&^(hw.PortChangeMask|hw.PortEnable|hw.PortReset))

	return c.ops.wait(hw.PortSC(i), hw.PortReset, 0, c.cfg.ResetPollMs)
}

// ResetPort resets port i and reports whether it enabled.
func (c *Controller) ResetPort(i int) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	if i < 0 || i >= c.nPorts {
		return fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, i)
	}
	if err := c.resetPort(i); err != nil {
		return err
	}
	if c.ops.port(i)&hw.PortEnable == 0 {
		return fmt.Errorf("%w: port %d", ErrPortNotEnabled, i)
	}
	return nil
}

// PortStatus returns the raw PORTSC value of port i.
func (c *Controller) PortStatus(i int) uint32 {
	if i < 0 || i >= c.nPorts {
		return 0
	}
	return c.ops.port(i)
}

// DisablePort clears the port enable bit of port i.
func (c *Controller) DisablePort(i int) {
	if i < 0 || i >= c.nPorts {
		return
	}
	sc := c.ops.port(i) &^ (hw.PortChangeMask | hw.PortEnable)
	c.ops.writePort(i, sc)
}
