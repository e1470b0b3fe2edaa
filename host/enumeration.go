package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
)

// Enumeration errors.
var (
	ErrEnumerationFailed = errors.New("enumeration failed")
	ErrNoAddress         = errors.New("no address available")
)

// enumerate resets port, addresses the device behind it, reads its
// descriptors and selects its first configuration.
func (h *Host) enumerate(ctx context.Context, port int) (*Device, error) {
	if err := h.hal.ResetPort(port); err != nil {
		return nil, fmt.Errorf("%w: reset port %d: %w", ErrEnumerationFailed, port, err)
	}
	d := newDevice(h, port, h.hal.PortSpeed(port))

	// The first eight bytes carry bMaxPacketSize0, which is all a device
	// at address 0 is obliged to answer with.
	var buf [MaxDescriptorSize]byte
	n, err := d.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:8])
	if err != nil {
		return nil, fmt.Errorf("%w: device descriptor: %w", ErrEnumerationFailed, err)
	}
	if n < 8 {
		return nil, fmt.Errorf("%w: device descriptor: %d bytes", ErrEnumerationFailed, n)
	}
	pkg.LogDebug(pkg.ComponentHost, "default pipe", "port", port, "maxPacket", buf[7])

	addr := h.allocateAddress()
	if addr == 0 {
		return nil, ErrNoAddress
	}
	if err := h.hal.SetDeviceAddress(ctx, hal.DeviceAddress(addr)); err != nil {
		h.releaseAddress(addr)
		return nil, fmt.Errorf("%w: set address %d: %w", ErrEnumerationFailed, addr, err)
	}
	d.address = addr
	d.setState(DeviceStateAddress)

	if err := h.describe(ctx, d, buf[:]); err != nil {
		h.releaseAddress(addr)
		return nil, err
	}
	if d.config.Value != 0 {
		if err := d.SetConfiguration(ctx, d.config.Value); err != nil {
			h.releaseAddress(addr)
			return nil, fmt.Errorf("%w: set configuration: %w", ErrEnumerationFailed, err)
		}
	}
	return d, nil
}

// describe reads the device descriptor, the first configuration set and
// the device strings of an addressed device.
func (h *Host) describe(ctx context.Context, d *Device, buf []byte) error {
	n, err := d.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:DeviceDescriptorSize])
	if err != nil {
		return fmt.Errorf("%w: device descriptor: %w", ErrEnumerationFailed, err)
	}
	if d.desc, err = ParseDeviceDescriptor(buf[:n]); err != nil {
		return fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
	}

	// Header first for wTotalLength, then the whole set.
	n, err = d.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return fmt.Errorf("%w: configuration header: %w", ErrEnumerationFailed, err)
	}
	hdr, err := ParseConfiguration(buf[:n])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
	}
	total := min(int(hdr.TotalLength), len(buf))
	if n, err = d.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:total]); err != nil {
		return fmt.Errorf("%w: configuration: %w", ErrEnumerationFailed, err)
	}
	if d.config, err = ParseConfiguration(buf[:n]); err != nil {
		return fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
	}

	pkg.LogDebug(pkg.ComponentHost, "descriptors read",
		"address", d.address,
		"vendor", d.desc.VendorID,
		"product", d.desc.ProductID,
		"interfaces", len(d.config.Interfaces))

	// Strings are optional; a device that stalls them still enumerates.
	d.manufacturer = h.readString(ctx, d, d.desc.ManufacturerIndex, buf)
	d.product = h.readString(ctx, d, d.desc.ProductIndex, buf)
	d.serial = h.readString(ctx, d, d.desc.SerialNumberIndex, buf)
	return nil
}

func (h *Host) readString(ctx context.Context, d *Device, index uint8, buf []byte) string {
	if index == 0 {
		return ""
	}
	n, err := d.GetDescriptor(ctx, DescriptorTypeString, index, LangIDUSEnglish, buf[:255])
	if err != nil {
		pkg.LogDebug(pkg.ComponentHost, "string descriptor", "index", index, "error", err)
		return ""
	}
	s, err := ParseString(buf[:n])
	if err != nil {
		pkg.LogDebug(pkg.ComponentHost, "string descriptor", "index", index, "error", err)
		return ""
	}
	return s
}
