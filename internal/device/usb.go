package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/gousb"

	"tracklift/internal/config"
	"tracklift/internal/logging"
)

// usbTransferUnit bounds one bulk transfer. Frames never exceed it.
const usbTransferUnit = 16 * 1024

// USBDialer opens the recorder through libusb.
type USBDialer struct {
	vendor  gousb.ID
	product gousb.ID
	logger  *slog.Logger
}

// NewUSBDialer builds a dialer for the vendor/product pair in cfg.
func NewUSBDialer(cfg config.Device, logger *slog.Logger) (*USBDialer, error) {
	vendor, err := parseUSBID(cfg.VendorID)
	if err != nil {
		return nil, fmt.Errorf("vendor id: %w", err)
	}
	product, err := parseUSBID(cfg.ProductID)
	if err != nil {
		return nil, fmt.Errorf("product id: %w", err)
	}
	return &USBDialer{vendor: vendor, product: product, logger: logging.NewComponentLogger(logger, "usb")}, nil
}

func parseUSBID(value string) (gousb.ID, error) {
	id, err := strconv.ParseUint(value, 16, 16)
	if err != nil {
		return 0, err
	}
	return gousb.ID(id), nil
}

// Dial claims the default interface and its first bulk endpoint pair.
func (d *USBDialer) Dial(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	usb := gousb.NewContext()
	dev, err := usb.OpenDeviceWithVIDPID(d.vendor, d.product)
	if err != nil {
		_ = usb.Close()
		return nil, fmt.Errorf("open %s:%s: %w", d.vendor, d.product, err)
	}
	if dev == nil {
		_ = usb.Close()
		return nil, fmt.Errorf("%w (%s:%s)", ErrNoDevice, d.vendor, d.product)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		d.logger.Debug("kernel driver auto-detach unavailable", logging.Error(err))
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		_ = dev.Close()
		_ = usb.Close()
		return nil, fmt.Errorf("claim interface: %w", err)
	}

	t := &usbTransport{usb: usb, dev: dev, release: done}
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch {
		case ep.Direction == gousb.EndpointDirectionIn && t.in == nil:
			t.in, err = intf.InEndpoint(ep.Number)
		case ep.Direction == gousb.EndpointDirectionOut && t.out == nil:
			t.out, err = intf.OutEndpoint(ep.Number)
		}
		if err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("open endpoint %s: %w", ep, err)
		}
	}
	if t.in == nil || t.out == nil {
		_ = t.Close()
		return nil, errors.New("recorder interface lacks a bulk endpoint pair")
	}
	d.logger.Debug("usb transport open",
		logging.String("usb_id", fmt.Sprintf("%s:%s", d.vendor, d.product)),
		logging.String("in", t.in.Desc.String()),
		logging.String("out", t.out.Desc.String()),
	)
	return t, nil
}

type usbTransport struct {
	usb     *gousb.Context
	dev     *gousb.Device
	release func()
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint

	closeOnce sync.Once
}

func (t *usbTransport) Send(ctx context.Context, frame []byte) error {
	n, err := t.out.WriteContext(ctx, frame)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("usb write: %w", ctx.Err())
		}
		return fmt.Errorf("usb write: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("usb write: short transfer %d of %d bytes", n, len(frame))
	}
	return nil
}

func (t *usbTransport) Receive(ctx context.Context) ([]byte, error) {
	buf := make([]byte, usbTransferUnit)
	n, err := t.in.ReadContext(ctx, buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("usb read: %w", ctx.Err())
		}
		return nil, fmt.Errorf("usb read: %w", err)
	}
	return buf[:n], nil
}

func (t *usbTransport) MaxTransferUnit() int { return usbTransferUnit }

func (t *usbTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.release != nil {
			t.release()
		}
		err = errors.Join(t.dev.Close(), t.usb.Close())
	})
	return err
}

// USBDevice describes an attached USB device.
type USBDevice struct {
	Bus          int    `json:"bus"`
	Address      int    `json:"address"`
	VendorID     string `json:"vendor_id"`
	ProductID    string `json:"product_id"`
	Manufacturer string `json:"manufacturer"`
	Product      string `json:"product"`
	Serial       string `json:"serial"`
	Configured   bool   `json:"configured"`
}

// List enumerates attached USB devices from the configured vendor, marking
// the configured product.
func (d *USBDialer) List() ([]USBDevice, error) {
	usb := gousb.NewContext()
	defer usb.Close()

	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == d.vendor
	})
	defer func() {
		for _, dev := range devs {
			_ = dev.Close()
		}
	}()
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("enumerate usb devices: %w", err)
	}

	out := make([]USBDevice, 0, len(devs))
	for _, dev := range devs {
		entry := USBDevice{
			Bus:        dev.Desc.Bus,
			Address:    dev.Desc.Address,
			VendorID:   dev.Desc.Vendor.String(),
			ProductID:  dev.Desc.Product.String(),
			Configured: dev.Desc.Product == d.product,
		}
		entry.Manufacturer, _ = dev.Manufacturer()
		entry.Product, _ = dev.Product()
		entry.Serial, _ = dev.SerialNumber()
		out = append(out, entry)
	}
	return out, nil
}

// Present reports whether the configured recorder is attached.
func (d *USBDialer) Present() bool {
	devs, err := d.List()
	if err != nil {
		return false
	}
	for _, dev := range devs {
		if dev.Configured {
			return true
		}
	}
	return false
}
