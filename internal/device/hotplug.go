package device

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"tracklift/internal/config"
	"tracklift/internal/logging"
)

// HotplugEvent is a recorder arrival or removal seen on the udev netlink
// socket.
type HotplugEvent struct {
	Action  string
	DevPath string
	DevName string
}

// HotplugMonitor watches udev for the configured recorder's USB device.
type HotplugMonitor struct {
	vendor   uint64
	product  uint64
	logger   *slog.Logger
	onAdd    func(HotplugEvent)
	onRemove func(HotplugEvent)

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// NewHotplugMonitor builds a monitor for the vendor/product pair in cfg.
// onAdd and onRemove may be nil.
func NewHotplugMonitor(cfg config.Device, logger *slog.Logger, onAdd, onRemove func(HotplugEvent)) (*HotplugMonitor, error) {
	vendor, err := strconv.ParseUint(cfg.VendorID, 16, 16)
	if err != nil {
		return nil, fmt.Errorf("parse vendor id %q: %w", cfg.VendorID, err)
	}
	product, err := strconv.ParseUint(cfg.ProductID, 16, 16)
	if err != nil {
		return nil, fmt.Errorf("parse product id %q: %w", cfg.ProductID, err)
	}
	return &HotplugMonitor{
		vendor:   vendor,
		product:  product,
		logger:   logging.NewComponentLogger(logger, "hotplug"),
		onAdd:    onAdd,
		onRemove: onRemove,
	}, nil
}

// Start begins listening for udev netlink events.
func (m *HotplugMonitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return fmt.Errorf("connect udev netlink socket: %w", err)
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.monitorLoop(ctx, conn, quit)

	m.logger.Debug("hotplug monitor started",
		logging.String(logging.FieldEventType, "hotplug_monitor_started"),
		logging.String("usb_id", fmt.Sprintf("%04x:%04x", m.vendor, m.product)),
	)
	return nil
}

// Stop shuts down the monitor.
func (m *HotplugMonitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.running = false
}

// Running reports whether the monitor is active.
func (m *HotplugMonitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *HotplugMonitor) monitorLoop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			m.handleEvent(uevent)
		case err := <-errs:
			logging.WarnWithContext(m.logger, "hotplug monitor error", "hotplug_monitor_error",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				logging.String(logging.FieldImpact, "recorder arrival or removal may go unnoticed"),
			)
		}
	}
}

// buildMatcher matches USB device (not interface) add and remove events.
func buildMatcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "usb",
			"DEVTYPE":   "usb_device",
		},
	})
	return rules
}

func (m *HotplugMonitor) handleEvent(uevent netlink.UEvent) {
	if !m.matchesProduct(uevent.Env["PRODUCT"]) {
		return
	}
	event := HotplugEvent{
		Action:  string(uevent.Action),
		DevPath: uevent.Env["DEVPATH"],
		DevName: uevent.Env["DEVNAME"],
	}
	m.logger.Info("recorder hotplug event",
		logging.String(logging.FieldEventType, "hotplug_"+event.Action),
		logging.String("devpath", event.DevPath),
	)
	switch event.Action {
	case string(netlink.ADD):
		if m.onAdd != nil {
			m.onAdd(event)
		}
	case string(netlink.REMOVE):
		if m.onRemove != nil {
			m.onRemove(event)
		}
	}
}

// matchesProduct parses the uevent PRODUCT value, "vid/pid/bcdDevice" in
// hex without leading zeros.
func (m *HotplugMonitor) matchesProduct(value string) bool {
	parts := strings.Split(value, "/")
	if len(parts) < 2 {
		return false
	}
	vendor, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return false
	}
	product, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return false
	}
	return vendor == m.vendor && product == m.product
}

// WaitForDevice blocks until the recorder is attached, ctx ends or probe
// reports it present. probe is checked once after the monitor starts so an
// already attached recorder is not missed.
func WaitForDevice(ctx context.Context, cfg config.Device, logger *slog.Logger, probe func() bool) (HotplugEvent, error) {
	arrived := make(chan HotplugEvent, 1)
	monitor, err := NewHotplugMonitor(cfg, logger, func(e HotplugEvent) {
		select {
		case arrived <- e:
		default:
		}
	}, nil)
	if err != nil {
		return HotplugEvent{}, err
	}
	if err := monitor.Start(ctx); err != nil {
		return HotplugEvent{}, err
	}
	defer monitor.Stop()

	if probe != nil && probe() {
		return HotplugEvent{Action: "present"}, nil
	}
	select {
	case e := <-arrived:
		return e, nil
	case <-ctx.Done():
		return HotplugEvent{}, context.Cause(ctx)
	}
}
