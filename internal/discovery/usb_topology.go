// internal/discovery/usb_topology.go
package discovery

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"
)

// TopologyResolver maps device serial numbers to USB bus/address pairs
// by walking the USB tree. The lookup is purely informational: every
// failure degrades to "unknown" and never delays a scan cycle, so the
// table is refreshed lazily and served from cache in between.
type TopologyResolver struct {
	vendorID  gousb.ID
	productID gousb.ID
	logger    *zap.Logger
	ttl       time.Duration

	// walk rebuilds the serial -> bus/address table. Injectable so
	// tests run without a USB stack.
	walk func() map[string][2]int

	mu        sync.Mutex
	table     map[string][2]int
	refreshed time.Time
}

// NewTopologyResolver creates a resolver for the given vendor/product
// ID pair (hex strings). Returns nil when the IDs do not parse; a nil
// resolver is a valid "no enrichment" value for the grouper.
func NewTopologyResolver(vendorID, productID string, logger *zap.Logger) *TopologyResolver {
	vid, err := strconv.ParseUint(strings.TrimPrefix(vendorID, "0x"), 16, 16)
	if err != nil {
		return nil
	}
	pid, err := strconv.ParseUint(strings.TrimPrefix(productID, "0x"), 16, 16)
	if err != nil {
		return nil
	}
	t := &TopologyResolver{
		vendorID:  gousb.ID(vid),
		productID: gousb.ID(pid),
		logger:    logger.With(zap.String("component", "usb-topology")),
		ttl:       30 * time.Second,
		table:     make(map[string][2]int),
	}
	t.walk = t.usbWalk
	return t
}

// Resolve returns the bus and address for a serial number, when known.
// A stale table is rebuilt outside the lock so the USB walk never
// stalls concurrent lookups; they serve the previous snapshot.
func (t *TopologyResolver) Resolve(serialNumber string) (bus, address int, ok bool) {
	t.mu.Lock()
	stale := time.Since(t.refreshed) > t.ttl
	if stale {
		// Claimed up front so only one caller walks per TTL window.
		t.refreshed = time.Now()
	}
	t.mu.Unlock()

	if stale {
		table := t.walk()
		t.mu.Lock()
		t.table = table
		t.mu.Unlock()
	}

	t.mu.Lock()
	entry, ok := t.table[serialNumber]
	t.mu.Unlock()
	if !ok {
		return 0, 0, false
	}
	return entry[0], entry[1], true
}

// usbWalk rebuilds the serial -> bus/address table from the USB tree.
func (t *TopologyResolver) usbWalk() map[string][2]int {
	ctx := gousb.NewContext()
	defer func() {
		if err := ctx.Close(); err != nil {
			t.logger.Debug("Failed to close USB context", zap.Error(err))
		}
	}()

	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == t.vendorID && desc.Product == t.productID
	})
	if err != nil {
		// Partial results are still usable; OpenDevices reports an
		// error when any single device fails to open.
		t.logger.Debug("USB topology walk incomplete", zap.Error(err))
	}

	table := make(map[string][2]int, len(devices))
	for _, dev := range devices {
		serial, serr := dev.SerialNumber()
		if serr == nil && serial != "" {
			table[serial] = [2]int{dev.Desc.Bus, dev.Desc.Address}
		}
		if cerr := dev.Close(); cerr != nil {
			t.logger.Debug("Failed to close USB device", zap.Error(cerr))
		}
	}

	return table
}
