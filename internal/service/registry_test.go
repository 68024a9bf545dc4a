// internal/service/registry_test.go
package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sniffer-bench/internal/config"
	"sniffer-bench/internal/discovery"
	"sniffer-bench/internal/model"
	"sniffer-bench/internal/protocol"
	"sniffer-bench/internal/traffic"
)

// quietPort is an idle in-memory Port for lifecycle tests.
type quietPort struct {
	mu     sync.Mutex
	closed bool
}

func (p *quietPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, nil
	}
	time.Sleep(time.Millisecond)
	return 0, nil
}

func (p *quietPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *quietPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *quietPort) SetReadTimeout(time.Duration) error { return nil }

// testFleet scripts the port table the registry sees each cycle.
type testFleet struct {
	mu    sync.Mutex
	ports []discovery.PortInfo
}

func (f *testFleet) set(ports []discovery.PortInfo) {
	f.mu.Lock()
	f.ports = ports
	f.mu.Unlock()
}

func (f *testFleet) scan() []discovery.PortInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ports
}

func devicePorts(serial, base string) []discovery.PortInfo {
	return []discovery.PortInfo{
		{Path: base + "0", SerialNumber: serial, Description: "Bridge"},
		{Path: base + "1", SerialNumber: serial, Description: "LoRa"},
		{Path: base + "2", SerialNumber: serial, Description: "Shell"},
	}
}

func newTestRegistry(t *testing.T, fleet *testFleet) *Registry {
	t.Helper()
	sink := traffic.NewSink(1000, t.TempDir(), zap.NewNop())
	opener := func(deviceID string, role model.EndpointRole, path string, onDisconnect func(*protocol.Channel)) (*protocol.Channel, error) {
		return protocol.Attach(&quietPort{}, deviceID, role, path, protocol.Config{}, sink, zap.NewNop(), onDisconnect), nil
	}
	r := NewRegistry(
		config.FleetConfig{ScanInterval: time.Second, RemovalDebounce: 2},
		discovery.NewGrouper(zap.NewNop(), nil),
		fleet.scan,
		opener,
		sink,
		zap.NewNop(),
	)
	t.Cleanup(r.Close)
	return r
}

func nextEvent(t *testing.T, sub *Subscription) model.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for registry event")
		return model.Event{}
	}
}

func TestRegistryAddsDevice(t *testing.T) {
	fleet := &testFleet{}
	fleet.set(devicePorts("AA11BB", "/dev/ttyACM"))
	r := newTestRegistry(t, fleet)
	sub := r.Subscribe()
	defer sub.Close()

	r.cycle()

	ev := nextEvent(t, sub)
	assert.Equal(t, model.EventDeviceAdded, ev.Type)
	assert.Equal(t, "AA11BB", ev.Identity.SerialNumber)
	require.NotNil(t, ev.Device)
	assert.Equal(t, model.HealthHealthy, ev.Device.Health)

	devices := r.List()
	require.Len(t, devices, 1)
	assert.Len(t, devices[0].Endpoints, 3)
}

func TestRegistryRemovalDebounce(t *testing.T) {
	fleet := &testFleet{}
	fleet.set(devicePorts("AA11BB", "/dev/ttyACM"))
	r := newTestRegistry(t, fleet)

	r.cycle()
	require.Len(t, r.List(), 1)

	sub := r.Subscribe()
	defer sub.Close()

	// One absent cycle is not a removal.
	fleet.set(nil)
	r.cycle()
	assert.Len(t, r.List(), 1)

	// The second consecutive absent cycle confirms it.
	r.cycle()
	assert.Empty(t, r.List())

	ev := nextEvent(t, sub)
	assert.Equal(t, model.EventDeviceRemoved, ev.Type)
	assert.Equal(t, "AA11BB", ev.Identity.SerialNumber)
}

func TestRegistryReappearanceResetsDebounce(t *testing.T) {
	fleet := &testFleet{}
	fleet.set(devicePorts("AA11BB", "/dev/ttyACM"))
	r := newTestRegistry(t, fleet)

	r.cycle()

	// Absent once, back once, absent once: never two consecutive
	// absences, so the device stays.
	fleet.set(nil)
	r.cycle()
	fleet.set(devicePorts("AA11BB", "/dev/ttyACM"))
	r.cycle()
	fleet.set(nil)
	r.cycle()

	assert.Len(t, r.List(), 1)
}

func TestRegistryIdentityStableAcrossPathChange(t *testing.T) {
	fleet := &testFleet{}
	fleet.set(devicePorts("AA11BB", "/dev/ttyACM"))
	r := newTestRegistry(t, fleet)

	r.cycle()
	require.Len(t, r.List(), 1)

	sub := r.Subscribe()
	defer sub.Close()

	// Same serial, new OS paths: the same logical device changed, no
	// add/remove pair.
	fleet.set(devicePorts("AA11BB", "/dev/ttyUSB"))
	r.cycle()

	ev := nextEvent(t, sub)
	assert.Equal(t, model.EventDeviceChanged, ev.Type)
	assert.Equal(t, "AA11BB", ev.Identity.SerialNumber)

	devices := r.List()
	require.Len(t, devices, 1)
	assert.Equal(t, "/dev/ttyUSB2", devices[0].Endpoints[model.RoleShell].PortPath)
}

func TestRegistryCycleEventOrder(t *testing.T) {
	fleet := &testFleet{}
	fleet.set(append(
		devicePorts("GONE01", "/dev/ttyACM"),
		devicePorts("STAY02", "/dev/ttyUSB")...,
	))
	r := newTestRegistry(t, fleet)

	r.cycle()
	require.Len(t, r.List(), 2)

	// Arm the removal debounce for GONE01.
	fleet.set(devicePorts("STAY02", "/dev/ttyUSB"))
	r.cycle()

	sub := r.Subscribe()
	defer sub.Close()

	// One cycle with all three transitions: GONE01 confirmed removed,
	// NEW03 added, STAY02 rewired to new paths.
	fleet.set(append(
		devicePorts("NEW03", "/dev/ttyXR"),
		devicePorts("STAY02", "/dev/ttyEX")...,
	))
	r.cycle()

	assert.Equal(t, model.EventDeviceRemoved, nextEvent(t, sub).Type)
	added := nextEvent(t, sub)
	assert.Equal(t, model.EventDeviceAdded, added.Type)
	assert.Equal(t, "NEW03", added.Identity.SerialNumber)
	changed := nextEvent(t, sub)
	assert.Equal(t, model.EventDeviceChanged, changed.Type)
	assert.Equal(t, "STAY02", changed.Identity.SerialNumber)
}

func TestRegistryPublishNeverBlocks(t *testing.T) {
	fleet := &testFleet{}
	r := newTestRegistry(t, fleet)

	sub := r.Subscribe()
	defer sub.Close()

	// Generate a burst of events without consuming any.
	for i := 0; i < 50; i++ {
		fleet.set(devicePorts("AA11BB", "/dev/ttyACM"))
		r.cycle()
		fleet.set(nil)
		r.cycle()
		r.cycle()
	}

	// All cycles completed; the backlog drains in publish order.
	first := nextEvent(t, sub)
	assert.Equal(t, model.EventDeviceAdded, first.Type)
	second := nextEvent(t, sub)
	assert.Equal(t, model.EventDeviceRemoved, second.Type)
}

func TestSubscriptionCloseUnblocksPump(t *testing.T) {
	fleet := &testFleet{}
	r := newTestRegistry(t, fleet)

	sub := r.Subscribe()

	// Build a backlog the consumer never reads.
	for i := 0; i < 20; i++ {
		fleet.set(devicePorts("AA11BB", "/dev/ttyACM"))
		r.cycle()
		fleet.set(nil)
		r.cycle()
		r.cycle()
	}

	sub.Close()

	// The pump must not stay parked on an unread delivery: the event
	// channel closes even though backlog remained.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel did not close after subscription close")
		}
	}
}

func TestRegistryPartialDeviceHealth(t *testing.T) {
	fleet := &testFleet{}
	fleet.set([]discovery.PortInfo{
		{Path: "/dev/ttyACM0", SerialNumber: "AA11BB", Description: "Shell"},
	})
	r := newTestRegistry(t, fleet)

	r.cycle()

	view, ok := r.Get("AA11BB")
	require.True(t, ok)
	assert.Equal(t, model.HealthPartial, view.Health)

	health, err := r.Health("AA11BB")
	require.NoError(t, err)
	assert.Equal(t, model.HealthPartial, health)
}
