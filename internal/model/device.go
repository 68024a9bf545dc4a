// internal/model/device.go
package model

import (
	"fmt"
	"time"
)

// EndpointRole identifies one of the three logical serial channels a
// sniffer board exposes over its composite USB interface.
type EndpointRole string

const (
	RoleBridge EndpointRole = "BRIDGE" // CDC0 - raw HCI pass-through
	RoleRadio  EndpointRole = "RADIO"  // CDC1 - radio control port
	RoleShell  EndpointRole = "SHELL"  // CDC2 - config/debug shell
)

// Roles lists all endpoint roles in positional fallback order.
func Roles() []EndpointRole {
	return []EndpointRole{RoleBridge, RoleRadio, RoleShell}
}

// Health classifies a device by which endpoint roles are present.
type Health string

const (
	HealthHealthy  Health = "HEALTHY"
	HealthPartial  Health = "PARTIAL"
	HealthCritical Health = "CRITICAL"
)

// ConnState represents the connection state of an endpoint channel.
type ConnState string

const (
	ConnStateDisconnected ConnState = "DISCONNECTED"
	ConnStateConnected    ConnState = "CONNECTED"
)

// DeviceIdentity is the stable key for a physical device. Identity is
// carried by the serial number alone; bus and address are informational
// and may be zero when the USB topology lookup is unavailable.
type DeviceIdentity struct {
	SerialNumber string `json:"serial_number"`
	USBBus       int    `json:"usb_bus,omitempty"`
	USBAddress   int    `json:"usb_address,omitempty"`
}

// String returns a short display form of the identity.
func (id DeviceIdentity) String() string {
	s := id.SerialNumber
	if len(s) > 8 {
		s = s[:8]
	}
	return fmt.Sprintf("Serial:%s", s)
}

// HealthFor derives device health from role presence. Shell is the
// configuration channel: without it the device cannot be driven at all.
func HealthFor(present map[EndpointRole]bool) Health {
	switch {
	case present[RoleShell] && present[RoleRadio] && present[RoleBridge]:
		return HealthHealthy
	case present[RoleShell]:
		return HealthPartial
	default:
		return HealthCritical
	}
}

// ByteCounters holds per-endpoint traffic totals since the last (re)connect.
type ByteCounters struct {
	TX int64 `json:"tx"`
	RX int64 `json:"rx"`
}

// EndpointView is a read-only snapshot of one endpoint channel.
type EndpointView struct {
	Role     EndpointRole `json:"role"`
	PortPath string       `json:"port_path"`
	State    ConnState    `json:"state"`
	Mode     string       `json:"mode,omitempty"`
	Counters ByteCounters `json:"counters"`
}

// DeviceView is a read-only snapshot of a registered physical device,
// safe to hand to presentation-layer consumers.
type DeviceView struct {
	Identity   DeviceIdentity                 `json:"identity"`
	Endpoints  map[EndpointRole]*EndpointView `json:"endpoints"`
	Health     Health                         `json:"health"`
	Band       string                         `json:"band,omitempty"`
	Modulation string                         `json:"modulation,omitempty"`
	LastSeen   time.Time                      `json:"last_seen"`
}
