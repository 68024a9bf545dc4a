// internal/model/event.go
package model

import "time"

// EventType classifies registry events.
type EventType string

const (
	EventDeviceAdded   EventType = "device_added"
	EventDeviceRemoved EventType = "device_removed"
	EventDeviceChanged EventType = "device_changed"
)

// Event is one entry in the registry's ordered event stream. Removed
// events carry only the identity; Added and Changed carry a full
// device snapshot.
type Event struct {
	Type      EventType      `json:"type"`
	Identity  DeviceIdentity `json:"identity"`
	Device    *DeviceView    `json:"device,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
