// internal/service/device.go
package service

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"sniffer-bench/internal/model"
	"sniffer-bench/internal/protocol"
	"sniffer-bench/internal/traffic"
)

// ChannelOpener opens one endpoint channel for a device. The registry
// supplies one backed by real serial ports; tests substitute in-memory
// ports.
type ChannelOpener func(
	deviceID string,
	role model.EndpointRole,
	path string,
	onDisconnect func(*protocol.Channel),
) (*protocol.Channel, error)

// Shell status lines carry the radio configuration in key:value form.
var (
	bandRe       = regexp.MustCompile(`(?i)band\s*[:=]\s*([^\s|]+)`)
	modulationRe = regexp.MustCompile(`(?i)modulation\s*[:=]\s*([^\s|]+)`)
)

// Device is one physical sniffer: up to three endpoint channels plus
// the cached status the shell last reported. The registry owns its
// lifecycle; everything here is safe for concurrent callers.
type Device struct {
	identity model.DeviceIdentity
	sink     *traffic.Sink
	logger   *zap.Logger

	mu         sync.Mutex
	channels   map[model.EndpointRole]*protocol.Channel
	band       string
	modulation string
	lastSeen   time.Time
	closed     bool
}

func newDevice(identity model.DeviceIdentity, sink *traffic.Sink, logger *zap.Logger) *Device {
	return &Device{
		identity: identity,
		sink:     sink,
		logger: logger.With(
			zap.String("component", "device"),
			zap.String("device_id", identity.String()),
		),
		channels: make(map[model.EndpointRole]*protocol.Channel),
		lastSeen: time.Now(),
	}
}

// ID returns the stable device key: the serial token the grouper
// clustered on.
func (d *Device) ID() string { return d.identity.SerialNumber }

// Identity returns the device identity.
func (d *Device) Identity() model.DeviceIdentity { return d.identity }

// attach opens channels for every role in paths that is not already
// connected on the same port. Returns true when anything changed.
func (d *Device) attach(paths map[model.EndpointRole]string, open ChannelOpener) bool {
	changed := false
	for role, path := range paths {
		d.mu.Lock()
		existing := d.channels[role]
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return changed
		}
		if existing != nil && existing.Path() == path && existing.State() == model.ConnStateConnected {
			continue
		}
		if existing != nil {
			existing.Close()
		}

		ch, err := open(d.ID(), role, path, d.onChannelDown)
		if err != nil {
			d.logger.Warn("Failed to open endpoint",
				zap.String("role", string(role)),
				zap.String("port", path),
				zap.Error(err),
			)
			d.mu.Lock()
			delete(d.channels, role)
			d.mu.Unlock()
			changed = true
			continue
		}

		d.mu.Lock()
		d.channels[role] = ch
		d.mu.Unlock()
		changed = true
	}

	// Roles that vanished from the port map no longer get a channel.
	d.mu.Lock()
	for role, ch := range d.channels {
		if _, ok := paths[role]; !ok {
			ch.Close()
			delete(d.channels, role)
			changed = true
		}
	}
	d.lastSeen = time.Now()
	d.mu.Unlock()

	return changed
}

// onChannelDown drops a failed channel so health reflects reality
// before the next scan cycle rewires or removes the device.
func (d *Device) onChannelDown(ch *protocol.Channel) {
	d.mu.Lock()
	if cur, ok := d.channels[ch.Role()]; ok && cur == ch {
		delete(d.channels, ch.Role())
	}
	d.mu.Unlock()
	d.logger.Warn("Endpoint lost",
		zap.String("role", string(ch.Role())),
		zap.String("port", ch.Path()),
	)
}

// Channel returns the channel serving role, when connected.
func (d *Device) Channel(role model.EndpointRole) (*protocol.Channel, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.channels[role]
	return ch, ok
}

// Health classifies the device from its currently connected endpoints.
func (d *Device) Health() model.Health {
	d.mu.Lock()
	defer d.mu.Unlock()
	present := make(map[model.EndpointRole]bool, len(d.channels))
	for role, ch := range d.channels {
		if ch.State() == model.ConnStateConnected {
			present[role] = true
		}
	}
	return model.HealthFor(present)
}

// SendCommand routes one command to the endpoint serving role.
func (d *Device) SendCommand(ctx context.Context, role model.EndpointRole, req model.CommandRequest) model.CommandResult {
	ch, ok := d.Channel(role)
	if !ok {
		return model.ErrorResult(req.Text,
			fmt.Errorf("no %s endpoint attached", role), 0, 0)
	}
	return ch.SendCommand(ctx, req)
}

// RefreshStatus asks the shell for its status report and caches the
// band and modulation it mentions. The full report lands in the
// traffic log like any other inbound line; the cache is scraped from
// there since the report spans several lines.
func (d *Device) RefreshStatus(ctx context.Context, req model.CommandRequest) model.CommandResult {
	if req.Text == "" {
		req.Text = "status"
	}
	res := d.SendCommand(ctx, model.RoleShell, req)
	if res.Status != model.StatusPass {
		return res
	}

	entries := d.sink.Filter(traffic.Query{DeviceID: d.ID(), Role: model.RoleShell})
	var band, modulation string
	for i := len(entries) - 1; i >= 0 && (band == "" || modulation == ""); i-- {
		e := entries[i]
		if e.Mark || e.Direction != traffic.DirectionRX {
			continue
		}
		if band == "" {
			if m := bandRe.FindStringSubmatch(e.Data); m != nil {
				band = m[1]
			}
		}
		if modulation == "" {
			if m := modulationRe.FindStringSubmatch(e.Data); m != nil {
				modulation = m[1]
			}
		}
	}

	d.mu.Lock()
	if band != "" {
		d.band = band
	}
	if modulation != "" {
		d.modulation = modulation
	}
	d.mu.Unlock()

	return res
}

// View returns a read-only snapshot for API consumers.
func (d *Device) View() *model.DeviceView {
	d.mu.Lock()
	endpoints := make(map[model.EndpointRole]*model.EndpointView, len(d.channels))
	for role, ch := range d.channels {
		endpoints[role] = ch.View()
	}
	band, modulation, lastSeen := d.band, d.modulation, d.lastSeen
	d.mu.Unlock()

	present := make(map[model.EndpointRole]bool, len(endpoints))
	for role, ep := range endpoints {
		if ep.State == model.ConnStateConnected {
			present[role] = true
		}
	}

	return &model.DeviceView{
		Identity:   d.identity,
		Endpoints:  endpoints,
		Health:     model.HealthFor(present),
		Band:       band,
		Modulation: modulation,
		LastSeen:   lastSeen,
	}
}

// signature captures the connection shape used for change detection.
func (d *Device) signature() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	sig := ""
	for _, role := range model.Roles() {
		ch, ok := d.channels[role]
		if !ok {
			sig += string(role) + "=;"
			continue
		}
		sig += fmt.Sprintf("%s=%s,%s;", role, ch.Path(), ch.State())
	}
	return sig
}

// close tears down every channel. The device is done for good.
func (d *Device) close() {
	d.mu.Lock()
	d.closed = true
	channels := make([]*protocol.Channel, 0, len(d.channels))
	for _, ch := range d.channels {
		channels = append(channels, ch)
	}
	d.channels = make(map[model.EndpointRole]*protocol.Channel)
	d.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	d.logger.Info("Device closed")
}
