// internal/service/registry.go
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"sniffer-bench/internal/config"
	"sniffer-bench/internal/discovery"
	"sniffer-bench/internal/model"
	"sniffer-bench/internal/protocol"
	"sniffer-bench/internal/traffic"
)

// ScanFunc produces the current filtered port set. Injectable so
// registry tests run against scripted port tables.
type ScanFunc func() []discovery.PortInfo

// backlogWarnThreshold is the per-subscriber queue depth above which
// the pump starts complaining about a slow consumer.
const backlogWarnThreshold = 256

// Subscription is one consumer's ordered, unbounded event feed.
// Publishing never blocks; a pump goroutine drains the queue into the
// outbound channel at the consumer's pace.
type Subscription struct {
	registry *Registry

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []model.Event
	closed bool

	out  chan model.Event
	quit chan struct{}
}

// Events returns the ordered event channel. It closes shortly after
// Close; any backlog still queued at that point is dropped.
func (s *Subscription) Events() <-chan model.Event {
	return s.out
}

// Close detaches the subscription from the registry.
func (s *Subscription) Close() {
	s.registry.unsubscribe(s)
}

func (s *Subscription) push(ev model.Event, logger *zap.Logger) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	depth := len(s.queue)
	s.cond.Signal()
	s.mu.Unlock()

	if depth > backlogWarnThreshold && depth%backlogWarnThreshold == 1 {
		logger.Warn("Event subscriber backlog growing",
			zap.Int("queue_depth", depth),
		)
	}
}

func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		// A consumer that stopped reading must not pin the pump; Close
		// releases it through quit.
		select {
		case s.out <- ev:
		case <-s.quit:
			close(s.out)
			return
		}
	}
}

// stop is idempotent; both consumer Close and registry teardown reach
// it.
func (s *Subscription) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
	close(s.quit)
}

// Registry tracks the sniffer fleet: a poll loop diffs enumerated
// ports against known devices, manages endpoint channel lifecycles,
// and publishes ordered add/remove/change events.
type Registry struct {
	cfg    config.FleetConfig
	logger *zap.Logger
	sink   *traffic.Sink

	grouper *discovery.Grouper
	scan    ScanFunc
	open    ChannelOpener

	mu      sync.Mutex
	devices map[string]*Device
	absent  map[string]int
	lastSig map[string]string

	subMu sync.Mutex
	subs  map[*Subscription]struct{}

	rescan chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewRegistry wires the registry from its collaborators. scan and open
// are injectable; production wiring uses Scanner.Scan and a
// serial-backed opener (see NewSerialOpener).
func NewRegistry(
	cfg config.FleetConfig,
	grouper *discovery.Grouper,
	scan ScanFunc,
	open ChannelOpener,
	sink *traffic.Sink,
	logger *zap.Logger,
) *Registry {
	return &Registry{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "device-registry")),
		sink:    sink,
		grouper: grouper,
		scan:    scan,
		open:    open,
		devices: make(map[string]*Device),
		absent:  make(map[string]int),
		lastSig: make(map[string]string),
		subs:    make(map[*Subscription]struct{}),
		rescan:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// NewSerialOpener returns the production ChannelOpener: real serial
// ports, channel config from the serial section.
func NewSerialOpener(cfg config.SerialConfig, sink *traffic.Sink, logger *zap.Logger) ChannelOpener {
	chCfg := protocol.Config{
		BaudRate:       cfg.BaudRate,
		ReadPoll:       cfg.ReadPoll,
		DefaultTimeout: cfg.CommandTimeout,
		DefaultRetries: cfg.CommandRetries,
	}
	return func(deviceID string, role model.EndpointRole, path string, onDisconnect func(*protocol.Channel)) (*protocol.Channel, error) {
		return protocol.Open(deviceID, role, path, chCfg, sink, logger, onDisconnect)
	}
}

// Run drives the poll loop until ctx is cancelled or Close is called.
// The first cycle runs immediately so startup does not wait out a full
// interval.
func (r *Registry) Run(ctx context.Context) {
	interval := r.cfg.ScanInterval
	if interval <= 0 {
		interval = time.Second
	}

	r.logger.Info("Registry poll loop starting",
		zap.Duration("scan_interval", interval),
		zap.Int("removal_debounce", r.cfg.RemovalDebounce),
	)

	r.cycle()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.rescan:
			r.cycle()
		case <-ticker.C:
			r.cycle()
		}
	}
}

// Rescan requests an immediate cycle outside the regular interval.
func (r *Registry) Rescan() {
	select {
	case r.rescan <- struct{}{}:
	default:
	}
}

// cycle runs one scan-diff-apply pass. Events for the cycle go out in
// removal, addition, change order.
func (r *Registry) cycle() {
	ports := r.scan()
	groups := r.grouper.GroupPorts(ports)

	debounce := r.cfg.RemovalDebounce
	if debounce < 1 {
		debounce = 1
	}

	var removed []*Device
	var added []*Device
	var maybeChanged []*Device

	r.mu.Lock()
	for key, dev := range r.devices {
		if _, present := groups[key]; present {
			r.absent[key] = 0
			continue
		}
		r.absent[key]++
		if r.absent[key] >= debounce {
			removed = append(removed, dev)
			delete(r.devices, key)
			delete(r.absent, key)
			delete(r.lastSig, key)
		}
	}
	for key, group := range groups {
		if dev, known := r.devices[key]; known {
			maybeChanged = append(maybeChanged, dev)
			continue
		}
		dev := newDevice(group.Identity, r.sink, r.logger)
		r.devices[key] = dev
		r.absent[key] = 0
		added = append(added, dev)
	}
	r.mu.Unlock()

	// Channel teardown and port opens happen outside the lock; cycle is
	// the only writer so the maps stay consistent.
	for _, dev := range removed {
		dev.close()
		r.logger.Info("Device removed", zap.String("device_id", dev.ID()))
		r.publish(model.Event{
			Type:      model.EventDeviceRemoved,
			Identity:  dev.Identity(),
			Timestamp: time.Now(),
		})
	}

	for _, dev := range added {
		dev.attach(groups[dev.ID()].Roles, r.open)
		r.setSignature(dev)
		r.logger.Info("Device added",
			zap.String("device_id", dev.ID()),
			zap.String("health", string(dev.Health())),
		)
		r.publish(model.Event{
			Type:      model.EventDeviceAdded,
			Identity:  dev.Identity(),
			Device:    dev.View(),
			Timestamp: time.Now(),
		})
	}

	for _, dev := range maybeChanged {
		dev.attach(groups[dev.ID()].Roles, r.open)
		if !r.setSignature(dev) {
			continue
		}
		r.logger.Info("Device changed",
			zap.String("device_id", dev.ID()),
			zap.String("health", string(dev.Health())),
		)
		r.publish(model.Event{
			Type:      model.EventDeviceChanged,
			Identity:  dev.Identity(),
			Device:    dev.View(),
			Timestamp: time.Now(),
		})
	}
}

// setSignature stores the device's connection signature and reports
// whether it differed from the previous one.
func (r *Registry) setSignature(dev *Device) bool {
	sig := dev.signature()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastSig[dev.ID()] == sig {
		return false
	}
	r.lastSig[dev.ID()] = sig
	return true
}

// Subscribe attaches a new event consumer.
func (r *Registry) Subscribe() *Subscription {
	s := &Subscription{
		registry: r,
		out:      make(chan model.Event),
		quit:     make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	r.subMu.Lock()
	r.subs[s] = struct{}{}
	r.subMu.Unlock()

	go s.pump()
	return s
}

func (r *Registry) unsubscribe(s *Subscription) {
	r.subMu.Lock()
	delete(r.subs, s)
	r.subMu.Unlock()
	s.stop()
}

func (r *Registry) publish(ev model.Event) {
	r.subMu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.subMu.Unlock()

	for _, s := range subs {
		s.push(ev, r.logger)
	}
}

// List returns snapshots of every known device, ordered by ID.
func (r *Registry) List() []*model.DeviceView {
	r.mu.Lock()
	devices := make([]*Device, 0, len(r.devices))
	for _, dev := range r.devices {
		devices = append(devices, dev)
	}
	r.mu.Unlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID() < devices[j].ID() })

	views := make([]*model.DeviceView, len(devices))
	for i, dev := range devices {
		views[i] = dev.View()
	}
	return views
}

// Get returns a snapshot of one device.
func (r *Registry) Get(id string) (*model.DeviceView, bool) {
	dev, ok := r.device(id)
	if !ok {
		return nil, false
	}
	return dev.View(), true
}

// IDs returns the known device keys, ordered.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) device(id string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[id]
	return dev, ok
}

// Health implements DeviceGateway.
func (r *Registry) Health(id string) (model.Health, error) {
	dev, ok := r.device(id)
	if !ok {
		return "", fmt.Errorf("unknown device: %s", id)
	}
	return dev.Health(), nil
}

// SendCommand implements DeviceGateway: routes a command to one
// device endpoint.
func (r *Registry) SendCommand(ctx context.Context, id string, role model.EndpointRole, req model.CommandRequest) model.CommandResult {
	dev, ok := r.device(id)
	if !ok {
		return model.ErrorResult(req.Text, fmt.Errorf("unknown device: %s", id), 0, 0)
	}
	return dev.SendCommand(ctx, role, req)
}

// RefreshStatus re-reads one device's shell status report.
func (r *Registry) RefreshStatus(ctx context.Context, id string) (model.CommandResult, error) {
	dev, ok := r.device(id)
	if !ok {
		return model.CommandResult{}, fmt.Errorf("unknown device: %s", id)
	}
	return dev.RefreshStatus(ctx, model.CommandRequest{}), nil
}

// Close stops the poll loop and tears down every device and
// subscription.
func (r *Registry) Close() {
	r.once.Do(func() {
		close(r.done)

		r.mu.Lock()
		devices := make([]*Device, 0, len(r.devices))
		for _, dev := range r.devices {
			devices = append(devices, dev)
		}
		r.devices = make(map[string]*Device)
		r.mu.Unlock()

		for _, dev := range devices {
			dev.close()
		}

		r.subMu.Lock()
		subs := make([]*Subscription, 0, len(r.subs))
		for s := range r.subs {
			subs = append(subs, s)
		}
		r.subs = make(map[*Subscription]struct{})
		r.subMu.Unlock()

		for _, s := range subs {
			s.stop()
		}

		r.logger.Info("Registry closed")
	})
}
