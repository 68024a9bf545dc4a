// internal/protocol/channel.go
package protocol

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"sniffer-bench/internal/model"
	"sniffer-bench/internal/traffic"
)

// Mode is the operating mode of an endpoint. Radio endpoints flip
// between command mode and raw streaming; command traffic is rejected
// while streaming.
type Mode string

const (
	ModeCommand Mode = "command"
	ModeStream  Mode = "stream"
)

// Port is the narrow slice of a serial connection the channel needs.
// go.bug.st/serial.Port satisfies it; tests substitute an in-memory
// implementation.
type Port interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
	SetReadTimeout(t time.Duration) error
}

// Config carries the per-channel tunables.
type Config struct {
	BaudRate       int
	ReadPoll       time.Duration // reader loop poll granularity
	DefaultTimeout time.Duration
	DefaultRetries int
	QueueSize      int // pending command slots
	LineBuffer     int // correlator backlog before drops
}

func (c *Config) fillDefaults() {
	if c.BaudRate <= 0 {
		c.BaudRate = 115200
	}
	if c.ReadPoll <= 0 {
		c.ReadPoll = 50 * time.Millisecond
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 2 * time.Second
	}
	if c.DefaultRetries < 0 {
		c.DefaultRetries = 0
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.LineBuffer <= 0 {
		c.LineBuffer = 64
	}
}

// pending is one queued command together with its response slot.
type pending struct {
	req    model.CommandRequest
	result chan model.CommandResult
}

// Channel owns one serial endpoint: a background reader decodes
// inbound traffic, and a single command loop drains the FIFO queue so
// at most one command is ever in flight on the wire. No lock is held
// across an I/O wait.
type Channel struct {
	deviceID string
	role     model.EndpointRole
	path     string
	cfg      Config

	port   Port
	sink   *traffic.Sink
	logger *zap.Logger

	mu    sync.Mutex
	state model.ConnState
	mode  Mode

	writeMu sync.Mutex // serializes command-loop and SendRaw writes

	queue chan *pending
	lines chan string
	done  chan struct{}

	closeOnce   sync.Once
	closeReason atomic.Value // error

	txBytes atomic.Int64
	rxBytes atomic.Int64
	drops   atomic.Int64

	onDisconnect func(*Channel)
}

// Open opens the serial port at path and starts the channel's reader
// and command loops. onDisconnect is invoked (once, from a fresh
// goroutine) when the channel fails in transport; it is not called on
// an explicit Close.
func Open(
	deviceID string,
	role model.EndpointRole,
	path string,
	cfg Config,
	sink *traffic.Sink,
	logger *zap.Logger,
	onDisconnect func(*Channel),
) (*Channel, error) {
	cfg.fillDefaults()

	port, err := serial.Open(path, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, &ConnectionError{Op: "open", Path: path, Err: err}
	}
	if err := port.SetReadTimeout(cfg.ReadPoll); err != nil {
		port.Close()
		return nil, &ConnectionError{Op: "configure", Path: path, Err: err}
	}

	return Attach(port, deviceID, role, path, cfg, sink, logger, onDisconnect), nil
}

// Attach wraps an already-open port in a running channel. Split out
// from Open so tests can drive the channel over an in-memory port.
func Attach(
	port Port,
	deviceID string,
	role model.EndpointRole,
	path string,
	cfg Config,
	sink *traffic.Sink,
	logger *zap.Logger,
	onDisconnect func(*Channel),
) *Channel {
	cfg.fillDefaults()

	c := &Channel{
		deviceID: deviceID,
		role:     role,
		path:     path,
		cfg:      cfg,
		port:     port,
		sink:     sink,
		logger: logger.With(
			zap.String("component", "endpoint-channel"),
			zap.String("device_id", deviceID),
			zap.String("role", string(role)),
			zap.String("port", path),
		),
		state:        model.ConnStateConnected,
		mode:         ModeCommand,
		queue:        make(chan *pending, cfg.QueueSize),
		lines:        make(chan string, cfg.LineBuffer),
		done:         make(chan struct{}),
		onDisconnect: onDisconnect,
	}

	// Counters cover traffic since this connect only.
	c.txBytes.Store(0)
	c.rxBytes.Store(0)

	go c.readLoop()
	go c.commandLoop()

	c.logger.Info("Endpoint channel opened")
	return c
}

// Role returns the endpoint role this channel serves.
func (c *Channel) Role() model.EndpointRole { return c.role }

// Path returns the OS port path backing this channel.
func (c *Channel) Path() string { return c.path }

// State returns the current connection state.
func (c *Channel) State() model.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Mode returns the current operating mode.
func (c *Channel) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode flips the operating mode. The caller is responsible for
// having issued whatever firmware command makes the flip real.
func (c *Channel) SetMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
	c.logger.Debug("Endpoint mode changed", zap.String("mode", string(m)))
}

// Counters returns the byte totals since this channel connected.
func (c *Channel) Counters() model.ByteCounters {
	return model.ByteCounters{TX: c.txBytes.Load(), RX: c.rxBytes.Load()}
}

// View returns a read-only snapshot of the channel.
func (c *Channel) View() *model.EndpointView {
	c.mu.Lock()
	state, mode := c.state, c.mode
	c.mu.Unlock()
	return &model.EndpointView{
		Role:     c.role,
		PortPath: c.path,
		State:    state,
		Mode:     string(mode),
		Counters: c.Counters(),
	}
}

// SendCommand queues a command and waits for a correlated response,
// timeout, or channel teardown. Commands on one channel execute
// strictly in submission order. Retries re-send after a response
// timeout only; transport failures return ERROR immediately. A request
// without an explicit retry budget uses the channel's DefaultRetries.
func (c *Channel) SendCommand(ctx context.Context, req model.CommandRequest) model.CommandResult {
	if req.Timeout <= 0 {
		req.Timeout = c.cfg.DefaultTimeout
	}
	retries := c.cfg.DefaultRetries
	if req.Retries != nil {
		retries = *req.Retries
	}
	if retries < 0 {
		retries = 0
	}
	req.Retries = &retries
	if req.Match == nil {
		req.Match = model.MatchAny
	}

	c.mu.Lock()
	state, mode := c.state, c.mode
	c.mu.Unlock()

	if state != model.ConnStateConnected {
		return model.ErrorResult(req.Text, ErrNotConnected, 0, 0)
	}
	if mode == ModeStream {
		return model.ErrorResult(req.Text, &GuardError{Role: c.role, Mode: mode, Op: "command"}, 0, 0)
	}

	p := &pending{req: req, result: make(chan model.CommandResult, 1)}

	select {
	case c.queue <- p:
	case <-c.done:
		return model.ErrorResult(req.Text, c.reason(), 0, 0)
	case <-ctx.Done():
		return model.ErrorResult(req.Text, ctx.Err(), 0, 0)
	}

	select {
	case res := <-p.result:
		return res
	case <-c.done:
		return model.ErrorResult(req.Text, c.reason(), 0, 0)
	}
}

// SendRaw writes bytes without waiting for a correlated response. Used
// for the bridge role's pass-through traffic and for stream-mode
// payloads.
func (c *Channel) SendRaw(data []byte) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != model.ConnStateConnected {
		return ErrNotConnected
	}

	if err := c.write(data); err != nil {
		return err
	}
	c.sink.AppendTX(c.deviceID, c.role, hex.EncodeToString(data))
	return nil
}

// Close tears the channel down, cancelling any in-flight or queued
// command. Closed channels are never resurrected; reconnection means a
// fresh channel from a fresh discovery cycle.
func (c *Channel) Close() {
	c.shutdown(ErrCancelled, false)
}

// readLoop is the single reader of the port. Shell and radio traffic
// is line-oriented; bridge traffic passes through as raw chunks.
func (c *Channel) readLoop() {
	buf := make([]byte, 512)
	var acc []byte

	for {
		select {
		case <-c.done:
			return
		default:
		}

		n, err := c.port.Read(buf)
		if err != nil {
			c.logger.Warn("Endpoint read failed", zap.Error(err))
			c.shutdown(ErrDisconnected, true)
			return
		}
		if n == 0 {
			// Poll timeout tick.
			continue
		}

		c.rxBytes.Add(int64(n))

		if c.role == model.RoleBridge {
			c.publishChunk(buf[:n])
			continue
		}

		acc = append(acc, buf[:n]...)
		for {
			idx := bytes.IndexByte(acc, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimSpace(string(acc[:idx]))
			acc = acc[idx+1:]
			if line != "" {
				c.publishLine(line)
			}
		}
	}
}

// publishLine mirrors one decoded line to the sink and offers it to
// the response correlator. The correlator drop is a logged signal, not
// backpressure: traffic volume is bounded by command-response pacing.
func (c *Channel) publishLine(line string) {
	c.sink.AppendRX(c.deviceID, c.role, line)
	select {
	case c.lines <- line:
	default:
		if c.drops.Add(1)%64 == 1 {
			c.logger.Warn("Response correlator backlog, dropping line",
				zap.Int64("dropped_total", c.drops.Load()),
			)
		}
	}
}

// publishChunk mirrors a raw bridge chunk to the sink, as printable
// text when possible and hex otherwise.
func (c *Channel) publishChunk(chunk []byte) {
	display := strings.TrimSpace(string(chunk))
	printable := display != ""
	for _, r := range display {
		if r < 0x20 && r != '\t' {
			printable = false
			break
		}
	}
	if !printable {
		display = hex.EncodeToString(chunk)
	}
	c.sink.AppendRX(c.deviceID, c.role, display)
}

// commandLoop drains the FIFO queue, one command at a time.
func (c *Channel) commandLoop() {
	for {
		select {
		case <-c.done:
			c.drainQueue()
			return
		case p := <-c.queue:
			p.result <- c.execute(p.req)
		}
	}
}

// drainQueue resolves commands queued behind a teardown.
func (c *Channel) drainQueue() {
	for {
		select {
		case p := <-c.queue:
			p.result <- model.ErrorResult(p.req.Text, c.reason(), 0, 0)
		default:
			return
		}
	}
}

// execute runs one command: write, await a matching line until the
// per-attempt timeout, re-send on timeout up to the retry budget.
func (c *Channel) execute(req model.CommandRequest) model.CommandResult {
	start := time.Now()
	attempts := *req.Retries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		// Stale lines from earlier traffic must not satisfy this command.
		c.drainLines()

		if err := c.write([]byte(req.Text + "\r\n")); err != nil {
			return model.ErrorResult(req.Text, err, time.Since(start), attempt)
		}
		c.sink.AppendTX(c.deviceID, c.role, req.Text)

		timer := time.NewTimer(req.Timeout)
	wait:
		for {
			select {
			case line := <-c.lines:
				if req.Match(line) {
					timer.Stop()
					return model.CommandResult{
						Command:     req.Text,
						Status:      model.StatusPass,
						Response:    line,
						Duration:    time.Since(start),
						RetriesUsed: attempt,
					}
				}
				// Non-matching chatter; keep waiting out the attempt.
			case <-timer.C:
				break wait
			case <-c.done:
				timer.Stop()
				return model.ErrorResult(req.Text, c.reason(), time.Since(start), attempt)
			}
		}
	}

	return model.CommandResult{
		Command:     req.Text,
		Status:      model.StatusTimeout,
		Duration:    time.Since(start),
		RetriesUsed: attempts - 1,
		Error:       "no matching response",
	}
}

func (c *Channel) drainLines() {
	for {
		select {
		case <-c.lines:
		default:
			return
		}
	}
}

// write performs one serialized port write and accounts for it. A
// write failure is a transport failure: the channel goes down.
func (c *Channel) write(data []byte) error {
	c.writeMu.Lock()
	n, err := c.port.Write(data)
	c.writeMu.Unlock()

	if n > 0 {
		c.txBytes.Add(int64(n))
	}
	if err != nil {
		cerr := &ConnectionError{Op: "write", Path: c.path, Err: err}
		c.logger.Warn("Endpoint write failed", zap.Error(err))
		c.shutdown(ErrDisconnected, true)
		return cerr
	}
	return nil
}

// shutdown moves the channel to Disconnected exactly once.
func (c *Channel) shutdown(reason error, failed bool) {
	c.closeOnce.Do(func() {
		c.closeReason.Store(reason)

		c.mu.Lock()
		c.state = model.ConnStateDisconnected
		c.mu.Unlock()

		close(c.done)
		if err := c.port.Close(); err != nil {
			c.logger.Debug("Port close failed", zap.Error(err))
		}

		c.logger.Info("Endpoint channel closed", zap.String("reason", reason.Error()))

		if failed && c.onDisconnect != nil {
			go c.onDisconnect(c)
		}
	})
}

// reason returns the terminal error for a closed channel.
func (c *Channel) reason() error {
	if r, ok := c.closeReason.Load().(error); ok {
		return r
	}
	return ErrCancelled
}
