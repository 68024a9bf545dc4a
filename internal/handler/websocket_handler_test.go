// internal/handler/websocket_handler_test.go
package handler

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sniffer-bench/internal/config"
	"sniffer-bench/internal/discovery"
	"sniffer-bench/internal/model"
	"sniffer-bench/internal/protocol"
	"sniffer-bench/internal/service"
	"sniffer-bench/internal/traffic"
)

// idlePort is a silent in-memory serial port.
type idlePort struct{}

func (idlePort) Read(b []byte) (int, error) {
	time.Sleep(time.Millisecond)
	return 0, nil
}

func (idlePort) Write(b []byte) (int, error)        { return len(b), nil }
func (idlePort) Close() error                       { return nil }
func (idlePort) SetReadTimeout(time.Duration) error { return nil }

// portTable scripts what each discovery cycle sees.
type portTable struct {
	mu    sync.Mutex
	ports []discovery.PortInfo
}

func (p *portTable) set(ports []discovery.PortInfo) {
	p.mu.Lock()
	p.ports = ports
	p.mu.Unlock()
}

func (p *portTable) scan() []discovery.PortInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ports
}

func snifferPorts(serial string) []discovery.PortInfo {
	return []discovery.PortInfo{
		{Path: "/dev/tty" + serial + "0", SerialNumber: serial, Description: "Bridge"},
		{Path: "/dev/tty" + serial + "1", SerialNumber: serial, Description: "LoRa"},
		{Path: "/dev/tty" + serial + "2", SerialNumber: serial, Description: "Shell"},
	}
}

func newEventStreamServer(t *testing.T) (*WebSocketHandler, *portTable, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	table := &portTable{}
	sink := traffic.NewSink(1000, t.TempDir(), zap.NewNop())
	opener := func(deviceID string, role model.EndpointRole, path string, onDisconnect func(*protocol.Channel)) (*protocol.Channel, error) {
		return protocol.Attach(idlePort{}, deviceID, role, path, protocol.Config{}, sink, zap.NewNop(), onDisconnect), nil
	}
	registry := service.NewRegistry(
		config.FleetConfig{ScanInterval: 5 * time.Millisecond, RemovalDebounce: 2},
		discovery.NewGrouper(zap.NewNop(), nil),
		table.scan,
		opener,
		sink,
		zap.NewNop(),
	)
	t.Cleanup(registry.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go registry.Run(ctx)

	h := NewWebSocketHandler(registry, zap.NewNop())
	engine := gin.New()
	h.RegisterRoutes(engine.Group("/ws"))
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	return h, table, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
}

func dialEventStream(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn
}

func TestEventStreamSurvivesClientDropMidBurst(t *testing.T) {
	h, table, url := newEventStreamServer(t)

	conn := dialEventStream(t, url)
	table.set(snifferPorts("AA11BB"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	// Generate an event storm the client never reads.
	for i := 0; i < 10; i++ {
		table.set(nil)
		time.Sleep(20 * time.Millisecond)
		table.set(snifferPorts("AA11BB"))
		time.Sleep(20 * time.Millisecond)
	}

	h.mu.Lock()
	var client *wsClient
	for c := range h.clients {
		client = c
	}
	h.mu.Unlock()
	require.NotNil(t, client)

	// Tear the client down while its forwarder may still be draining
	// subscription backlog, then keep traffic coming: late enqueues
	// must be swallowed, never sent on a closed channel.
	conn.Close()
	h.disconnect(client)
	for i := 0; i < 300; i++ {
		h.enqueue(client, &WebSocketMessage{Type: "device_changed", Timestamp: time.Now()})
	}
	h.Broadcast("smoke_progress", gin.H{"step": 1})

	// The handler is still alive: a fresh client connects and receives
	// the next fleet event.
	conn2 := dialEventStream(t, url)
	defer conn2.Close()

	table.set(append(snifferPorts("AA11BB"), snifferPorts("NEW099")...))

	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn2.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "device_")
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h, table, url := newEventStreamServer(t)

	conn := dialEventStream(t, url)
	table.set(snifferPorts("AA11BB"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	h.mu.Lock()
	var client *wsClient
	for c := range h.clients {
		client = c
	}
	h.mu.Unlock()
	require.NotNil(t, client)

	// Read pump and an explicit teardown can both reach disconnect.
	h.disconnect(client)
	h.disconnect(client)
	conn.Close()

	h.mu.Lock()
	remaining := len(h.clients)
	h.mu.Unlock()
	assert.Zero(t, remaining)
}
