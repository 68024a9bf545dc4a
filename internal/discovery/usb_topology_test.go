// internal/discovery/usb_topology_test.go
package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewTopologyResolverRejectsBadIDs(t *testing.T) {
	assert.Nil(t, NewTopologyResolver("zzzz", "BABB", zap.NewNop()))
	assert.Nil(t, NewTopologyResolver("1209", "not-hex", zap.NewNop()))
	assert.NotNil(t, NewTopologyResolver("1209", "BABB", zap.NewNop()))
	assert.NotNil(t, NewTopologyResolver("0x1209", "0xBABB", zap.NewNop()))
}

func TestTopologyResolveDoesNotBlockOnWalk(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	r := &TopologyResolver{
		logger: zap.NewNop(),
		ttl:    30 * time.Second,
		table:  map[string][2]int{"AA11BB": {1, 4}},
	}
	r.walk = func() map[string][2]int {
		close(started)
		<-release
		return map[string][2]int{"CC22DD": {2, 7}}
	}

	// Zero refreshed time: the first lookup triggers a rebuild.
	walkDone := make(chan struct{})
	go func() {
		r.Resolve("CC22DD")
		close(walkDone)
	}()
	<-started

	// A lookup arriving mid-walk serves the previous snapshot instead
	// of queueing behind the USB I/O.
	cached := make(chan struct{})
	go func() {
		bus, addr, ok := r.Resolve("AA11BB")
		assert.True(t, ok)
		assert.Equal(t, 1, bus)
		assert.Equal(t, 4, addr)
		close(cached)
	}()

	select {
	case <-cached:
	case <-time.After(time.Second):
		t.Fatal("lookup blocked behind an in-progress topology walk")
	}

	close(release)
	select {
	case <-walkDone:
	case <-time.After(time.Second):
		t.Fatal("walking lookup did not finish")
	}

	// The rebuilt table is installed.
	bus, addr, ok := r.Resolve("CC22DD")
	require.True(t, ok)
	assert.Equal(t, 2, bus)
	assert.Equal(t, 7, addr)
}
