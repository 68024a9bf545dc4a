// internal/discovery/grouper_test.go
package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sniffer-bench/internal/model"
)

func TestGroupPortsByDescription(t *testing.T) {
	g := NewGrouper(zap.NewNop(), nil)

	groups := g.GroupPorts([]PortInfo{
		{Path: "/dev/ttyACM0", SerialNumber: "AA11BB", Description: "Sniffer Bridge"},
		{Path: "/dev/ttyACM1", SerialNumber: "AA11BB", Description: "Sniffer LoRa Control"},
		{Path: "/dev/ttyACM2", SerialNumber: "AA11BB", Description: "Sniffer Shell"},
	})

	require.Len(t, groups, 1)
	group := groups["AA11BB"]
	require.NotNil(t, group)
	assert.False(t, group.Incomplete())
	assert.Equal(t, "/dev/ttyACM0", group.Roles[model.RoleBridge])
	assert.Equal(t, "/dev/ttyACM1", group.Roles[model.RoleRadio])
	assert.Equal(t, "/dev/ttyACM2", group.Roles[model.RoleShell])
}

func TestGroupPortsPositionalFallback(t *testing.T) {
	g := NewGrouper(zap.NewNop(), nil)

	// No usable descriptions: Bridge, Radio, Shell by sorted path.
	groups := g.GroupPorts([]PortInfo{
		{Path: "/dev/ttyACM2", SerialNumber: "CC22DD", Description: "USB Serial"},
		{Path: "/dev/ttyACM0", SerialNumber: "CC22DD", Description: "USB Serial"},
		{Path: "/dev/ttyACM1", SerialNumber: "CC22DD", Description: "USB Serial"},
	})

	group := groups["CC22DD"]
	require.NotNil(t, group)
	assert.Equal(t, "/dev/ttyACM0", group.Roles[model.RoleBridge])
	assert.Equal(t, "/dev/ttyACM1", group.Roles[model.RoleRadio])
	assert.Equal(t, "/dev/ttyACM2", group.Roles[model.RoleShell])
}

func TestGroupPortsMixedKeywordAndFallback(t *testing.T) {
	g := NewGrouper(zap.NewNop(), nil)

	// Shell identified by keyword; the other two fall back positionally.
	groups := g.GroupPorts([]PortInfo{
		{Path: "/dev/ttyACM0", SerialNumber: "EE33FF", Description: "Debug Shell"},
		{Path: "/dev/ttyACM1", SerialNumber: "EE33FF", Description: "USB Serial"},
		{Path: "/dev/ttyACM2", SerialNumber: "EE33FF", Description: "USB Serial"},
	})

	group := groups["EE33FF"]
	require.NotNil(t, group)
	assert.Equal(t, "/dev/ttyACM0", group.Roles[model.RoleShell])
	assert.Equal(t, "/dev/ttyACM1", group.Roles[model.RoleBridge])
	assert.Equal(t, "/dev/ttyACM2", group.Roles[model.RoleRadio])
}

func TestGroupPortsRoleCollisionDiscardsLater(t *testing.T) {
	g := NewGrouper(zap.NewNop(), nil)

	groups := g.GroupPorts([]PortInfo{
		{Path: "/dev/ttyACM0", SerialNumber: "AB01CD", Description: "Sniffer Shell"},
		{Path: "/dev/ttyACM1", SerialNumber: "AB01CD", Description: "Sniffer Shell"},
		{Path: "/dev/ttyACM2", SerialNumber: "AB01CD", Description: "Sniffer Bridge"},
	})

	group := groups["AB01CD"]
	require.NotNil(t, group)
	// The first path-sorted candidate keeps the role; the second is
	// discarded from keyword assignment and picks up a fallback role.
	assert.Equal(t, "/dev/ttyACM0", group.Roles[model.RoleShell])
	assert.Equal(t, "/dev/ttyACM2", group.Roles[model.RoleBridge])
	assert.Equal(t, "/dev/ttyACM1", group.Roles[model.RoleRadio])
}

func TestGroupPortsSerialTokenFromHWID(t *testing.T) {
	g := NewGrouper(zap.NewNop(), nil)

	groups := g.GroupPorts([]PortInfo{
		{Path: "/dev/ttyUSB0", HWID: "USB VID:PID=1209:BABB SER=AA11BB", Description: "Bridge"},
		{Path: "/dev/ttyUSB1", HWID: "USB VID:PID=1209:BABB SER=AA11BB", Description: "LoRa"},
		{Path: "/dev/ttyUSB2", HWID: "USB VID:PID=1209:BABB SER=AA11BB", Description: "Shell"},
	})

	require.Len(t, groups, 1)
	group := groups["AA11BB"]
	require.NotNil(t, group)
	assert.Equal(t, "AA11BB", group.Identity.SerialNumber)
	assert.False(t, group.Incomplete())
}

func TestGroupPortsIdentityStableAcrossPathChange(t *testing.T) {
	g := NewGrouper(zap.NewNop(), nil)

	before := g.GroupPorts([]PortInfo{
		{Path: "/dev/ttyACM0", SerialNumber: "AA11BB", Description: "Bridge"},
		{Path: "/dev/ttyACM1", SerialNumber: "AA11BB", Description: "LoRa"},
		{Path: "/dev/ttyACM2", SerialNumber: "AA11BB", Description: "Shell"},
	})
	after := g.GroupPorts([]PortInfo{
		{Path: "/dev/ttyACM5", SerialNumber: "AA11BB", Description: "Bridge"},
		{Path: "/dev/ttyACM6", SerialNumber: "AA11BB", Description: "LoRa"},
		{Path: "/dev/ttyACM7", SerialNumber: "AA11BB", Description: "Shell"},
	})

	require.NotNil(t, before["AA11BB"])
	require.NotNil(t, after["AA11BB"])
	assert.Equal(t, before["AA11BB"].Identity, after["AA11BB"].Identity)
	assert.NotEqual(t, before["AA11BB"].Roles, after["AA11BB"].Roles)
}

func TestGroupPortsNoSerialFallsBackToPath(t *testing.T) {
	g := NewGrouper(zap.NewNop(), nil)

	groups := g.GroupPorts([]PortInfo{
		{Path: "/dev/ttyS0", Description: "Bare UART"},
	})

	group := groups["unknown-/dev/ttyS0"]
	require.NotNil(t, group)
	assert.True(t, group.Incomplete())
	assert.Equal(t, "/dev/ttyS0", group.Roles[model.RoleBridge])
}

func TestGroupPortsIncomplete(t *testing.T) {
	g := NewGrouper(zap.NewNop(), nil)

	groups := g.GroupPorts([]PortInfo{
		{Path: "/dev/ttyACM0", SerialNumber: "AA11BB", Description: "Bridge"},
		{Path: "/dev/ttyACM1", SerialNumber: "AA11BB", Description: "Shell"},
	})

	group := groups["AA11BB"]
	require.NotNil(t, group)
	assert.True(t, group.Incomplete())
	_, hasRadio := group.Roles[model.RoleRadio]
	assert.False(t, hasRadio)
}
