// internal/discovery/grouper.go
package discovery

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"sniffer-bench/internal/model"
)

// RoleMap maps an endpoint role to the port path serving it.
type RoleMap map[model.EndpointRole]string

// Group is a cluster of ports belonging to one physical device, with
// each port resolved to an endpoint role.
type Group struct {
	Identity model.DeviceIdentity
	Roles    RoleMap
}

// Incomplete reports whether the cluster resolved fewer than all three
// roles.
func (g *Group) Incomplete() bool {
	return len(g.Roles) < len(model.Roles())
}

// serialTokenRe extracts the SER= token some platforms embed in the
// hardware-id string instead of a dedicated serial number field.
var serialTokenRe = regexp.MustCompile(`SER=([A-Fa-f0-9]+)`)

// Grouper clusters filtered ports into logical devices and assigns
// each port an endpoint role.
type Grouper struct {
	logger   *zap.Logger
	topology *TopologyResolver
}

// NewGrouper creates a grouper. topology may be nil; bus/address
// enrichment is best-effort.
func NewGrouper(logger *zap.Logger, topology *TopologyResolver) *Grouper {
	return &Grouper{
		logger:   logger.With(zap.String("component", "device-grouper")),
		topology: topology,
	}
}

// GroupPorts clusters ports by serial number and resolves roles within
// each cluster. The result is keyed by serial number so identities stay
// stable across OS port path reassignment.
func (g *Grouper) GroupPorts(ports []PortInfo) map[string]*Group {
	clusters := make(map[string][]PortInfo)
	for _, p := range ports {
		clusters[serialToken(p)] = append(clusters[serialToken(p)], p)
	}

	groups := make(map[string]*Group, len(clusters))
	for serial, members := range clusters {
		sort.Slice(members, func(i, j int) bool { return members[i].Path < members[j].Path })

		identity := model.DeviceIdentity{SerialNumber: serial}
		if g.topology != nil {
			if bus, addr, ok := g.topology.Resolve(serial); ok {
				identity.USBBus = bus
				identity.USBAddress = addr
			}
		}

		group := &Group{
			Identity: identity,
			Roles:    g.assignRoles(serial, members),
		}
		if group.Incomplete() {
			g.logger.Warn("Device cluster resolved incomplete role set",
				zap.String("serial_number", serial),
				zap.Int("resolved_roles", len(group.Roles)),
			)
		}
		groups[serial] = group
	}

	return groups
}

// assignRoles maps cluster members to roles: keyword match on the port
// description first, then positional fallback over the path-sorted
// remainder. A second candidate for a taken role is discarded.
func (g *Grouper) assignRoles(serial string, members []PortInfo) RoleMap {
	roles := make(RoleMap)
	claimed := make(map[string]bool)

	for _, p := range members {
		role, ok := roleFromDescription(p.Description)
		if !ok {
			continue
		}
		if prev, taken := roles[role]; taken {
			g.logger.Warn("Role collision in device cluster, discarding later candidate",
				zap.String("serial_number", serial),
				zap.String("role", string(role)),
				zap.String("kept_port", prev),
				zap.String("discarded_port", p.Path),
			)
			continue
		}
		roles[role] = p.Path
		claimed[p.Path] = true
	}

	if len(roles) < len(model.Roles()) {
		fallback := model.Roles()
		idx := 0
		for _, p := range members {
			if claimed[p.Path] {
				continue
			}
			for idx < len(fallback) {
				role := fallback[idx]
				idx++
				if _, taken := roles[role]; !taken {
					roles[role] = p.Path
					claimed[p.Path] = true
					break
				}
			}
		}
	}

	return roles
}

// roleFromDescription matches the port description keywords used by
// the sniffer firmware's CDC interface names.
func roleFromDescription(desc string) (model.EndpointRole, bool) {
	lower := strings.ToLower(desc)
	switch {
	case strings.Contains(lower, "shell"):
		return model.RoleShell, true
	case strings.Contains(lower, "lora"), strings.Contains(lower, "radio"):
		return model.RoleRadio, true
	case strings.Contains(lower, "bridge"):
		return model.RoleBridge, true
	}
	return "", false
}

// serialToken derives the grouping key for a port: the enumerated
// serial number, the SER= token from the hardware-id string, or a
// synthetic path-based token as a last resort.
func serialToken(p PortInfo) string {
	if p.SerialNumber != "" {
		return p.SerialNumber
	}
	if m := serialTokenRe.FindStringSubmatch(p.HWID); m != nil {
		return m[1]
	}
	return fmt.Sprintf("unknown-%s", p.Path)
}
