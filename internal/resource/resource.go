package resource

import (
	"fmt"
	"sort"
	"strings"
)

// Kind names one of the external resource types the engine can converge.
type Kind string

const (
	KindPool           Kind = "pool"
	KindKeyring        Kind = "keyring"
	KindFS             Kind = "fs"
	KindDatabase       Kind = "database"
	KindDBUser         Kind = "db-user"
	KindService        Kind = "service"
	KindEndpoint       Kind = "endpoint"
	KindUser           Kind = "user"
	KindRoleAssignment Kind = "role-assignment"
	KindBridge         Kind = "bridge"
	KindBridgePort     Kind = "bridge-port"
	KindChassis        Kind = "chassis"
	KindUnit           Kind = "unit"
	KindINIKey         Kind = "ini-key"
)

// Kinds lists every kind the engine knows, in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindPool, KindKeyring, KindFS,
		KindDatabase, KindDBUser,
		KindService, KindEndpoint, KindUser, KindRoleAssignment,
		KindBridge, KindBridgePort, KindChassis,
		KindUnit, KindINIKey,
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// System maps a kind to the external system it mutates. Runs take one
// advisory lock per system so two engines never touch the same backend
// concurrently.
func (k Kind) System() string {
	switch k {
	case KindPool, KindKeyring, KindFS:
		return "ceph"
	case KindDatabase, KindDBUser:
		return "mariadb"
	case KindService, KindEndpoint, KindUser, KindRoleAssignment:
		return "keystone"
	case KindBridge, KindBridgePort, KindChassis:
		return "ovn"
	case KindUnit:
		return "systemd"
	case KindINIKey:
		return "config"
	default:
		return "unknown"
	}
}

// Descriptor declares one desired resource. It is immutable after plan load.
type Descriptor struct {
	Kind  Kind              `json:"kind" yaml:"kind"`
	ID    string            `json:"id" yaml:"id"`
	Attrs map[string]string `json:"attrs,omitempty" yaml:"attrs,omitempty"`
}

// Name is the stable identity used for prerequisite edges and reporting.
func (d Descriptor) Name() string { return string(d.Kind) + "/" + d.ID }

// Attr returns a desired attribute or the empty string.
func (d Descriptor) Attr(key string) string { return d.Attrs[key] }

// Validate rejects descriptors that could never be probed.
func (d Descriptor) Validate() error {
	if !d.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", d.Kind)
	}
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%s: empty id", d.Kind)
	}
	if strings.ContainsAny(d.ID, " \t\n") {
		return fmt.Errorf("%s: id %q contains whitespace", d.Kind, d.ID)
	}
	return nil
}

// ProbeResult is the observed state of one resource. It is produced fresh on
// every pass and never cached: external state can change between steps.
type ProbeResult struct {
	// Exists reports whether the resource was observed at all.
	Exists bool
	// Unknown is set when the probe command itself failed, so existence
	// could not be determined. Unknown state is never treated as satisfied.
	Unknown bool
	// Attrs holds the observed attributes for comparison against desired.
	Attrs map[string]string
}

// writeOnly lists attribute keys that cannot be read back from the target
// system (secrets applied on create). They are excluded from comparison;
// everything else must match observably.
var writeOnly = map[string]bool{
	"password": true,
}

// Match compares desired attributes against observed ones as a subset match
// and returns the mismatched keys in sorted order. Existence alone is not
// satisfaction: a pool that exists with size=3 when size=1 was declared must
// surface as a mismatch, not as done.
func Match(desired, observed map[string]string) []string {
	var miss []string
	for k, want := range desired {
		if writeOnly[k] {
			continue
		}
		if got, ok := observed[k]; !ok || got != want {
			miss = append(miss, k)
		}
	}
	sort.Strings(miss)
	return miss
}

// Satisfied reports whether observed state fulfils the descriptor.
func Satisfied(d Descriptor, pr ProbeResult) bool {
	return pr.Exists && !pr.Unknown && len(Match(d.Attrs, pr.Attrs)) == 0
}
