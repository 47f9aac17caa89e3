package ovn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/manish-psys/aioctl/internal/resource"
	"github.com/manish-psys/aioctl/internal/step"
	"github.com/manish-psys/aioctl/pkg/execer"
	"github.com/manish-psys/aioctl/pkg/poll"
)

// Adapter converges OVS bridges, bridge ports and OVN chassis registration.
// Bridge state is read through ovs-vsctl; chassis registration is confirmed
// against the southbound database, not just the local external-ids, because
// local config that ovn-controller never picked up is exactly the failure
// mode worth catching.
type Adapter struct {
	log     zerolog.Logger
	run     execer.Runner
	timeout time.Duration
	poll    poll.Config
}

func New(log zerolog.Logger, timeout time.Duration) *Adapter {
	return &Adapter{
		log:     log.With().Str("component", "ovn").Logger(),
		run:     execer.RunAllowed,
		timeout: timeout,
		poll:    poll.Config{Interval: 2 * time.Second, MaxAttempts: 15},
	}
}

func (a *Adapter) Kinds() []resource.Kind {
	return []resource.Kind{resource.KindBridge, resource.KindBridgePort, resource.KindChassis}
}

func (a *Adapter) Probe(ctx context.Context, d resource.Descriptor) (resource.ProbeResult, error) {
	switch d.Kind {
	case resource.KindBridge:
		return a.probeBridge(ctx, d.ID)
	case resource.KindBridgePort:
		return a.probePort(ctx, d)
	case resource.KindChassis:
		return a.probeChassis(ctx, d)
	}
	return resource.ProbeResult{}, fmt.Errorf("ovn: unsupported kind %q", d.Kind)
}

func (a *Adapter) Apply(ctx context.Context, d resource.Descriptor, cur resource.ProbeResult) error {
	switch d.Kind {
	case resource.KindBridge:
		return a.exec(ctx, d, "ovs-vsctl", "--may-exist", "add-br", d.ID)
	case resource.KindBridgePort:
		return a.applyPort(ctx, d, cur)
	case resource.KindChassis:
		return a.applyChassis(ctx, d)
	}
	return fmt.Errorf("ovn: unsupported kind %q", d.Kind)
}

// --- bridges ---

func (a *Adapter) probeBridge(ctx context.Context, name string) (resource.ProbeResult, error) {
	res, err := a.run(ctx, a.timeout, "ovs-vsctl", "br-exists", name)
	if err == nil {
		return resource.ProbeResult{Exists: true}, nil
	}
	// br-exists is specified to exit 2 when the bridge is absent.
	if res.Code == 2 {
		return resource.ProbeResult{Exists: false}, nil
	}
	a.log.Warn().Err(err).Str("bridge", name).Msg("bridge probe failed")
	return resource.ProbeResult{Unknown: true}, err
}

// --- bridge ports ---

// splitPortID splits "bridge/port" into its parts.
func splitPortID(id string) (bridge, port string, err error) {
	parts := strings.SplitN(id, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("bridge-port id %q: want bridge/port", id)
	}
	return parts[0], parts[1], nil
}

func (a *Adapter) probePort(ctx context.Context, d resource.Descriptor) (resource.ProbeResult, error) {
	bridge, port, err := splitPortID(d.ID)
	if err != nil {
		return resource.ProbeResult{}, err
	}
	res, err := a.run(ctx, a.timeout, "ovs-vsctl", "port-to-br", port)
	if err != nil {
		if res.Code > 0 {
			// Port not attached to any bridge.
			return resource.ProbeResult{Exists: false}, nil
		}
		a.log.Warn().Err(err).Str("port", port).Msg("port probe failed")
		return resource.ProbeResult{Unknown: true}, err
	}
	got := strings.TrimSpace(res.OutString())
	if got != bridge {
		// Attached, but to the wrong bridge. The id names a port on one
		// specific bridge, so this counts as absent; the observed bridge is
		// kept so apply can detach the port before re-adding it.
		return resource.ProbeResult{Exists: false, Attrs: map[string]string{"bridge": got}}, nil
	}
	return resource.ProbeResult{Exists: true, Attrs: map[string]string{"bridge": bridge}}, nil
}

func (a *Adapter) applyPort(ctx context.Context, d resource.Descriptor, cur resource.ProbeResult) error {
	bridge, port, err := splitPortID(d.ID)
	if err != nil {
		return err
	}
	if other := cur.Attrs["bridge"]; other != "" && other != bridge {
		if err := a.exec(ctx, d, "ovs-vsctl", "--if-exists", "del-port", other, port); err != nil {
			return err
		}
	}
	return a.exec(ctx, d, "ovs-vsctl", "--may-exist", "add-port", bridge, port)
}

// --- chassis ---

// chassis external-ids keys the engine manages on the local vswitch.
var chassisKeys = []string{"ovn-remote", "ovn-encap-type", "ovn-encap-ip"}

func (a *Adapter) probeChassis(ctx context.Context, d resource.Descriptor) (resource.ProbeResult, error) {
	res, err := a.run(ctx, a.timeout, "ovs-vsctl", "get", "open_vswitch", ".", "external-ids")
	if err != nil {
		a.log.Warn().Err(err).Msg("external-ids probe failed")
		return resource.ProbeResult{Unknown: true}, err
	}
	ids, err := parseExternalIDs(res.OutString())
	if err != nil {
		return resource.ProbeResult{Unknown: true}, err
	}
	attrs := map[string]string{}
	for _, k := range chassisKeys {
		if v, ok := ids[k]; ok {
			attrs[k] = v
		}
	}

	registered, err := a.chassisRegistered(ctx, d.ID)
	if err != nil {
		return resource.ProbeResult{Unknown: true}, err
	}
	return resource.ProbeResult{Exists: registered, Attrs: attrs}, nil
}

func (a *Adapter) chassisRegistered(ctx context.Context, name string) (bool, error) {
	res, err := a.run(ctx, a.timeout, "ovn-sbctl", "--format=json", "list", "Chassis")
	if err != nil {
		a.log.Warn().Err(err).Str("stderr", res.ErrString()).Msg("chassis list failed")
		return false, err
	}
	names, err := parseChassisNames(res.Stdout)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

func (a *Adapter) applyChassis(ctx context.Context, d resource.Descriptor) error {
	args := []string{"set", "open_vswitch", ".", "external-ids:system-id=" + d.ID}
	for _, k := range chassisKeys {
		if v := d.Attr(k); v != "" {
			args = append(args, "external-ids:"+k+"="+v)
		}
	}
	if err := a.exec(ctx, d, "ovs-vsctl", args...); err != nil {
		return err
	}
	// Registration happens asynchronously when ovn-controller reads the new
	// external-ids, so wait for the chassis row instead of declaring victory.
	err := poll.Until(ctx, a.poll, func(ctx context.Context) (bool, error) {
		return a.chassisRegistered(ctx, d.ID)
	})
	if err != nil {
		return &step.ActionError{
			Desc: d,
			Cmd:  "ovn-sbctl --format=json list Chassis",
			Err:  fmt.Errorf("chassis %s not registered: %w", d.ID, err),
		}
	}
	return nil
}

// parseExternalIDs parses ovs-vsctl map output of the form
// {key="value", other=bare} into a string map.
func parseExternalIDs(out string) (map[string]string, error) {
	s := strings.TrimSpace(out)
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, fmt.Errorf("parse external-ids: unexpected output %q", s)
	}
	ids := map[string]string{}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "{"), "}")
	if strings.TrimSpace(s) == "" {
		return ids, nil
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("parse external-ids: bad pair %q", pair)
		}
		k := strings.TrimSpace(kv[0])
		v := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		ids[k] = v
	}
	return ids, nil
}

// parseChassisNames extracts chassis names from OVSDB table JSON
// ({"headings": [...], "data": [[...]]}).
func parseChassisNames(out []byte) ([]string, error) {
	var table struct {
		Headings []string            `json:"headings"`
		Data     [][]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(out, &table); err != nil {
		return nil, fmt.Errorf("parse chassis table: %w", err)
	}
	col := -1
	for i, h := range table.Headings {
		if h == "name" {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("parse chassis table: no name column")
	}
	var names []string
	for _, row := range table.Data {
		if col >= len(row) {
			continue
		}
		var name string
		if err := json.Unmarshal(row[col], &name); err != nil {
			// Non-string cells (uuid/set/map tuples) are not names.
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func (a *Adapter) exec(ctx context.Context, d resource.Descriptor, name string, args ...string) error {
	res, err := a.run(ctx, a.timeout, name, args...)
	if err != nil {
		return &step.ActionError{
			Desc:   d,
			Cmd:    name + " " + strings.Join(args, " "),
			Code:   res.Code,
			Stderr: res.ErrString(),
			Err:    err,
		}
	}
	return nil
}
