package ovn

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/manish-psys/aioctl/internal/resource"
	"github.com/manish-psys/aioctl/internal/step"
	"github.com/manish-psys/aioctl/pkg/execer"
	"github.com/manish-psys/aioctl/pkg/poll"
)

const chassisTableJSON = `{
  "headings": ["_uuid", "name", "hostname"],
  "data": [
    [["uuid", "9f3c"], "aio1", "aio1.example"],
    [["uuid", "11ab"], "compute2", "compute2.example"]
  ]
}`

func TestParseChassisNames(t *testing.T) {
	names, err := parseChassisNames([]byte(chassisTableJSON))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(names) != 2 || names[0] != "aio1" || names[1] != "compute2" {
		t.Fatalf("names = %v", names)
	}
}

func TestParseChassisNamesNoColumn(t *testing.T) {
	if _, err := parseChassisNames([]byte(`{"headings":["_uuid"],"data":[]}`)); err == nil {
		t.Fatalf("expected error for missing name column")
	}
}

func TestParseExternalIDs(t *testing.T) {
	ids, err := parseExternalIDs(`{ovn-encap-ip="10.0.0.11", ovn-encap-type=geneve, ovn-remote="tcp:127.0.0.1:6642", system-id=aio1}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ids["ovn-remote"] != "tcp:127.0.0.1:6642" || ids["ovn-encap-type"] != "geneve" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestParseExternalIDsEmpty(t *testing.T) {
	ids, err := parseExternalIDs("{}")
	if err != nil || len(ids) != 0 {
		t.Fatalf("ids = %v, err = %v", ids, err)
	}
}

func scriptedRunner(t *testing.T, script map[string]execer.Result, calls *[]string) execer.Runner {
	return func(_ context.Context, _ time.Duration, name string, args ...string) (execer.Result, error) {
		line := name + " " + strings.Join(args, " ")
		if calls != nil {
			*calls = append(*calls, line)
		}
		res, ok := script[line]
		if !ok {
			t.Fatalf("unexpected command: %s", line)
		}
		if res.Code != 0 {
			return res, &exec.ExitError{}
		}
		return res, nil
	}
}

func testAdapter(t *testing.T, script map[string]execer.Result, calls *[]string) *Adapter {
	a := New(zerolog.Nop(), 5*time.Second)
	a.run = scriptedRunner(t, script, calls)
	a.poll = poll.Config{Interval: time.Millisecond, MaxAttempts: 3}
	return a
}

func TestProbeBridge(t *testing.T) {
	a := testAdapter(t, map[string]execer.Result{
		"ovs-vsctl br-exists br-ex": {},
	}, nil)
	pr, err := a.Probe(context.Background(), resource.Descriptor{Kind: resource.KindBridge, ID: "br-ex"})
	if err != nil || !pr.Exists {
		t.Fatalf("pr = %+v, err = %v", pr, err)
	}
}

func TestProbeBridgeMissing(t *testing.T) {
	a := testAdapter(t, map[string]execer.Result{
		"ovs-vsctl br-exists br-ex": {Code: 2},
	}, nil)
	pr, err := a.Probe(context.Background(), resource.Descriptor{Kind: resource.KindBridge, ID: "br-ex"})
	if err != nil {
		t.Fatalf("exit 2 is a clean miss, not an error: %v", err)
	}
	if pr.Exists || pr.Unknown {
		t.Fatalf("pr = %+v, want clean not-exists", pr)
	}
}

func TestProbeBridgeUnknownOnDaemonDown(t *testing.T) {
	a := New(zerolog.Nop(), 5*time.Second)
	a.run = func(context.Context, time.Duration, string, ...string) (execer.Result, error) {
		return execer.Result{Code: 1, Stderr: []byte("database connection failed")}, errors.New("exit status 1")
	}
	pr, err := a.Probe(context.Background(), resource.Descriptor{Kind: resource.KindBridge, ID: "br-ex"})
	if err == nil || !pr.Unknown {
		t.Fatalf("pr = %+v, err = %v, want Unknown", pr, err)
	}
}

func TestSplitPortID(t *testing.T) {
	if _, _, err := splitPortID("eth1"); err == nil {
		t.Fatalf("bare port id must be rejected")
	}
	br, port, err := splitPortID("br-ex/eth1")
	if err != nil || br != "br-ex" || port != "eth1" {
		t.Fatalf("got %q %q %v", br, port, err)
	}
}

func TestProbePortWrongBridgeIsAbsent(t *testing.T) {
	a := testAdapter(t, map[string]execer.Result{
		"ovs-vsctl port-to-br eth1": {Stdout: []byte("br-int\n")},
	}, nil)
	d := resource.Descriptor{Kind: resource.KindBridgePort, ID: "br-ex/eth1"}
	pr, err := a.Probe(context.Background(), d)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	// The id names a port on br-ex; attachment to br-int does not count.
	if pr.Exists {
		t.Fatalf("pr = %+v, want not-exists", pr)
	}
	if pr.Attrs["bridge"] != "br-int" {
		t.Fatalf("observed bridge not carried: %+v", pr)
	}
	if resource.Satisfied(d, pr) {
		t.Fatalf("port on the wrong bridge must not satisfy")
	}
}

// A port parked on the wrong bridge must be moved, not reported satisfied,
// even when the descriptor carries no attrs at all.
func TestConvergeMovesPortFromWrongBridge(t *testing.T) {
	var calls []string
	probes := 0
	a := New(zerolog.Nop(), 5*time.Second)
	a.run = func(_ context.Context, _ time.Duration, name string, args ...string) (execer.Result, error) {
		line := name + " " + strings.Join(args, " ")
		calls = append(calls, line)
		switch line {
		case "ovs-vsctl port-to-br eth1":
			probes++
			if probes == 1 {
				return execer.Result{Stdout: []byte("br-int\n")}, nil
			}
			return execer.Result{Stdout: []byte("br-ex\n")}, nil
		case "ovs-vsctl --if-exists del-port br-int eth1",
			"ovs-vsctl --may-exist add-port br-ex eth1":
			return execer.Result{}, nil
		}
		t.Fatalf("unexpected command: %s", line)
		return execer.Result{}, nil
	}
	d := resource.Descriptor{Kind: resource.KindBridgePort, ID: "br-ex/eth1"}
	o := step.Converge(context.Background(), a, d)
	if o.Status != step.StatusConverged {
		t.Fatalf("outcome = %+v, want converged", o)
	}
	want := []string{
		"ovs-vsctl port-to-br eth1",
		"ovs-vsctl --if-exists del-port br-int eth1",
		"ovs-vsctl --may-exist add-port br-ex eth1",
		"ovs-vsctl port-to-br eth1",
	}
	if strings.Join(calls, "\n") != strings.Join(want, "\n") {
		t.Fatalf("calls = %v", calls)
	}
}

func TestProbePortMissing(t *testing.T) {
	a := testAdapter(t, map[string]execer.Result{
		"ovs-vsctl port-to-br eth1": {Code: 1, Stderr: []byte("no port named eth1")},
	}, nil)
	pr, err := a.Probe(context.Background(), resource.Descriptor{Kind: resource.KindBridgePort, ID: "br-ex/eth1"})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if pr.Exists || pr.Unknown {
		t.Fatalf("pr = %+v, want clean not-exists", pr)
	}
}

func TestProbeChassis(t *testing.T) {
	a := testAdapter(t, map[string]execer.Result{
		"ovs-vsctl get open_vswitch . external-ids": {
			Stdout: []byte(`{ovn-encap-ip="10.0.0.11", ovn-encap-type=geneve, ovn-remote="tcp:127.0.0.1:6642", system-id=aio1}` + "\n"),
		},
		"ovn-sbctl --format=json list Chassis": {Stdout: []byte(chassisTableJSON)},
	}, nil)
	d := resource.Descriptor{Kind: resource.KindChassis, ID: "aio1",
		Attrs: map[string]string{"ovn-remote": "tcp:127.0.0.1:6642", "ovn-encap-type": "geneve", "ovn-encap-ip": "10.0.0.11"}}
	pr, err := a.Probe(context.Background(), d)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !resource.Satisfied(d, pr) {
		t.Fatalf("expected satisfied, pr = %+v", pr)
	}
}

func TestProbeChassisUnregistered(t *testing.T) {
	a := testAdapter(t, map[string]execer.Result{
		"ovs-vsctl get open_vswitch . external-ids": {Stdout: []byte("{}\n")},
		"ovn-sbctl --format=json list Chassis":      {Stdout: []byte(`{"headings":["name"],"data":[]}`)},
	}, nil)
	pr, err := a.Probe(context.Background(), resource.Descriptor{Kind: resource.KindChassis, ID: "aio1"})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if pr.Exists {
		t.Fatalf("unregistered chassis must not exist")
	}
}

func TestApplyChassisWaitsForRegistration(t *testing.T) {
	var calls []string
	a := testAdapter(t, map[string]execer.Result{
		"ovs-vsctl set open_vswitch . external-ids:system-id=aio1 external-ids:ovn-remote=tcp:127.0.0.1:6642": {},
		"ovn-sbctl --format=json list Chassis": {Stdout: []byte(chassisTableJSON)},
	}, &calls)
	d := resource.Descriptor{Kind: resource.KindChassis, ID: "aio1",
		Attrs: map[string]string{"ovn-remote": "tcp:127.0.0.1:6642"}}
	if err := a.Apply(context.Background(), d, resource.ProbeResult{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(calls) != 2 || !strings.HasPrefix(calls[1], "ovn-sbctl") {
		t.Fatalf("calls = %v", calls)
	}
}

func TestApplyChassisRegistrationTimeout(t *testing.T) {
	a := testAdapter(t, map[string]execer.Result{
		"ovs-vsctl set open_vswitch . external-ids:system-id=aio1": {},
		"ovn-sbctl --format=json list Chassis":                     {Stdout: []byte(`{"headings":["name"],"data":[]}`)},
	}, nil)
	d := resource.Descriptor{Kind: resource.KindChassis, ID: "aio1"}
	err := a.Apply(context.Background(), d, resource.ProbeResult{})
	if err == nil || !strings.Contains(err.Error(), "not registered") {
		t.Fatalf("err = %v, want registration timeout", err)
	}
}

func TestApplyBridgeSurfacesStderr(t *testing.T) {
	a := testAdapter(t, map[string]execer.Result{
		"ovs-vsctl --may-exist add-br br-ex": {Code: 1, Stderr: []byte("ovs-vsctl: unix socket refused")},
	}, nil)
	err := a.Apply(context.Background(), resource.Descriptor{Kind: resource.KindBridge, ID: "br-ex"}, resource.ProbeResult{})
	if err == nil || !strings.Contains(err.Error(), "unix socket refused") {
		t.Fatalf("stderr not surfaced: %v", err)
	}
}
