package sysd

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/manish-psys/aioctl/internal/resource"
	"github.com/manish-psys/aioctl/pkg/execer"
	"github.com/manish-psys/aioctl/pkg/poll"
)

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

const showProbe = "systemctl show mariadb.service -p LoadState -p ActiveState -p UnitFileState"
const showActive = "systemctl show mariadb.service -p ActiveState"

func TestParseProperties(t *testing.T) {
	props := parseProperties("LoadState=loaded\nActiveState=active\nUnitFileState=enabled\n")
	if props["ActiveState"] != "active" || props["UnitFileState"] != "enabled" {
		t.Fatalf("props = %v", props)
	}
}

func TestUnitName(t *testing.T) {
	if unitName("mariadb") != "mariadb.service" {
		t.Fatalf("bare name should gain .service")
	}
	if unitName("apt-daily.timer") != "apt-daily.timer" {
		t.Fatalf("qualified name must pass through")
	}
}

func TestProbeRunning(t *testing.T) {
	a := testAdapter(t, map[string]execer.Result{
		showProbe: {Stdout: []byte("LoadState=loaded\nActiveState=active\nUnitFileState=enabled\n")},
	}, nil)
	d := resource.Descriptor{Kind: resource.KindUnit, ID: "mariadb",
		Attrs: map[string]string{"active": "active", "enabled": "enabled"}}
	pr, err := a.Probe(context.Background(), d)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !resource.Satisfied(d, pr) {
		t.Fatalf("running enabled unit should satisfy, pr = %+v", pr)
	}
}

func TestProbeNotFound(t *testing.T) {
	a := testAdapter(t, map[string]execer.Result{
		showProbe: {Stdout: []byte("LoadState=not-found\nActiveState=inactive\nUnitFileState=\n")},
	}, nil)
	pr, err := a.Probe(context.Background(), resource.Descriptor{Kind: resource.KindUnit, ID: "mariadb"})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if pr.Exists || pr.Unknown {
		t.Fatalf("pr = %+v, want clean not-exists", pr)
	}
}

func TestProbeFailedUnitIsDrift(t *testing.T) {
	a := testAdapter(t, map[string]execer.Result{
		showProbe: {Stdout: []byte("LoadState=loaded\nActiveState=failed\nUnitFileState=enabled\n")},
	}, nil)
	d := resource.Descriptor{Kind: resource.KindUnit, ID: "mariadb",
		Attrs: map[string]string{"active": "active"}}
	pr, err := a.Probe(context.Background(), d)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !pr.Exists || resource.Satisfied(d, pr) {
		t.Fatalf("failed unit exists but must not satisfy, pr = %+v", pr)
	}
}

func TestApplyRestartsFailedUnit(t *testing.T) {
	var calls []string
	a := testAdapter(t, map[string]execer.Result{
		"systemctl restart mariadb.service": {},
		showActive:                          {Stdout: []byte("ActiveState=active\n")},
	}, &calls)
	d := resource.Descriptor{Kind: resource.KindUnit, ID: "mariadb",
		Attrs: map[string]string{"active": "active"}}
	cur := resource.ProbeResult{Exists: true, Attrs: map[string]string{"active": "failed", "enabled": "enabled"}}
	if err := a.Apply(context.Background(), d, cur); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(calls) != 2 || calls[0] != "systemctl restart mariadb.service" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestApplyEnablesAndStarts(t *testing.T) {
	var calls []string
	a := testAdapter(t, map[string]execer.Result{
		"systemctl enable mariadb.service": {},
		"systemctl start mariadb.service":  {},
		showActive:                         {Stdout: []byte("ActiveState=active\n")},
	}, &calls)
	d := resource.Descriptor{Kind: resource.KindUnit, ID: "mariadb",
		Attrs: map[string]string{"active": "active", "enabled": "enabled"}}
	cur := resource.ProbeResult{Exists: true, Attrs: map[string]string{"active": "inactive", "enabled": "disabled"}}
	if err := a.Apply(context.Background(), d, cur); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(calls) != 3 || calls[0] != "systemctl enable mariadb.service" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestApplyFailsWhenUnitEntersFailed(t *testing.T) {
	a := testAdapter(t, map[string]execer.Result{
		"systemctl start mariadb.service": {},
		showActive:                        {Stdout: []byte("ActiveState=failed\n")},
	}, nil)
	d := resource.Descriptor{Kind: resource.KindUnit, ID: "mariadb",
		Attrs: map[string]string{"active": "active"}}
	cur := resource.ProbeResult{Exists: true, Attrs: map[string]string{"active": "inactive"}}
	err := a.Apply(context.Background(), d, cur)
	if err == nil || !strings.Contains(err.Error(), "failed state") {
		t.Fatalf("err = %v, want failed-state error", err)
	}
}

func TestApplyMissingUnitErrors(t *testing.T) {
	a := testAdapter(t, nil, nil)
	d := resource.Descriptor{Kind: resource.KindUnit, ID: "mariadb"}
	err := a.Apply(context.Background(), d, resource.ProbeResult{Exists: false})
	if err == nil || !strings.Contains(err.Error(), "not installed") {
		t.Fatalf("err = %v, want not-installed error", err)
	}
}
