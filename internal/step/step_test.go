package step

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/manish-psys/aioctl/internal/resource"
)

// fakeAdapter scripts probe results and counts Apply calls.
type fakeAdapter struct {
	probes  []resource.ProbeResult
	probeEr []error
	probed  int
	applied int
	applyEr error
}

func (f *fakeAdapter) Kinds() []resource.Kind { return []resource.Kind{resource.KindPool} }

func (f *fakeAdapter) Probe(context.Context, resource.Descriptor) (resource.ProbeResult, error) {
	i := f.probed
	f.probed++
	var err error
	if i < len(f.probeEr) {
		err = f.probeEr[i]
	}
	if i >= len(f.probes) {
		return resource.ProbeResult{}, err
	}
	return f.probes[i], err
}

func (f *fakeAdapter) Apply(context.Context, resource.Descriptor, resource.ProbeResult) error {
	f.applied++
	return f.applyEr
}

var pool = resource.Descriptor{Kind: resource.KindPool, ID: "volumes", Attrs: map[string]string{"size": "1"}}

func TestConvergeSatisfiedIssuesNoAction(t *testing.T) {
	f := &fakeAdapter{probes: []resource.ProbeResult{{Exists: true, Attrs: map[string]string{"size": "1"}}}}
	o := Converge(context.Background(), f, pool)
	if o.Status != StatusSatisfied {
		t.Fatalf("status = %s, want satisfied", o.Status)
	}
	if f.applied != 0 {
		t.Fatalf("applied = %d, want 0 (idempotence)", f.applied)
	}
}

func TestConvergeCreatesThenVerifies(t *testing.T) {
	f := &fakeAdapter{probes: []resource.ProbeResult{
		{Exists: false},
		{Exists: true, Attrs: map[string]string{"size": "1"}},
	}}
	o := Converge(context.Background(), f, pool)
	if o.Status != StatusConverged {
		t.Fatalf("status = %s, want converged (err=%v)", o.Status, o.Err)
	}
	if f.applied != 1 {
		t.Fatalf("applied = %d, want exactly 1", f.applied)
	}
	if f.probed != 2 {
		t.Fatalf("probed = %d, want pre and post probes", f.probed)
	}
}

func TestConvergeSizeMismatchReapplies(t *testing.T) {
	// Exists with size=3 while desired is size=1: existence is not enough.
	f := &fakeAdapter{probes: []resource.ProbeResult{
		{Exists: true, Attrs: map[string]string{"size": "3"}},
		{Exists: true, Attrs: map[string]string{"size": "1"}},
	}}
	o := Converge(context.Background(), f, pool)
	if o.Status != StatusConverged {
		t.Fatalf("status = %s, want converged", o.Status)
	}
	if f.applied != 1 {
		t.Fatalf("applied = %d, want 1", f.applied)
	}
}

func TestConvergeVerificationFailure(t *testing.T) {
	// Action "succeeds" but the post-probe still shows the wrong size.
	f := &fakeAdapter{probes: []resource.ProbeResult{
		{Exists: true, Attrs: map[string]string{"size": "3"}},
		{Exists: true, Attrs: map[string]string{"size": "3"}},
	}}
	o := Converge(context.Background(), f, pool)
	if o.Status != StatusFailed {
		t.Fatalf("status = %s, want failed (no false positive)", o.Status)
	}
	var ve *VerificationError
	if !errors.As(o.Err, &ve) {
		t.Fatalf("err = %v, want VerificationError", o.Err)
	}
	if ve.Expected["size"] != "1" || ve.Observed["size"] != "3" {
		t.Fatalf("verification error must carry expected and observed: %v", ve)
	}
}

func TestConvergeActionErrorNeverSilent(t *testing.T) {
	f := &fakeAdapter{
		probes: []resource.ProbeResult{{Exists: false}},
		applyEr: &ActionError{Desc: pool, Cmd: "ceph osd pool create",
			Code: 1, Stderr: "Error EPERM: permission denied"},
	}
	o := Converge(context.Background(), f, pool)
	if o.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", o.Status)
	}
	var ae *ActionError
	if !errors.As(o.Err, &ae) {
		t.Fatalf("err = %v, want ActionError", o.Err)
	}
	if ae.Stderr == "" {
		t.Fatalf("stderr must be surfaced, not discarded")
	}
}

func TestConvergeProbeErrorDoesNotAct(t *testing.T) {
	f := &fakeAdapter{
		probes:  []resource.ProbeResult{{Unknown: true}},
		probeEr: []error{nil},
	}
	o := Converge(context.Background(), f, pool)
	if o.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", o.Status)
	}
	if f.applied != 0 {
		t.Fatalf("must not act on unknown state")
	}
	var pe *ProbeError
	if !errors.As(o.Err, &pe) {
		t.Fatalf("err = %v, want ProbeError", o.Err)
	}
}

func TestVerifyStatuses(t *testing.T) {
	cases := []struct {
		name string
		fake *fakeAdapter
		want Status
	}{
		{"satisfied", &fakeAdapter{probes: []resource.ProbeResult{{Exists: true, Attrs: map[string]string{"size": "1"}}}}, StatusSatisfied},
		{"absent", &fakeAdapter{probes: []resource.ProbeResult{{Exists: false}}}, StatusDrifted},
		{"mismatch", &fakeAdapter{probes: []resource.ProbeResult{{Exists: true, Attrs: map[string]string{"size": "2"}}}}, StatusDrifted},
		{"probe error", &fakeAdapter{probes: []resource.ProbeResult{{}}, probeEr: []error{fmt.Errorf("mon down")}}, StatusUnknown},
	}
	for _, c := range cases {
		o := Verify(context.Background(), c.fake, pool)
		if o.Status != c.want {
			t.Fatalf("%s: status = %s, want %s", c.name, o.Status, c.want)
		}
		if c.fake.applied != 0 {
			t.Fatalf("%s: verify must never mutate", c.name)
		}
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	r := Registry{}
	r.Register(&fakeAdapter{})
	r.Register(&fakeAdapter{})
}
