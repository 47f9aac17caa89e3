package step

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/manish-psys/aioctl/internal/resource"
)

// Status is the tri-state outcome of a convergence step, plus the two
// bookkeeping states the plan runner and verify-only passes need.
type Status string

const (
	// StatusSatisfied: the probe found desired state already in place;
	// no action was issued.
	StatusSatisfied Status = "satisfied"
	// StatusConverged: an action ran and the post-action probe confirmed
	// desired state.
	StatusConverged Status = "converged"
	// StatusFailed: probe error, action error, or verification failure.
	StatusFailed Status = "failed"
	// StatusSkipped: a prerequisite did not complete; the step never started.
	StatusSkipped Status = "skipped"
	// StatusDrifted: verify-only pass found the resource absent or mismatched.
	StatusDrifted Status = "drifted"
	// StatusUnknown: verify-only pass could not probe the resource.
	StatusUnknown Status = "unknown"
)

// Outcome is what one step produced. Immutable once returned.
type Outcome struct {
	Desc     resource.Descriptor
	Status   Status
	Detail   string
	Err      error
	Duration time.Duration
}

// Adapter is the per-system boundary: probe current state, apply the minimal
// converging action. Probe must never mutate external state. Apply receives
// the pre-action probe so it can choose create vs. correct without repeating
// work.
type Adapter interface {
	Kinds() []resource.Kind
	Probe(ctx context.Context, d resource.Descriptor) (resource.ProbeResult, error)
	Apply(ctx context.Context, d resource.Descriptor, cur resource.ProbeResult) error
}

// Registry maps kinds to their adapters. One probe implementation per kind,
// registered once, used everywhere.
type Registry map[resource.Kind]Adapter

// Register adds every kind the adapter serves. Double registration is a
// programmer error.
func (r Registry) Register(a Adapter) {
	for _, k := range a.Kinds() {
		if _, dup := r[k]; dup {
			panic("step: duplicate adapter for kind " + string(k))
		}
		r[k] = a
	}
}

func (r Registry) For(k resource.Kind) (Adapter, error) {
	a, ok := r[k]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for kind %q", k)
	}
	return a, nil
}

// Converge runs one step: probe, act if needed, re-probe. No retries here;
// waiting for asynchronous convergence belongs to the adapters' bounded
// polls, retry policy to the operator re-running the plan.
func Converge(ctx context.Context, a Adapter, d resource.Descriptor) Outcome {
	start := time.Now()
	done := func(o Outcome) Outcome {
		o.Desc = d
		o.Duration = time.Since(start)
		return o
	}

	cur, err := a.Probe(ctx, d)
	if err != nil {
		return done(Outcome{Status: StatusFailed, Err: &ProbeError{Desc: d, Err: err},
			Detail: "pre-action probe failed"})
	}
	if cur.Unknown {
		// Acting on unknown state could destroy something that exists.
		return done(Outcome{Status: StatusFailed, Err: &ProbeError{Desc: d, Err: fmt.Errorf("state unknown")},
			Detail: "probe could not determine current state"})
	}
	if resource.Satisfied(d, cur) {
		return done(Outcome{Status: StatusSatisfied, Detail: "already in desired state"})
	}

	if err := a.Apply(ctx, d, cur); err != nil {
		if _, ok := err.(*ActionError); ok {
			return done(Outcome{Status: StatusFailed, Err: err, Detail: "action failed"})
		}
		return done(Outcome{Status: StatusFailed,
			Err:    &ActionError{Desc: d, Cmd: "apply", Code: -1, Err: err, Stderr: err.Error()},
			Detail: "action failed"})
	}

	after, err := a.Probe(ctx, d)
	if err != nil || after.Unknown {
		if err == nil {
			err = fmt.Errorf("state unknown")
		}
		return done(Outcome{Status: StatusFailed, Err: &ProbeError{Desc: d, Err: err},
			Detail: "post-action probe failed"})
	}
	if resource.Satisfied(d, after) {
		return done(Outcome{Status: StatusConverged, Detail: convergedDetail(cur)})
	}
	return done(Outcome{Status: StatusFailed,
		Err:    &VerificationError{Desc: d, Expected: d.Attrs, Observed: after.Attrs, Exists: after.Exists},
		Detail: "post-action state does not match desired"})
}

// Verify runs a probe-only pass. It never mutates and maps probe failures to
// a warning status instead of a fatal.
func Verify(ctx context.Context, a Adapter, d resource.Descriptor) Outcome {
	start := time.Now()
	cur, err := a.Probe(ctx, d)
	o := Outcome{Desc: d, Duration: time.Since(start)}
	switch {
	case err != nil || cur.Unknown:
		o.Status = StatusUnknown
		if err != nil {
			o.Err = &ProbeError{Desc: d, Err: err}
			o.Detail = "probe failed"
		} else {
			o.Detail = "probe could not determine current state"
		}
	case resource.Satisfied(d, cur):
		o.Status = StatusSatisfied
		o.Detail = "in desired state"
	case !cur.Exists:
		o.Status = StatusDrifted
		o.Detail = "absent"
	default:
		o.Status = StatusDrifted
		o.Detail = "attribute mismatch: " + strings.Join(resource.Match(d.Attrs, cur.Attrs), ", ")
	}
	return o
}

func convergedDetail(pre resource.ProbeResult) string {
	if pre.Exists {
		return "existing resource corrected"
	}
	return "created"
}
