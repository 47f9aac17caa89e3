package plan

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/manish-psys/aioctl/internal/resource"
	"github.com/manish-psys/aioctl/internal/state"
	"github.com/manish-psys/aioctl/internal/step"
)

// Step is one named convergence unit in a plan. Needs lists names of steps
// that must have reached desired state first; steps run strictly in declared
// order, so a need may only point backwards.
type Step struct {
	Name  string              `yaml:"name" json:"name"`
	Desc  resource.Descriptor `yaml:"resource" json:"resource"`
	Needs []string            `yaml:"needs,omitempty" json:"needs,omitempty"`
}

// Plan is an ordered list of steps covering one deployment.
type Plan struct {
	Name  string `yaml:"name" json:"name"`
	Steps []Step `yaml:"steps" json:"steps"`
}

// Validate rejects plans that could not run deterministically: duplicate
// names, descriptors that fail validation, and needs that dangle or point
// forward. Forward references are refused rather than reordered; the plan
// file is the execution order and the engine does not second-guess it.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan %q has no steps", p.Name)
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.Name == "" {
			return fmt.Errorf("step %d has no name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate step name %q", s.Name)
		}
		if err := s.Desc.Validate(); err != nil {
			return fmt.Errorf("step %q: %w", s.Name, err)
		}
		for _, need := range s.Needs {
			if need == s.Name {
				return fmt.Errorf("step %q needs itself", s.Name)
			}
			if !seen[need] {
				return fmt.Errorf("step %q needs %q, which is not an earlier step", s.Name, need)
			}
		}
		seen[s.Name] = true
	}
	return nil
}

// Filter returns a copy keeping only steps of the given kinds. Needs edges
// into excluded steps are dropped: asking for a subset asserts the rest of
// the node is already converged.
func (p *Plan) Filter(kinds []resource.Kind) *Plan {
	want := make(map[resource.Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	out := &Plan{Name: p.Name}
	kept := map[string]bool{}
	for _, s := range p.Steps {
		if !want[s.Desc.Kind] {
			continue
		}
		var needs []string
		for _, n := range s.Needs {
			if kept[n] {
				needs = append(needs, n)
			}
		}
		kept[s.Name] = true
		out.Steps = append(out.Steps, Step{Name: s.Name, Desc: s.Desc, Needs: needs})
	}
	return out
}

// systems returns the lock domains this plan touches, in first-use order.
func (p *Plan) systems() []string {
	var order []string
	seen := map[string]bool{}
	for _, s := range p.Steps {
		sys := s.Desc.Kind.System()
		if !seen[sys] {
			seen[sys] = true
			order = append(order, sys)
		}
	}
	return order
}

// Policy decides what happens to the rest of the plan after a step fails.
type Policy int

const (
	// FailFast skips every remaining step after the first failure.
	FailFast Policy = iota
	// BestEffort keeps going; only steps whose needs failed are skipped.
	BestEffort
)

// Result pairs a step name with its outcome.
type Result struct {
	Step string
	step.Outcome
}

// Runner executes plans against a registry of adapters, holding one advisory
// lock per external system for the duration of an apply.
type Runner struct {
	Registry step.Registry
	LockDir  string
	Policy   Policy
	Log      zerolog.Logger

	// OnStep, when set, observes each result as it is produced.
	OnStep func(Result)

	// acquireLock is swappable for tests.
	acquireLock func(lockDir, system, runID string) (state.Unlock, error)
}

func NewRunner(reg step.Registry, lockDir string, log zerolog.Logger) *Runner {
	return &Runner{
		Registry:    reg,
		LockDir:     lockDir,
		Log:         log.With().Str("component", "plan").Logger(),
		acquireLock: state.AcquireSystemLock,
	}
}

// Apply converges every step in order. Step failures are reported in the
// results, not as the returned error; the error is reserved for conditions
// that prevent the run itself (invalid plan, lock contention).
func (r *Runner) Apply(ctx context.Context, p *Plan) ([]Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	log := r.Log.With().Str("run", runID).Logger()

	unlock, err := r.lockAll(p, runID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	results := make([]Result, 0, len(p.Steps))
	done := make(map[string]step.Status, len(p.Steps))
	failed := false

	for _, s := range p.Steps {
		var o step.Outcome
		switch {
		case failed && r.Policy == FailFast:
			o = skipped(s.Desc, "earlier step failed")
		case unmet(s.Needs, done) != "":
			o = skipped(s.Desc, fmt.Sprintf("needs %q, which did not reach desired state", unmet(s.Needs, done)))
		default:
			a, err := r.Registry.For(s.Desc.Kind)
			if err != nil {
				o = step.Outcome{Desc: s.Desc, Status: step.StatusFailed, Err: err, Detail: "no adapter"}
			} else {
				o = step.Converge(ctx, a, s.Desc)
			}
		}

		if o.Status == step.StatusFailed {
			failed = true
			log.Error().Str("step", s.Name).Str("resource", s.Desc.Name()).
				Err(o.Err).Msg("step failed")
		} else {
			log.Info().Str("step", s.Name).Str("resource", s.Desc.Name()).
				Str("status", string(o.Status)).Dur("took", o.Duration).Msg("step done")
		}

		done[s.Name] = o.Status
		res := Result{Step: s.Name, Outcome: o}
		results = append(results, res)
		if r.OnStep != nil {
			r.OnStep(res)
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}
	}
	return results, nil
}

// Verify probes every step without mutating anything. No locks are taken;
// read-only passes may run alongside an apply on another node.
func (r *Runner) Verify(ctx context.Context, p *Plan) ([]Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(p.Steps))
	for _, s := range p.Steps {
		var o step.Outcome
		a, err := r.Registry.For(s.Desc.Kind)
		if err != nil {
			o = step.Outcome{Desc: s.Desc, Status: step.StatusUnknown, Err: err, Detail: "no adapter"}
		} else {
			o = step.Verify(ctx, a, s.Desc)
		}
		res := Result{Step: s.Name, Outcome: o}
		results = append(results, res)
		if r.OnStep != nil {
			r.OnStep(res)
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}
	}
	return results, nil
}

// lockAll takes every system lock the plan needs before the first step runs,
// so a plan cannot fail halfway because a later system was busy.
func (r *Runner) lockAll(p *Plan, runID string) (state.Unlock, error) {
	var unlocks []state.Unlock
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, sys := range p.systems() {
		u, err := r.acquireLock(r.LockDir, sys, runID)
		if err != nil {
			release()
			return nil, fmt.Errorf("lock %s: %w", sys, err)
		}
		unlocks = append(unlocks, u)
	}
	return release, nil
}

func unmet(needs []string, done map[string]step.Status) string {
	for _, n := range needs {
		switch done[n] {
		case step.StatusSatisfied, step.StatusConverged:
		default:
			return n
		}
	}
	return ""
}

func skipped(d resource.Descriptor, detail string) step.Outcome {
	return step.Outcome{Desc: d, Status: step.StatusSkipped, Detail: detail, Duration: time.Duration(0)}
}
