package step

import (
	"fmt"
	"sort"
	"strings"

	"github.com/manish-psys/aioctl/internal/resource"
)

// The three failure classes a convergence step can surface. None of them is
// ever swallowed: every path that used to hide behind `|| true` in shell now
// carries its stderr up to the report.

// ProbeError: the target system was unreachable or produced output we could
// not interpret, so current state is unknown.
type ProbeError struct {
	Desc resource.Descriptor
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Desc.Name(), e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// ActionError: the converging command ran and exited non-zero.
type ActionError struct {
	Desc   resource.Descriptor
	Cmd    string
	Code   int
	Stderr string
	Err    error
}

func (e *ActionError) Error() string {
	msg := fmt.Sprintf("apply %s: %s exited %d", e.Desc.Name(), e.Cmd, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ActionError) Unwrap() error { return e.Err }

// VerificationError: the action reported success but the post-action probe
// still shows unsatisfied state. This is the most serious class; it is what
// the chassis-registers-but-nb_cfg-never-advances failures look like. It
// always carries both sides of the comparison.
type VerificationError struct {
	Desc     resource.Descriptor
	Expected map[string]string
	Observed map[string]string
	Exists   bool
}

func (e *VerificationError) Error() string {
	if !e.Exists {
		return fmt.Sprintf("verify %s: resource still absent after action", e.Desc.Name())
	}
	return fmt.Sprintf("verify %s: expected {%s}, observed {%s}",
		e.Desc.Name(), formatAttrs(e.Expected), formatAttrs(e.Observed))
}

func formatAttrs(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, " ")
}
