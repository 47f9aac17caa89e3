package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/manish-psys/aioctl/internal/plan"
	"github.com/manish-psys/aioctl/internal/step"
)

// Summary aggregates one run's results for the operator and for automation.
// The exit code contract: 0 means everything is in desired state, 2 means
// drift or unknown state was observed without failures, 1 means at least one
// step failed. Failures dominate drift.
type Summary struct {
	Plan     string
	Mode     string
	Started  time.Time
	Finished time.Time
	Results  []plan.Result
}

func New(planName, mode string, started time.Time, results []plan.Result) *Summary {
	return &Summary{
		Plan:     planName,
		Mode:     mode,
		Started:  started,
		Finished: time.Now(),
		Results:  results,
	}
}

func (s *Summary) Count(st step.Status) int {
	n := 0
	for _, r := range s.Results {
		if r.Status == st {
			n++
		}
	}
	return n
}

func (s *Summary) ExitCode() int {
	if s.Count(step.StatusFailed) > 0 || s.Count(step.StatusSkipped) > 0 {
		return 1
	}
	if s.Count(step.StatusDrifted) > 0 || s.Count(step.StatusUnknown) > 0 {
		return 2
	}
	return 0
}

var statusPaint = map[step.Status]*color.Color{
	step.StatusSatisfied: color.New(color.FgGreen),
	step.StatusConverged: color.New(color.FgGreen, color.Bold),
	step.StatusFailed:    color.New(color.FgRed, color.Bold),
	step.StatusSkipped:   color.New(color.FgYellow),
	step.StatusDrifted:   color.New(color.FgYellow, color.Bold),
	step.StatusUnknown:   color.New(color.FgMagenta),
}

// Render writes the human-readable run report. Colors degrade to plain text
// automatically when w is not a terminal.
func (s *Summary) Render(w io.Writer) {
	for _, r := range s.Results {
		paint := statusPaint[r.Status]
		if paint == nil {
			paint = color.New()
		}
		fmt.Fprintf(w, "%-10s %-28s %-24s %s\n",
			paint.Sprint(string(r.Status)), r.Step, r.Desc.Name(), detail(r))
	}
	fmt.Fprintf(w, "\n%s: %d satisfied, %d converged, %d drifted, %d failed, %d skipped, %d unknown (%s)\n",
		s.Plan,
		s.Count(step.StatusSatisfied), s.Count(step.StatusConverged),
		s.Count(step.StatusDrifted), s.Count(step.StatusFailed),
		s.Count(step.StatusSkipped), s.Count(step.StatusUnknown),
		s.Finished.Sub(s.Started).Round(time.Millisecond))
}

func detail(r plan.Result) string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return r.Detail
}

// wireResult is the JSON shape; errors flatten to strings.
type wireResult struct {
	Step     string        `json:"step"`
	Resource string        `json:"resource"`
	Status   step.Status   `json:"status"`
	Detail   string        `json:"detail,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

type wireSummary struct {
	Plan     string       `json:"plan"`
	Mode     string       `json:"mode"`
	Started  time.Time    `json:"started"`
	Finished time.Time    `json:"finished"`
	ExitCode int          `json:"exit_code"`
	Results  []wireResult `json:"results"`
}

func (s *Summary) JSON(w io.Writer) error {
	out := wireSummary{
		Plan:     s.Plan,
		Mode:     s.Mode,
		Started:  s.Started,
		Finished: s.Finished,
		ExitCode: s.ExitCode(),
		Results:  make([]wireResult, 0, len(s.Results)),
	}
	for _, r := range s.Results {
		wr := wireResult{
			Step:     r.Step,
			Resource: r.Desc.Name(),
			Status:   r.Status,
			Detail:   r.Detail,
			Duration: r.Duration,
		}
		if r.Err != nil {
			wr.Error = r.Err.Error()
		}
		out.Results = append(out.Results, wr)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
