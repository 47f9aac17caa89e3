package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/manish-psys/aioctl/internal/plan"
	"github.com/manish-psys/aioctl/internal/resource"
	"github.com/manish-psys/aioctl/internal/step"
)

func result(name string, st step.Status, err error) plan.Result {
	return plan.Result{Step: name, Outcome: step.Outcome{
		Desc:   resource.Descriptor{Kind: resource.KindPool, ID: name},
		Status: st,
		Err:    err,
	}}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		name    string
		results []plan.Result
		want    int
	}{
		{"all good", []plan.Result{result("a", step.StatusSatisfied, nil), result("b", step.StatusConverged, nil)}, 0},
		{"drift", []plan.Result{result("a", step.StatusSatisfied, nil), result("b", step.StatusDrifted, nil)}, 2},
		{"unknown", []plan.Result{result("a", step.StatusUnknown, nil)}, 2},
		{"failure beats drift", []plan.Result{result("a", step.StatusDrifted, nil), result("b", step.StatusFailed, errors.New("x"))}, 1},
		{"skip counts as failure", []plan.Result{result("a", step.StatusFailed, errors.New("x")), result("b", step.StatusSkipped, nil)}, 1},
	}
	for _, c := range cases {
		s := New("aio", "verify", time.Now(), c.results)
		if got := s.ExitCode(); got != c.want {
			t.Fatalf("%s: exit = %d, want %d", c.name, got, c.want)
		}
	}
}

func TestRenderIncludesErrorDetail(t *testing.T) {
	s := New("aio", "apply", time.Now(), []plan.Result{
		result("volumes", step.StatusFailed, errors.New("Error EPERM: denied")),
	})
	var buf bytes.Buffer
	s.Render(&buf)
	out := buf.String()
	if !strings.Contains(out, "Error EPERM") || !strings.Contains(out, "pool/volumes") {
		t.Fatalf("render:\n%s", out)
	}
	if !strings.Contains(out, "1 failed") {
		t.Fatalf("missing counts:\n%s", out)
	}
}

func TestJSONFlattensErrors(t *testing.T) {
	s := New("aio", "apply", time.Now(), []plan.Result{
		result("volumes", step.StatusFailed, errors.New("quorum lost")),
		result("images", step.StatusSatisfied, nil),
	})
	var buf bytes.Buffer
	if err := s.JSON(&buf); err != nil {
		t.Fatalf("json: %v", err)
	}
	var decoded struct {
		ExitCode int `json:"exit_code"`
		Results  []struct {
			Resource string `json:"resource"`
			Error    string `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ExitCode != 1 || decoded.Results[0].Error != "quorum lost" {
		t.Fatalf("decoded = %+v", decoded)
	}
	if decoded.Results[1].Error != "" {
		t.Fatalf("clean result must omit error")
	}
}
