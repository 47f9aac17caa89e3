package execer

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesExitCode(t *testing.T) {
	res, err := Run(context.Background(), 5*time.Second, "sh", "-c", "echo out; echo err >&2; exit 3")
	if err == nil {
		t.Fatalf("expected error for non-zero exit")
	}
	if res.Code != 3 {
		t.Fatalf("code = %d, want 3", res.Code)
	}
	if res.OutString() != "out" {
		t.Fatalf("stdout = %q", res.OutString())
	}
	if res.ErrString() != "err" {
		t.Fatalf("stderr = %q", res.ErrString())
	}
}

func TestRunTimeout(t *testing.T) {
	_, err := Run(context.Background(), 50*time.Millisecond, "sleep", "5")
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestRunAllowedRejects(t *testing.T) {
	_, err := RunAllowed(context.Background(), time.Second, "rm", "-rf", "/")
	if err == nil || !strings.Contains(err.Error(), "not allowed") {
		t.Fatalf("err = %v, want not-allowed rejection", err)
	}
}

func TestErrStringTruncates(t *testing.T) {
	r := Result{Stderr: []byte(strings.Repeat("x", 10000))}
	if len(r.ErrString()) != 4096 {
		t.Fatalf("len = %d, want 4096", len(r.ErrString()))
	}
}
