package execer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Result captures everything a caller needs to decide what a command did.
// Exit codes are never folded into booleans; the caller owns retry policy.
type Result struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

var ErrTimeout = errors.New("command timed out")

// ErrNotAllowed is returned when a command is rejected by the allowlist.
var ErrNotAllowed = errors.New("command not allowed")

// Runner is the invocation seam adapters hold so tests can substitute a fake.
type Runner func(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error)

// Run executes name with args under a scrubbed environment. A non-zero exit
// is reported via both Result.Code and the returned *exec.ExitError; callers
// must not discard it.
func Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	cmd.Env = commandEnv()
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res := Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes(), Code: exitCode(err)}
	if cctx.Err() == context.DeadlineExceeded {
		return res, ErrTimeout
	}
	return res, err
}

// RunAllowed is Run gated by the allowlist. All adapters go through this.
func RunAllowed(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	if !Allowed(name, args) {
		return Result{Code: -1}, fmt.Errorf("%w: %s %s", ErrNotAllowed, name, strings.Join(args, " "))
	}
	return Run(ctx, timeout, name, args...)
}

// commandEnv builds a minimal environment. OS_* authentication variables are
// passed through because the openstack client reads credentials from them.
func commandEnv() []string {
	env := []string{"PATH=/usr/sbin:/usr/bin:/sbin:/bin", "LANG=C", "LC_ALL=C"}
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "OS_") {
			env = append(env, kv)
		}
	}
	return env
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// OutString returns trimmed stdout.
func (r Result) OutString() string { return strings.TrimSpace(string(r.Stdout)) }

// ErrString returns stderr truncated to a size safe to embed in diagnostics.
func (r Result) ErrString() string {
	const max = 4096
	s := strings.TrimSpace(string(r.Stderr))
	if len(s) <= max {
		return s
	}
	return s[:max]
}
