package preflight

import (
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

func testChecker(req Requirements) *Checker {
	c := New(zerolog.Nop(), req)
	c.virtualMemory = func() (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 16 << 30}, nil
	}
	c.cpuCounts = func(bool) (int, error) { return 8, nil }
	c.diskUsage = func(string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Free: 100 << 30}, nil
	}
	c.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	return c
}

func TestRunAllPass(t *testing.T) {
	checks := testChecker(Defaults()).Run()
	if failed := Failed(checks); len(failed) != 0 {
		t.Fatalf("failed = %+v", failed)
	}
	// memory, cpu, disk plus one per binary
	if want := 3 + len(Defaults().Binaries); len(checks) != want {
		t.Fatalf("checks = %d, want %d", len(checks), want)
	}
}

func TestRunReportsAllFailuresAtOnce(t *testing.T) {
	c := testChecker(Defaults())
	c.virtualMemory = func() (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 2 << 30}, nil
	}
	c.lookPath = func(name string) (string, error) {
		if name == "ovn-nbctl" || name == "ovn-sbctl" {
			return "", errors.New("not found")
		}
		return "/usr/bin/" + name, nil
	}
	failed := Failed(c.Run())
	if len(failed) != 3 {
		t.Fatalf("failed = %+v, want memory plus two binaries", failed)
	}
	if failed[0].Name != "memory" || !strings.Contains(failed[0].Detail, "8192 MiB required") {
		t.Fatalf("memory check = %+v", failed[0])
	}
}

func TestProbeErrorFailsCheck(t *testing.T) {
	c := testChecker(Defaults())
	c.diskUsage = func(string) (*disk.UsageStat, error) {
		return nil, errors.New("statfs: permission denied")
	}
	failed := Failed(c.Run())
	if len(failed) != 1 || failed[0].Name != "disk" {
		t.Fatalf("failed = %+v", failed)
	}
	if !strings.Contains(failed[0].Detail, "probe failed") {
		t.Fatalf("detail = %q", failed[0].Detail)
	}
}
