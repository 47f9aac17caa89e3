// Package preflight checks that a node can plausibly host the all-in-one
// deployment before any plan step runs. An apply that dies halfway because
// the disk filled is far more expensive than refusing to start.
package preflight

import (
	"fmt"
	"os/exec"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Requirements for the default all-in-one footprint: Ceph mon+osd, MariaDB,
// Keystone plus the core services, and the OVN control plane on one host.
type Requirements struct {
	MinMemoryMiB uint64
	MinCPUs      int
	MinDiskGiB   uint64
	DiskPath     string
	Binaries     []string
}

func Defaults() Requirements {
	return Requirements{
		MinMemoryMiB: 8192,
		MinCPUs:      4,
		MinDiskGiB:   40,
		DiskPath:     "/var/lib",
		Binaries: []string{
			"ceph", "openstack", "mysql",
			"ovs-vsctl", "ovn-nbctl", "ovn-sbctl", "systemctl",
		},
	}
}

// Check is one named preflight result.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

type Checker struct {
	log zerolog.Logger
	req Requirements

	// host probes, swappable for tests
	virtualMemory func() (*mem.VirtualMemoryStat, error)
	cpuCounts     func(logical bool) (int, error)
	diskUsage     func(path string) (*disk.UsageStat, error)
	lookPath      func(file string) (string, error)
}

func New(log zerolog.Logger, req Requirements) *Checker {
	return &Checker{
		log:           log.With().Str("component", "preflight").Logger(),
		req:           req,
		virtualMemory: mem.VirtualMemory,
		cpuCounts:     cpu.Counts,
		diskUsage:     disk.Usage,
		lookPath:      exec.LookPath,
	}
}

// Run executes every check and returns all of them; it never stops at the
// first failure so the operator sees the full list in one pass.
func (c *Checker) Run() []Check {
	checks := []Check{c.memory(), c.cpus(), c.disk()}
	for _, bin := range c.req.Binaries {
		checks = append(checks, c.binary(bin))
	}
	for _, ch := range checks {
		if !ch.OK {
			c.log.Warn().Str("check", ch.Name).Str("detail", ch.Detail).Msg("preflight check failed")
		}
	}
	return checks
}

// Failed filters to the checks that did not pass.
func Failed(checks []Check) []Check {
	var out []Check
	for _, ch := range checks {
		if !ch.OK {
			out = append(out, ch)
		}
	}
	return out
}

func (c *Checker) memory() Check {
	vm, err := c.virtualMemory()
	if err != nil {
		return Check{Name: "memory", Detail: fmt.Sprintf("probe failed: %v", err)}
	}
	totalMiB := vm.Total / (1 << 20)
	return Check{
		Name:   "memory",
		OK:     totalMiB >= c.req.MinMemoryMiB,
		Detail: fmt.Sprintf("%d MiB present, %d MiB required", totalMiB, c.req.MinMemoryMiB),
	}
}

func (c *Checker) cpus() Check {
	n, err := c.cpuCounts(true)
	if err != nil {
		return Check{Name: "cpu", Detail: fmt.Sprintf("probe failed: %v", err)}
	}
	return Check{
		Name:   "cpu",
		OK:     n >= c.req.MinCPUs,
		Detail: fmt.Sprintf("%d logical CPUs present, %d required", n, c.req.MinCPUs),
	}
}

func (c *Checker) disk() Check {
	u, err := c.diskUsage(c.req.DiskPath)
	if err != nil {
		return Check{Name: "disk", Detail: fmt.Sprintf("probe failed: %v", err)}
	}
	freeGiB := u.Free / (1 << 30)
	return Check{
		Name:   "disk",
		OK:     freeGiB >= c.req.MinDiskGiB,
		Detail: fmt.Sprintf("%d GiB free on %s, %d GiB required", freeGiB, c.req.DiskPath, c.req.MinDiskGiB),
	}
}

func (c *Checker) binary(name string) Check {
	path, err := c.lookPath(name)
	if err != nil {
		return Check{Name: "binary:" + name, Detail: "not found in PATH"}
	}
	return Check{Name: "binary:" + name, OK: true, Detail: path}
}
