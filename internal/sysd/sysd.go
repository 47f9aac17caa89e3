package sysd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/manish-psys/aioctl/internal/resource"
	"github.com/manish-psys/aioctl/internal/step"
	"github.com/manish-psys/aioctl/pkg/execer"
	"github.com/manish-psys/aioctl/pkg/poll"
)

// Adapter converges systemd units. State is read through `systemctl show`
// properties rather than is-active exit codes so a probe can distinguish
// "inactive", "failed" and "no such unit" without guessing.
type Adapter struct {
	log     zerolog.Logger
	run     execer.Runner
	timeout time.Duration
	poll    poll.Config
}

func New(log zerolog.Logger, timeout time.Duration) *Adapter {
	return &Adapter{
		log:     log.With().Str("component", "sysd").Logger(),
		run:     execer.RunAllowed,
		timeout: timeout,
		poll:    poll.Config{Interval: 2 * time.Second, MaxAttempts: 15},
	}
}

func (a *Adapter) Kinds() []resource.Kind {
	return []resource.Kind{resource.KindUnit}
}

// unitName appends .service to bare names; timers and sockets pass through.
func unitName(id string) string {
	if strings.Contains(id, ".") {
		return id
	}
	return id + ".service"
}

func (a *Adapter) Probe(ctx context.Context, d resource.Descriptor) (resource.ProbeResult, error) {
	if d.Kind != resource.KindUnit {
		return resource.ProbeResult{}, fmt.Errorf("sysd: unsupported kind %q", d.Kind)
	}
	unit := unitName(d.ID)
	res, err := a.run(ctx, a.timeout, "systemctl", "show", unit,
		"-p", "LoadState", "-p", "ActiveState", "-p", "UnitFileState")
	if err != nil {
		a.log.Warn().Err(err).Str("unit", unit).Msg("unit probe failed")
		return resource.ProbeResult{Unknown: true}, err
	}
	props := parseProperties(res.OutString())
	if props["LoadState"] == "not-found" {
		return resource.ProbeResult{Exists: false}, nil
	}
	attrs := map[string]string{
		"active": props["ActiveState"],
	}
	if ufs := props["UnitFileState"]; ufs != "" {
		attrs["enabled"] = ufs
	}
	return resource.ProbeResult{Exists: true, Attrs: attrs}, nil
}

func (a *Adapter) Apply(ctx context.Context, d resource.Descriptor, cur resource.ProbeResult) error {
	if d.Kind != resource.KindUnit {
		return fmt.Errorf("sysd: unsupported kind %q", d.Kind)
	}
	unit := unitName(d.ID)
	if !cur.Exists {
		return &step.ActionError{
			Desc: d,
			Err:  fmt.Errorf("unit %s is not installed; package installation is out of scope here", unit),
		}
	}
	if d.Attr("enabled") == "enabled" && cur.Attrs["enabled"] != "enabled" {
		if err := a.exec(ctx, d, "systemctl", "enable", unit); err != nil {
			return err
		}
	}
	if d.Attr("active") == "active" && cur.Attrs["active"] != "active" {
		// A failed unit needs restart; start on a failed unit is a no-op that
		// would pass silently and fail verification later.
		verb := "start"
		if cur.Attrs["active"] == "failed" {
			verb = "restart"
		}
		if err := a.exec(ctx, d, "systemctl", verb, unit); err != nil {
			return err
		}
		if err := a.waitActive(ctx, unit); err != nil {
			return &step.ActionError{Desc: d, Cmd: "systemctl " + verb + " " + unit, Err: err}
		}
	}
	return nil
}

// waitActive blocks until the unit reports ActiveState=active. Units with
// long ExecStartPre chains (mariadb bootstrap, ovn-northd) return from start
// before they are actually up.
func (a *Adapter) waitActive(ctx context.Context, unit string) error {
	return poll.Until(ctx, a.poll, func(ctx context.Context) (bool, error) {
		res, err := a.run(ctx, a.timeout, "systemctl", "show", unit, "-p", "ActiveState")
		if err != nil {
			return false, err
		}
		props := parseProperties(res.OutString())
		if props["ActiveState"] == "failed" {
			return false, fmt.Errorf("unit %s entered failed state", unit)
		}
		return props["ActiveState"] == "active", nil
	})
}

// parseProperties parses `systemctl show` KEY=VALUE lines.
func parseProperties(out string) map[string]string {
	props := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		kv := strings.SplitN(strings.TrimSpace(line), "=", 2)
		if len(kv) == 2 && kv[0] != "" {
			props[kv[0]] = kv[1]
		}
	}
	return props
}

func (a *Adapter) exec(ctx context.Context, d resource.Descriptor, name string, args ...string) error {
	res, err := a.run(ctx, a.timeout, name, args...)
	if err != nil {
		return &step.ActionError{
			Desc:   d,
			Cmd:    name + " " + strings.Join(args, " "),
			Code:   res.Code,
			Stderr: res.ErrString(),
			Err:    err,
		}
	}
	return nil
}
