package keystone

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/manish-psys/aioctl/internal/resource"
	"github.com/manish-psys/aioctl/internal/step"
	"github.com/manish-psys/aioctl/pkg/execer"
)

// Adapter converges the Keystone service catalog: services, endpoints, users
// and role assignments, via the openstack CLI with `-f json` output.
// Credentials come from the OS_* environment the CLI already understands.
type Adapter struct {
	log     zerolog.Logger
	run     execer.Runner
	timeout time.Duration
}

func New(log zerolog.Logger, timeout time.Duration) *Adapter {
	return &Adapter{
		log:     log.With().Str("component", "keystone").Logger(),
		run:     execer.RunAllowed,
		timeout: timeout,
	}
}

func (a *Adapter) Kinds() []resource.Kind {
	return []resource.Kind{
		resource.KindService, resource.KindEndpoint,
		resource.KindUser, resource.KindRoleAssignment,
	}
}

func (a *Adapter) Probe(ctx context.Context, d resource.Descriptor) (resource.ProbeResult, error) {
	switch d.Kind {
	case resource.KindService:
		return a.probeService(ctx, d)
	case resource.KindEndpoint:
		return a.probeEndpoint(ctx, d)
	case resource.KindUser:
		return a.probeUser(ctx, d)
	case resource.KindRoleAssignment:
		return a.probeRoleAssignment(ctx, d)
	}
	return resource.ProbeResult{}, fmt.Errorf("keystone: unsupported kind %q", d.Kind)
}

func (a *Adapter) Apply(ctx context.Context, d resource.Descriptor, cur resource.ProbeResult) error {
	switch d.Kind {
	case resource.KindService:
		if cur.Exists {
			// Keystone happily stores a second service with the same name;
			// a drifted row is corrected in place, never re-created.
			return a.exec(ctx, d, "service", "set", "--type", d.Attr("type"), d.ID)
		}
		return a.exec(ctx, d, "service", "create", "--name", d.ID, d.Attr("type"))
	case resource.KindEndpoint:
		svc, iface, err := splitEndpointID(d.ID)
		if err != nil {
			return err
		}
		region := d.Attr("region")
		if region == "" {
			region = "RegionOne"
		}
		if cur.Exists {
			id := cur.Attrs["id"]
			if id == "" {
				return fmt.Errorf("endpoint %s exists but probe carried no id", d.ID)
			}
			return a.exec(ctx, d, "endpoint", "set", "--region", region, "--url", d.Attr("url"), id)
		}
		return a.exec(ctx, d, "endpoint", "create", "--region", region, svc, iface, d.Attr("url"))
	case resource.KindUser:
		args := []string{"user", "create", "--domain", domainOr(d, "default")}
		if pw := d.Attr("password"); pw != "" {
			args = append(args, "--password", pw)
		}
		if cur.Exists {
			// Wrong domain or disabled user: user set converges in place.
			args = []string{"user", "set", d.ID, "--enable"}
			return a.exec(ctx, d, args...)
		}
		return a.exec(ctx, d, append(args, d.ID)...)
	case resource.KindRoleAssignment:
		user, role, project, err := splitAssignmentID(d.ID)
		if err != nil {
			return err
		}
		return a.exec(ctx, d, "role", "add", "--user", user, "--project", project, role)
	}
	return fmt.Errorf("keystone: unsupported kind %q", d.Kind)
}

func (a *Adapter) probeService(ctx context.Context, d resource.Descriptor) (resource.ProbeResult, error) {
	res, err := a.run(ctx, a.timeout, "openstack", "service", "list", "-f", "json")
	if err != nil {
		a.log.Warn().Err(err).Str("stderr", res.ErrString()).Msg("service probe failed")
		return resource.ProbeResult{Unknown: true}, err
	}
	services, err := parseNameRows(res.Stdout, "Name")
	if err != nil {
		return resource.ProbeResult{Unknown: true}, err
	}
	row, ok := services[d.ID]
	if !ok {
		return resource.ProbeResult{Exists: false}, nil
	}
	return resource.ProbeResult{Exists: true, Attrs: map[string]string{"type": row["Type"]}}, nil
}

func (a *Adapter) probeEndpoint(ctx context.Context, d resource.Descriptor) (resource.ProbeResult, error) {
	svc, iface, err := splitEndpointID(d.ID)
	if err != nil {
		return resource.ProbeResult{}, err
	}
	res, err := a.run(ctx, a.timeout, "openstack", "endpoint", "list", "--service", svc, "-f", "json")
	if err != nil {
		// An unknown service makes endpoint list exit non-zero; that means
		// the endpoint cannot exist yet.
		if res.Code > 0 && strings.Contains(res.ErrString(), "No service") {
			return resource.ProbeResult{Exists: false}, nil
		}
		a.log.Warn().Err(err).Msg("endpoint probe failed")
		return resource.ProbeResult{Unknown: true}, err
	}
	var rows []struct {
		ID        string `json:"ID"`
		Interface string `json:"Interface"`
		URL       string `json:"URL"`
		Region    string `json:"Region"`
		Enabled   bool   `json:"Enabled"`
	}
	if err := json.Unmarshal(res.Stdout, &rows); err != nil {
		return resource.ProbeResult{Unknown: true}, fmt.Errorf("parse endpoint list: %w", err)
	}
	for _, r := range rows {
		if r.Interface == iface {
			// The row id rides along so apply can correct the endpoint
			// in place.
			return resource.ProbeResult{Exists: true, Attrs: map[string]string{
				"id":     r.ID,
				"url":    r.URL,
				"region": r.Region,
			}}, nil
		}
	}
	return resource.ProbeResult{Exists: false}, nil
}

func (a *Adapter) probeUser(ctx context.Context, d resource.Descriptor) (resource.ProbeResult, error) {
	res, err := a.run(ctx, a.timeout, "openstack", "user", "list", "--domain", domainOr(d, "default"), "-f", "json")
	if err != nil {
		a.log.Warn().Err(err).Msg("user probe failed")
		return resource.ProbeResult{Unknown: true}, err
	}
	users, err := parseNameRows(res.Stdout, "Name")
	if err != nil {
		return resource.ProbeResult{Unknown: true}, err
	}
	if _, ok := users[d.ID]; !ok {
		return resource.ProbeResult{Exists: false}, nil
	}
	// Password cannot be read back; probing asserts presence only.
	return resource.ProbeResult{Exists: true, Attrs: map[string]string{}}, nil
}

func (a *Adapter) probeRoleAssignment(ctx context.Context, d resource.Descriptor) (resource.ProbeResult, error) {
	user, role, project, err := splitAssignmentID(d.ID)
	if err != nil {
		return resource.ProbeResult{}, err
	}
	res, err := a.run(ctx, a.timeout, "openstack", "role", "assignment", "list",
		"--user", user, "--project", project, "--names", "-f", "json")
	if err != nil {
		a.log.Warn().Err(err).Msg("role assignment probe failed")
		return resource.ProbeResult{Unknown: true}, err
	}
	var rows []struct {
		Role string `json:"Role"`
	}
	if err := json.Unmarshal(res.Stdout, &rows); err != nil {
		return resource.ProbeResult{Unknown: true}, fmt.Errorf("parse role assignment list: %w", err)
	}
	for _, r := range rows {
		if r.Role == role {
			return resource.ProbeResult{Exists: true, Attrs: map[string]string{}}, nil
		}
	}
	return resource.ProbeResult{Exists: false}, nil
}

// splitEndpointID parses "glance/public" style endpoint identities.
func splitEndpointID(id string) (service, iface string, err error) {
	parts := strings.Split(id, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("endpoint id %q must be service/interface", id)
	}
	switch parts[1] {
	case "public", "internal", "admin":
		return parts[0], parts[1], nil
	}
	return "", "", fmt.Errorf("endpoint id %q: interface must be public, internal or admin", id)
}

// splitAssignmentID parses "cinder:admin@service" as user:role@project.
func splitAssignmentID(id string) (user, role, project string, err error) {
	at := strings.Split(id, "@")
	if len(at) != 2 || at[1] == "" {
		return "", "", "", fmt.Errorf("role assignment id %q must be user:role@project", id)
	}
	ur := strings.Split(at[0], ":")
	if len(ur) != 2 || ur[0] == "" || ur[1] == "" {
		return "", "", "", fmt.Errorf("role assignment id %q must be user:role@project", id)
	}
	return ur[0], ur[1], at[1], nil
}

func domainOr(d resource.Descriptor, def string) string {
	if v := d.Attr("domain"); v != "" {
		return v
	}
	return def
}

// parseNameRows indexes a `-f json` table by the given name column, keeping
// the remaining string columns for attribute comparison.
func parseNameRows(out []byte, nameCol string) (map[string]map[string]string, error) {
	var rows []map[string]any
	if err := json.Unmarshal(out, &rows); err != nil {
		return nil, fmt.Errorf("parse list output: %w", err)
	}
	m := make(map[string]map[string]string, len(rows))
	for _, row := range rows {
		name, _ := row[nameCol].(string)
		if name == "" {
			continue
		}
		attrs := map[string]string{}
		for k, v := range row {
			if s, ok := v.(string); ok && k != nameCol {
				attrs[k] = s
			}
		}
		m[name] = attrs
	}
	return m, nil
}

func (a *Adapter) exec(ctx context.Context, d resource.Descriptor, args ...string) error {
	res, err := a.run(ctx, a.timeout, "openstack", args...)
	if err != nil {
		return &step.ActionError{
			Desc:   d,
			Cmd:    "openstack " + strings.Join(args, " "),
			Code:   res.Code,
			Stderr: res.ErrString(),
			Err:    err,
		}
	}
	return nil
}
