package ceph

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/manish-psys/aioctl/internal/resource"
	"github.com/manish-psys/aioctl/internal/step"
	"github.com/manish-psys/aioctl/pkg/execer"
)

// Adapter converges Ceph pools, client keyrings and filesystems via the ceph
// CLI. Probes read with `-f json`; nothing here ever parses human output.
type Adapter struct {
	log     zerolog.Logger
	run     execer.Runner
	timeout time.Duration
}

func New(log zerolog.Logger, timeout time.Duration) *Adapter {
	return &Adapter{
		log:     log.With().Str("component", "ceph").Logger(),
		run:     execer.RunAllowed,
		timeout: timeout,
	}
}

func (a *Adapter) Kinds() []resource.Kind {
	return []resource.Kind{resource.KindPool, resource.KindKeyring, resource.KindFS}
}

func (a *Adapter) Probe(ctx context.Context, d resource.Descriptor) (resource.ProbeResult, error) {
	switch d.Kind {
	case resource.KindPool:
		return a.probePool(ctx, d.ID)
	case resource.KindKeyring:
		return a.probeKeyring(ctx, d.ID)
	case resource.KindFS:
		return a.probeFS(ctx, d.ID)
	}
	return resource.ProbeResult{}, fmt.Errorf("ceph: unsupported kind %q", d.Kind)
}

func (a *Adapter) Apply(ctx context.Context, d resource.Descriptor, cur resource.ProbeResult) error {
	switch d.Kind {
	case resource.KindPool:
		return a.applyPool(ctx, d, cur)
	case resource.KindKeyring:
		return a.applyKeyring(ctx, d, cur)
	case resource.KindFS:
		return a.applyFS(ctx, d)
	}
	return fmt.Errorf("ceph: unsupported kind %q", d.Kind)
}

// --- pools ---

func (a *Adapter) probePool(ctx context.Context, name string) (resource.ProbeResult, error) {
	res, err := a.run(ctx, a.timeout, "ceph", "osd", "pool", "ls", "detail", "-f", "json")
	if err != nil {
		a.log.Warn().Err(err).Str("stderr", res.ErrString()).Msg("pool probe failed")
		return resource.ProbeResult{Unknown: true}, err
	}
	pools, err := parsePoolDetail(res.Stdout)
	if err != nil {
		return resource.ProbeResult{Unknown: true}, err
	}
	p, ok := pools[name]
	if !ok {
		return resource.ProbeResult{Exists: false}, nil
	}
	return resource.ProbeResult{Exists: true, Attrs: p}, nil
}

func (a *Adapter) applyPool(ctx context.Context, d resource.Descriptor, cur resource.ProbeResult) error {
	if !cur.Exists {
		pg := d.Attr("pg_num")
		if pg == "" {
			pg = "32"
		}
		if err := a.exec(ctx, d, "ceph", "osd", "pool", "create", d.ID, pg); err != nil {
			return err
		}
	}
	// Correct replication and pg count even when the pool already existed;
	// checking existence but not correctness is exactly the bug this engine
	// exists to remove.
	for _, key := range []string{"size", "pg_num"} {
		want := d.Attr(key)
		if want == "" || (cur.Exists && cur.Attrs[key] == want) {
			continue
		}
		if err := a.exec(ctx, d, "ceph", "osd", "pool", "set", d.ID, key, want); err != nil {
			return err
		}
	}
	if app := d.Attr("application"); app != "" && (!cur.Exists || cur.Attrs["application"] != app) {
		if err := a.exec(ctx, d, "ceph", "osd", "pool", "application", "enable", d.ID, app); err != nil {
			return err
		}
	}
	return nil
}

// parsePoolDetail maps pool name to the attributes the engine compares.
func parsePoolDetail(out []byte) (map[string]map[string]string, error) {
	var pools []struct {
		PoolName            string                     `json:"pool_name"`
		Size                int                        `json:"size"`
		PgNum               int                        `json:"pg_num"`
		ApplicationMetadata map[string]json.RawMessage `json:"application_metadata"`
	}
	if err := json.Unmarshal(out, &pools); err != nil {
		return nil, fmt.Errorf("parse pool detail: %w", err)
	}
	m := make(map[string]map[string]string, len(pools))
	for _, p := range pools {
		attrs := map[string]string{
			"size":   strconv.Itoa(p.Size),
			"pg_num": strconv.Itoa(p.PgNum),
		}
		for app := range p.ApplicationMetadata {
			attrs["application"] = app
		}
		m[p.PoolName] = attrs
	}
	return m, nil
}

// --- keyrings ---

func (a *Adapter) probeKeyring(ctx context.Context, client string) (resource.ProbeResult, error) {
	res, err := a.run(ctx, a.timeout, "ceph", "auth", "get", entityFor(client), "-f", "json")
	if err != nil {
		if res.Code > 0 {
			// Non-zero exit from `auth get` means the entity does not exist.
			return resource.ProbeResult{Exists: false}, nil
		}
		a.log.Warn().Err(err).Msg("keyring probe failed")
		return resource.ProbeResult{Unknown: true}, err
	}
	caps, err := parseAuthCaps(res.Stdout)
	if err != nil {
		return resource.ProbeResult{Unknown: true}, err
	}
	return resource.ProbeResult{Exists: true, Attrs: caps}, nil
}

func (a *Adapter) applyKeyring(ctx context.Context, d resource.Descriptor, cur resource.ProbeResult) error {
	entity := entityFor(d.ID)
	args := []string{"auth"}
	if cur.Exists {
		args = append(args, "caps", entity)
	} else {
		args = append(args, "get-or-create", entity)
	}
	for _, daemon := range []string{"mon", "osd", "mds", "mgr"} {
		if cap := d.Attr("caps." + daemon); cap != "" {
			args = append(args, daemon, cap)
		}
	}
	return a.exec(ctx, d, "ceph", args...)
}

func entityFor(id string) string {
	if strings.Contains(id, ".") {
		return id
	}
	return "client." + id
}

// parseAuthCaps flattens `ceph auth get -f json` caps into caps.<daemon> keys.
func parseAuthCaps(out []byte) (map[string]string, error) {
	var entries []struct {
		Entity string            `json:"entity"`
		Caps   map[string]string `json:"caps"`
	}
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, fmt.Errorf("parse auth caps: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("parse auth caps: empty result")
	}
	attrs := map[string]string{}
	for daemon, cap := range entries[0].Caps {
		attrs["caps."+daemon] = cap
	}
	return attrs, nil
}

// --- filesystems ---

func (a *Adapter) probeFS(ctx context.Context, name string) (resource.ProbeResult, error) {
	res, err := a.run(ctx, a.timeout, "ceph", "fs", "ls", "-f", "json")
	if err != nil {
		a.log.Warn().Err(err).Msg("fs probe failed")
		return resource.ProbeResult{Unknown: true}, err
	}
	systems, err := parseFSList(res.Stdout)
	if err != nil {
		return resource.ProbeResult{Unknown: true}, err
	}
	attrs, ok := systems[name]
	if !ok {
		return resource.ProbeResult{Exists: false}, nil
	}
	return resource.ProbeResult{Exists: true, Attrs: attrs}, nil
}

func (a *Adapter) applyFS(ctx context.Context, d resource.Descriptor) error {
	meta := d.Attr("metadata_pool")
	data := d.Attr("data_pool")
	if meta == "" || data == "" {
		return fmt.Errorf("fs %s: metadata_pool and data_pool attrs are required", d.ID)
	}
	return a.exec(ctx, d, "ceph", "fs", "new", d.ID, meta, data)
}

func parseFSList(out []byte) (map[string]map[string]string, error) {
	var systems []struct {
		Name         string   `json:"name"`
		MetadataPool string   `json:"metadata_pool"`
		DataPools    []string `json:"data_pools"`
	}
	if err := json.Unmarshal(out, &systems); err != nil {
		return nil, fmt.Errorf("parse fs ls: %w", err)
	}
	m := make(map[string]map[string]string, len(systems))
	for _, fs := range systems {
		attrs := map[string]string{"metadata_pool": fs.MetadataPool}
		if len(fs.DataPools) > 0 {
			attrs["data_pool"] = fs.DataPools[0]
		}
		m[fs.Name] = attrs
	}
	return m, nil
}

// exec runs one mutating command and wraps a non-zero exit so stderr reaches
// the report.
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
