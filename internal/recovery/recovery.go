// Package recovery diagnoses and repairs the known OVN control-plane failure
// modes on an all-in-one node: a chassis that fell out of the southbound
// database, a stalled nb_cfg sequence, an empty neutron hash ring, and a
// missing default drop port group. Each strategy is an explicit ordered
// procedure; nothing here guesses and nothing runs twice because a command
// "probably" failed.
package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/manish-psys/aioctl/pkg/execer"
	"github.com/manish-psys/aioctl/pkg/poll"
)

// Strategy names one repair procedure, ordered from least to most invasive.
type Strategy string

const (
	// StrategyGracefulRestart restarts ovn-controller and ovn-northd and
	// waits for the chassis to re-register. No state is destroyed.
	StrategyGracefulRestart Strategy = "graceful-restart"
	// StrategyDatabaseReinit clears stale chassis rows and restarts
	// neutron-server so it rebuilds its hash ring and port groups.
	StrategyDatabaseReinit Strategy = "database-reinit"
	// StrategyFullReset deletes the OVN databases and rebuilds them from
	// scratch. Last resort; networking is down until reconciliation.
	StrategyFullReset Strategy = "full-reset"
)

// Destructive reports whether a strategy discards state. The CLI demands
// explicit confirmation before running one of these.
func (s Strategy) Destructive() bool {
	return s == StrategyDatabaseReinit || s == StrategyFullReset
}

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyGracefulRestart, StrategyDatabaseReinit, StrategyFullReset:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Symptoms is the observed failure signature.
type Symptoms struct {
	ChassisMissing   bool `json:"chassis_missing"`
	NbCfgStalled     bool `json:"nb_cfg_stalled"`
	HashRingEmpty    bool `json:"hash_ring_empty"`
	PortGroupMissing bool `json:"port_group_missing"`
}

func (s Symptoms) Any() bool {
	return s.ChassisMissing || s.NbCfgStalled || s.HashRingEmpty || s.PortGroupMissing
}

// Classify picks the least invasive strategy that covers the observed
// symptoms. Control-plane symptoms alone warrant a restart; neutron-side
// symptoms need the database procedure; both together mean the databases
// and the daemons disagree and only a full reset reconciles them.
func Classify(s Symptoms) Strategy {
	controlPlane := s.ChassisMissing || s.NbCfgStalled
	neutronSide := s.HashRingEmpty || s.PortGroupMissing
	switch {
	case controlPlane && neutronSide:
		return StrategyFullReset
	case neutronSide:
		return StrategyDatabaseReinit
	default:
		return StrategyGracefulRestart
	}
}

// Runner executes recovery procedures.
type Runner struct {
	log     zerolog.Logger
	run     execer.Runner
	timeout time.Duration
	poll    poll.Config

	// Chassis is the system-id expected in the southbound database.
	Chassis string
	// DBDir holds the OVN database files removed by a full reset.
	DBDir string

	removeFile func(path string) error
}

func NewRunner(log zerolog.Logger, chassis string, timeout time.Duration) *Runner {
	return &Runner{
		log:        log.With().Str("component", "recovery").Logger(),
		run:        execer.RunAllowed,
		timeout:    timeout,
		poll:       poll.Config{Interval: 2 * time.Second, MaxAttempts: 30},
		Chassis:    chassis,
		DBDir:      "/var/lib/ovn",
		removeFile: os.Remove,
	}
}

// Detect probes the four failure signatures. A probe that cannot run is an
// error, not a symptom; recovery must never trigger on a broken probe.
func (r *Runner) Detect(ctx context.Context) (Symptoms, error) {
	var s Symptoms

	registered, err := r.chassisRegistered(ctx)
	if err != nil {
		return s, fmt.Errorf("chassis probe: %w", err)
	}
	s.ChassisMissing = !registered

	stalled, err := r.nbCfgStalled(ctx)
	if err != nil {
		return s, fmt.Errorf("nb_cfg probe: %w", err)
	}
	s.NbCfgStalled = stalled

	count, err := r.hashRingCount(ctx)
	if err != nil {
		return s, fmt.Errorf("hash ring probe: %w", err)
	}
	s.HashRingEmpty = count == 0

	present, err := r.dropPortGroupPresent(ctx)
	if err != nil {
		return s, fmt.Errorf("port group probe: %w", err)
	}
	s.PortGroupMissing = !present

	return s, nil
}

// Execute runs one strategy end to end and verifies the chassis came back.
func (r *Runner) Execute(ctx context.Context, strategy Strategy) error {
	r.log.Info().Str("strategy", string(strategy)).Bool("destructive", strategy.Destructive()).
		Msg("running recovery")

	switch strategy {
	case StrategyGracefulRestart:
		if err := r.restart(ctx, "ovn-controller", "ovn-northd"); err != nil {
			return err
		}
	case StrategyDatabaseReinit:
		if err := r.clearStaleChassis(ctx); err != nil {
			return err
		}
		if err := r.restart(ctx, "ovn-northd", "neutron-server", "ovn-controller"); err != nil {
			return err
		}
	case StrategyFullReset:
		if err := r.stop(ctx, "neutron-server", "ovn-controller", "ovn-northd"); err != nil {
			return err
		}
		for _, db := range []string{"ovnnb_db.db", "ovnsb_db.db"} {
			path := filepath.Join(r.DBDir, db)
			if err := r.removeFile(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", path, err)
			}
			r.log.Warn().Str("db", path).Msg("database removed")
		}
		if err := r.restart(ctx, "ovn-northd", "ovn-controller", "neutron-server"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown strategy %q", strategy)
	}

	err := poll.Until(ctx, r.poll, func(ctx context.Context) (bool, error) {
		return r.chassisRegistered(ctx)
	})
	if err != nil {
		return fmt.Errorf("chassis %s did not re-register after %s: %w", r.Chassis, strategy, err)
	}
	r.log.Info().Str("strategy", string(strategy)).Msg("recovery complete")
	return nil
}

func (r *Runner) restart(ctx context.Context, units ...string) error {
	for _, u := range units {
		if err := r.systemctl(ctx, "restart", u); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) stop(ctx context.Context, units ...string) error {
	for _, u := range units {
		if err := r.systemctl(ctx, "stop", u); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) systemctl(ctx context.Context, verb, unit string) error {
	res, err := r.run(ctx, r.timeout, "systemctl", verb, unit+".service")
	if err != nil {
		return fmt.Errorf("systemctl %s %s: %w: %s", verb, unit, err, res.ErrString())
	}
	return nil
}

func (r *Runner) chassisRegistered(ctx context.Context) (bool, error) {
	res, err := r.run(ctx, r.timeout, "ovn-sbctl", "--format=csv", "--no-headings",
		"--columns=name", "list", "Chassis")
	if err != nil {
		return false, fmt.Errorf("%w: %s", err, res.ErrString())
	}
	for _, line := range strings.Split(res.OutString(), "\n") {
		if strings.TrimSpace(line) == r.Chassis {
			return true, nil
		}
	}
	return false, nil
}

// nbCfgStalled compares the sequence number northd last wrote against the
// one the hypervisors last acknowledged. A gap means ovn-controller stopped
// consuming updates.
func (r *Runner) nbCfgStalled(ctx context.Context) (bool, error) {
	nb, err := r.getNBGlobal(ctx, "nb_cfg")
	if err != nil {
		return false, err
	}
	hv, err := r.getNBGlobal(ctx, "hv_cfg")
	if err != nil {
		return false, err
	}
	return nb > hv, nil
}

func (r *Runner) getNBGlobal(ctx context.Context, column string) (int64, error) {
	res, err := r.run(ctx, r.timeout, "ovn-nbctl", "get", "NB_Global", ".", column)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", err, res.ErrString())
	}
	n, err := strconv.ParseInt(strings.TrimSpace(res.OutString()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", column, err)
	}
	return n, nil
}

func (r *Runner) hashRingCount(ctx context.Context) (int64, error) {
	res, err := r.run(ctx, r.timeout, "mysql", "-N", "-B",
		"-e", "SELECT COUNT(*) FROM ovn_hash_ring", "neutron")
	if err != nil {
		return 0, fmt.Errorf("%w: %s", err, res.ErrString())
	}
	n, err := strconv.ParseInt(strings.TrimSpace(res.OutString()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse hash ring count: %w", err)
	}
	return n, nil
}

// dropPortGroupPresent checks for neutron_pg_drop, the default-deny group
// neutron creates on first sync. Its absence means the northbound database
// lost neutron's objects.
func (r *Runner) dropPortGroupPresent(ctx context.Context) (bool, error) {
	res, err := r.run(ctx, r.timeout, "ovn-nbctl", "--no-headings", "--columns=name",
		"find", "Port_Group", "name=neutron_pg_drop")
	if err != nil {
		return false, fmt.Errorf("%w: %s", err, res.ErrString())
	}
	return strings.TrimSpace(res.OutString()) != "", nil
}

// clearStaleChassis deletes every chassis row except ours. On a single-node
// deployment any other row is leftover from a reinstall or hostname change.
func (r *Runner) clearStaleChassis(ctx context.Context) error {
	res, err := r.run(ctx, r.timeout, "ovn-sbctl", "--format=csv", "--no-headings",
		"--columns=name", "list", "Chassis")
	if err != nil {
		return fmt.Errorf("list chassis: %w: %s", err, res.ErrString())
	}
	for _, line := range strings.Split(res.OutString(), "\n") {
		name := strings.TrimSpace(line)
		if name == "" || name == r.Chassis {
			continue
		}
		r.log.Warn().Str("chassis", name).Msg("deleting stale chassis")
		if cres, err := r.run(ctx, r.timeout, "ovn-sbctl", "chassis-del", name); err != nil {
			return fmt.Errorf("chassis-del %s: %w: %s", name, err, cres.ErrString())
		}
	}
	return nil
}
