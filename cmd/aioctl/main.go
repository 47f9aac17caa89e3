// Command aioctl converges an all-in-one OpenStack node (Ceph, MariaDB,
// Keystone, OVN, systemd units and service configs) toward a declared plan,
// verifies it, and recovers the OVN control plane from its known failure
// modes.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/manish-psys/aioctl/internal/ceph"
	"github.com/manish-psys/aioctl/internal/config"
	"github.com/manish-psys/aioctl/internal/iniconf"
	"github.com/manish-psys/aioctl/internal/keystone"
	"github.com/manish-psys/aioctl/internal/maria"
	"github.com/manish-psys/aioctl/internal/ovn"
	"github.com/manish-psys/aioctl/internal/plan"
	"github.com/manish-psys/aioctl/internal/planfile"
	"github.com/manish-psys/aioctl/internal/step"
	"github.com/manish-psys/aioctl/internal/sysd"
)

func main() {
	app := &app{}
	root := newRootCmd(app)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "aioctl:", err)
		os.Exit(1)
	}
	os.Exit(app.exitCode)
}

// app carries resolved configuration and the process exit code across
// subcommands.
type app struct {
	cfg      config.Config
	log      zerolog.Logger
	jsonOut  bool
	exitCode int
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "aioctl",
		Short:         "Declarative convergence for all-in-one OpenStack nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.resolve(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringP("plan", "f", "", "plan file (default /etc/aioctl/plan.yaml)")
	pf.String("lock-dir", "", "directory for per-backend lock files")
	pf.String("state-dir", "", "directory for the run journal")
	pf.Duration("timeout", 0, "per-command timeout for external tools")
	pf.String("log-level", "", "log level (trace, debug, info, warn, error)")
	pf.BoolVar(&a.jsonOut, "json", false, "emit machine-readable output")

	root.AddCommand(
		newApplyCmd(a),
		newVerifyCmd(a),
		newStatusCmd(a),
		newRecoverCmd(a),
		newWatchCmd(a),
		newVersionCmd(),
	)
	return root
}

// resolve merges configuration: built-in defaults, then AIOCTL_* environment,
// then /etc/aioctl/config.yaml if present, then flags.
func (a *app) resolve(cmd *cobra.Command) error {
	a.cfg = config.FromEnv()

	v := viper.New()
	v.SetConfigFile(filepath.Join("/etc/aioctl", "config.yaml"))
	if err := v.ReadInConfig(); err == nil {
		if s := v.GetString("plan"); s != "" {
			a.cfg.PlanPath = s
		}
		if s := v.GetString("lock_dir"); s != "" {
			a.cfg.LockDir = s
		}
		if s := v.GetString("state_dir"); s != "" {
			a.cfg.StateDir = s
		}
		if d := v.GetDuration("timeout"); d > 0 {
			a.cfg.CommandTimeout = d
		}
		if s := v.GetString("log_level"); s != "" {
			if l, err := zerolog.ParseLevel(s); err == nil {
				a.cfg.LogLevel = l
			}
		}
	}

	flags := cmd.Flags()
	if s, _ := flags.GetString("plan"); s != "" {
		a.cfg.PlanPath = s
	}
	if s, _ := flags.GetString("lock-dir"); s != "" {
		a.cfg.LockDir = s
	}
	if s, _ := flags.GetString("state-dir"); s != "" {
		a.cfg.StateDir = s
	}
	if d, _ := flags.GetDuration("timeout"); d > 0 {
		a.cfg.CommandTimeout = d
	}
	if s, _ := flags.GetString("log-level"); s != "" {
		l, err := zerolog.ParseLevel(s)
		if err != nil {
			return fmt.Errorf("bad log level %q", s)
		}
		a.cfg.LogLevel = l
	}

	a.log = config.Logger(a.cfg)
	return nil
}

func (a *app) loadPlan() (*plan.Plan, error) {
	return planfile.Load(a.cfg.PlanPath)
}

func (a *app) registry() step.Registry {
	reg := step.Registry{}
	timeout := a.cfg.CommandTimeout
	reg.Register(ceph.New(a.log, timeout))
	reg.Register(maria.New(a.log, timeout))
	reg.Register(keystone.New(a.log, timeout))
	reg.Register(ovn.New(a.log, timeout))
	reg.Register(sysd.New(a.log, timeout))
	reg.Register(iniconf.New(a.log, timeout))
	return reg
}

func (a *app) runner() *plan.Runner {
	return plan.NewRunner(a.registry(), a.cfg.LockDir, a.log)
}

func (a *app) journalPath() string {
	return filepath.Join(a.cfg.StateDir, "journal.db")
}

func chassisName() string {
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "localhost"
}
