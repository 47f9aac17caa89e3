package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/manish-psys/aioctl/internal/journal"
	"github.com/manish-psys/aioctl/internal/plan"
	"github.com/manish-psys/aioctl/internal/preflight"
	"github.com/manish-psys/aioctl/internal/report"
	"github.com/manish-psys/aioctl/internal/resource"
	"github.com/manish-psys/aioctl/internal/state"
)

func newApplyCmd(a *app) *cobra.Command {
	var bestEffort, skipPreflight, dryRun bool
	var only string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Converge the node toward the plan",
		Long: `Apply probes every declared resource, issues the minimal correcting
action for each one that is absent or wrong, and re-probes to confirm the
action worked. Steps whose prerequisites did not reach desired state are
skipped, never guessed at.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !skipPreflight && !dryRun {
				checks := preflight.New(a.log, preflight.Defaults()).Run()
				if failed := preflight.Failed(checks); len(failed) > 0 {
					for _, ch := range failed {
						fmt.Fprintf(os.Stderr, "preflight %s: %s\n", ch.Name, ch.Detail)
					}
					return fmt.Errorf("%d preflight check(s) failed", len(failed))
				}
			}

			p, err := a.loadPlan()
			if err != nil {
				return err
			}
			if only != "" {
				kinds, err := parseKinds(only)
				if err != nil {
					return err
				}
				p = p.Filter(kinds)
				if len(p.Steps) == 0 {
					return fmt.Errorf("no plan steps match --only %s", only)
				}
			}

			runner := a.runner()
			if bestEffort {
				runner.Policy = plan.BestEffort
			}

			var bar *progressbar.ProgressBar
			if !a.jsonOut {
				bar = progressbar.NewOptions(len(p.Steps),
					progressbar.OptionSetDescription("applying "+p.Name),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionShowCount(),
					progressbar.OptionClearOnFinish(),
				)
				runner.OnStep = func(plan.Result) { bar.Add(1) }
			}

			mode := "apply"
			started := time.Now()
			var results []plan.Result
			if dryRun {
				mode = "dry-run"
				results, err = runner.Verify(cmd.Context(), p)
			} else {
				results, err = runner.Apply(cmd.Context(), p)
			}
			if bar != nil {
				bar.Finish()
			}
			if err != nil {
				return err
			}

			sum := report.New(p.Name, mode, started, results)
			if !dryRun {
				if err := recordRun(a, sum); err != nil {
					a.log.Warn().Err(err).Msg("run not journaled")
				}
			}

			if a.jsonOut {
				if err := sum.JSON(os.Stdout); err != nil {
					return err
				}
			} else {
				sum.Render(os.Stdout)
			}
			a.exitCode = sum.ExitCode()
			return nil
		},
	}

	cmd.Flags().BoolVar(&bestEffort, "best-effort", false,
		"keep converging independent steps after a failure")
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false,
		"skip host resource and binary checks")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"probe only and report what would change")
	cmd.Flags().StringVar(&only, "only", "",
		"comma-separated resource kinds to converge (e.g. pool,unit)")
	return cmd
}

func parseKinds(list string) ([]resource.Kind, error) {
	var kinds []resource.Kind
	for _, s := range strings.Split(list, ",") {
		k := resource.Kind(strings.TrimSpace(s))
		if !k.Valid() {
			return nil, fmt.Errorf("unknown resource kind %q", k)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func recordRun(a *app, sum *report.Summary) error {
	j, err := journal.Open(a.journalPath())
	if err != nil {
		return err
	}
	defer j.Close()
	if err := j.Record(uuid.NewString(), sum); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := sum.JSON(&buf); err != nil {
		return err
	}
	return state.WriteFileAtomic(filepath.Join(a.cfg.StateDir, "last-run.json"), buf.Bytes(), 0o640)
}
