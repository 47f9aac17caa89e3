package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/manish-psys/aioctl/internal/report"
)

func newVerifyCmd(a *app) *cobra.Command {
	var record bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Probe every resource without changing anything",
		Long: `Verify runs the probe side of every step and reports which resources
are in desired state, which have drifted, and which could not be checked.
Exit code 0 means clean, 2 means drift or unknown state was found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.loadPlan()
			if err != nil {
				return err
			}

			started := time.Now()
			results, err := a.runner().Verify(cmd.Context(), p)
			if err != nil {
				return err
			}

			sum := report.New(p.Name, "verify", started, results)
			if record {
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

	cmd.Flags().BoolVar(&record, "record", false, "write this verify pass to the run journal")
	return cmd
}
