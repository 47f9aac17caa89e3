package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/manish-psys/aioctl/internal/journal"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the most recent recorded run",
		Long: `Status reads the local run journal and prints what the last apply or
recorded verify found. It never probes the node; use verify for live state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.loadPlan()
			if err != nil {
				return err
			}
			j, err := journal.Open(a.journalPath())
			if err != nil {
				return err
			}
			defer j.Close()

			run, steps, err := j.LastRun(p.Name)
			if errors.Is(err, journal.ErrNoRuns) {
				fmt.Printf("no recorded runs for plan %q\n", p.Name)
				return nil
			}
			if err != nil {
				return err
			}

			if a.jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Run   journal.Run          `json:"run"`
					Steps []journal.StepRecord `json:"steps"`
				}{run, steps})
			}

			verdict := color.GreenString("clean")
			switch run.ExitCode {
			case 1:
				verdict = color.RedString("failed")
			case 2:
				verdict = color.YellowString("drifted")
			}
			fmt.Printf("plan %s: last %s at %s: %s\n",
				run.Plan, run.Mode, run.Finished.Local().Format("2006-01-02 15:04:05"), verdict)
			for _, s := range steps {
				line := fmt.Sprintf("  %-10s %-28s %s", s.Status, s.Step, s.Resource)
				if s.Error != "" {
					line += "  " + s.Error
				}
				fmt.Println(line)
			}
			a.exitCode = run.ExitCode
			return nil
		},
	}
}
