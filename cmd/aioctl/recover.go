package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/manish-psys/aioctl/internal/recovery"
)

func newRecoverCmd(a *app) *cobra.Command {
	var strategyFlag, chassis string
	var detectOnly, yes bool

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Diagnose and repair the OVN control plane",
		Long: `Recover probes the known OVN failure signatures (missing chassis,
stalled nb_cfg, empty neutron hash ring, missing drop port group), picks the
least invasive repair that covers them, and runs it. Destructive strategies
ask for confirmation unless --yes is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if chassis == "" {
				chassis = chassisName()
			}
			r := recovery.NewRunner(a.log, chassis, a.cfg.CommandTimeout)

			symptoms, err := r.Detect(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut && detectOnly {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(symptoms)
			}
			if !symptoms.Any() && strategyFlag == "" {
				fmt.Println("no failure signatures detected; nothing to recover")
				return nil
			}

			strategy := recovery.Classify(symptoms)
			if strategyFlag != "" {
				strategy, err = recovery.ParseStrategy(strategyFlag)
				if err != nil {
					return err
				}
			}
			fmt.Printf("symptoms: chassis_missing=%v nb_cfg_stalled=%v hash_ring_empty=%v port_group_missing=%v\n",
				symptoms.ChassisMissing, symptoms.NbCfgStalled, symptoms.HashRingEmpty, symptoms.PortGroupMissing)
			fmt.Printf("strategy: %s\n", strategy)
			if detectOnly {
				return nil
			}

			if strategy.Destructive() && !yes {
				confirmed := false
				prompt := &survey.Confirm{
					Message: fmt.Sprintf("Strategy %q discards state. Continue?", strategy),
				}
				if err := survey.AskOne(prompt, &confirmed); err != nil {
					return err
				}
				if !confirmed {
					return fmt.Errorf("aborted")
				}
			}

			return r.Execute(cmd.Context(), strategy)
		},
	}

	cmd.Flags().StringVar(&strategyFlag, "strategy", "",
		"force a strategy (graceful-restart, database-reinit, full-reset)")
	cmd.Flags().StringVar(&chassis, "chassis", "", "expected chassis system-id (default: hostname)")
	cmd.Flags().BoolVar(&detectOnly, "detect", false, "report symptoms and the chosen strategy, do not repair")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation for destructive strategies")
	return cmd
}
