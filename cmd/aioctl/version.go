package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/manish-psys/aioctl/internal/compat"
)

// Set via -ldflags at release build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func newVersionCmd() *cobra.Command {
	var ovnVer, ovsVer, neutronVer string
	var showMatrix bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and check OVN/OVS/Neutron compatibility",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Printf("aioctl %s (commit %s, built %s)\n", version, commit, date)

			if !showMatrix && ovnVer == "" {
				return nil
			}
			m, err := compat.Load()
			if err != nil {
				return err
			}
			if showMatrix {
				fmt.Println("supported combinations:")
				for _, c := range m.Combinations {
					fmt.Printf("  OVN %-6s OVS %-5s Neutron %s\n",
						c.OVN, c.OVS, strings.Join(c.Neutron, "/"))
				}
			}
			if ovnVer != "" {
				if err := m.Supported(ovnVer, ovsVer, neutronVer); err != nil {
					return fmt.Errorf("unsupported combination: %w", err)
				}
				fmt.Printf("OVN %s / OVS %s / Neutron %s: supported\n", ovnVer, ovsVer, neutronVer)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showMatrix, "matrix", false, "print the supported version matrix")
	cmd.Flags().StringVar(&ovnVer, "ovn", "", "installed OVN version to check")
	cmd.Flags().StringVar(&ovsVer, "ovs", "", "installed OVS version to check")
	cmd.Flags().StringVar(&neutronVer, "neutron", "", "installed Neutron version to check")
	return cmd
}
