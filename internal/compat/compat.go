// Package compat answers whether an OVN/OVS/Neutron version combination is
// one the deployment plan is known to work against. The matrix is compiled
// in; a node with no network can still be checked.
package compat

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed matrix.yaml
var matrixYAML []byte

type Combination struct {
	OVN     string   `yaml:"ovn"`
	OVS     string   `yaml:"ovs"`
	Neutron []string `yaml:"neutron"`
}

type Matrix struct {
	Combinations []Combination `yaml:"combinations"`
}

// Load parses the embedded matrix. It only fails if the embedded file is
// broken, which is a build defect, not an operator problem.
func Load() (*Matrix, error) {
	var m Matrix
	if err := yaml.Unmarshal(matrixYAML, &m); err != nil {
		return nil, fmt.Errorf("compat matrix: %w", err)
	}
	if len(m.Combinations) == 0 {
		return nil, fmt.Errorf("compat matrix: empty")
	}
	return &m, nil
}

// Lookup returns the combination for an OVN series, matching on the
// major.minor prefix so "23.03.1-3+deb12u1" finds the "23.03" row.
func (m *Matrix) Lookup(ovnVersion string) (Combination, bool) {
	for _, c := range m.Combinations {
		if hasSeriesPrefix(ovnVersion, c.OVN) {
			return c, true
		}
	}
	return Combination{}, false
}

// Supported reports whether the three observed versions form a known-good
// combination.
func (m *Matrix) Supported(ovn, ovs, neutron string) error {
	c, ok := m.Lookup(ovn)
	if !ok {
		return fmt.Errorf("OVN %s is not a supported series", ovn)
	}
	if !hasSeriesPrefix(ovs, c.OVS) {
		return fmt.Errorf("OVN %s requires OVS %s, found %s", c.OVN, c.OVS, ovs)
	}
	for _, n := range c.Neutron {
		if hasSeriesPrefix(neutron, n) {
			return nil
		}
	}
	return fmt.Errorf("OVN %s supports Neutron %s, found %s",
		c.OVN, strings.Join(c.Neutron, "/"), neutron)
}

func hasSeriesPrefix(version, series string) bool {
	if version == series {
		return true
	}
	return strings.HasPrefix(version, series+".") || strings.HasPrefix(version, series+"-")
}
