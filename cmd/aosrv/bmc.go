//go:build bmc

package main

import (
	"github.jpl.nasa.gov/bdube/shao/bmc"
	"github.jpl.nasa.gov/bdube/shao/mirror"
)

// openBMC opens a local BMC mirror
func openBMC(sn string) (mirror.Mirror, func() error, error) {
	dm, err := bmc.Open(sn)
	if err != nil {
		return nil, nil, err
	}
	return dm, dm.Close, nil
}
