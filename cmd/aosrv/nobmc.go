//go:build !bmc

package main

import (
	"errors"

	"github.jpl.nasa.gov/bdube/shao/mirror"
)

func openBMC(sn string) (mirror.Mirror, func() error, error) {
	return nil, nil, errors.New("aosrv was built without BMC support, rebuild with -tags bmc or set Mirror.Addr instead of Mirror.SerialNumber")
}
