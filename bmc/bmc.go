//go:build bmc

package bmc

/*
#cgo CFLAGS: -I"/opt/Boston Micromachines/include"
#cgo LDFLAGS: -L"/opt/Boston Micromachines/lib" -lBMC
#include <stdlib.h>
#include <stdio.h>
#include <BMCApi.h>
*/
import "C"
import (
	"fmt"
	"sync"
	"unsafe"
)

// Error is an Error satisfying struct
type Error struct {
	code int
	text string
}

func (err Error) Error() string {
	return fmt.Sprintf("bmc: %d - %s", err.code, err.text)
}

// ctoGoErr converts a C error to a Go error
func ctoGoErr(i C.BMCRC) error {
	ig := int(i)
	if ig == 0 {
		return nil
	}
	cstr := C.BMCErrorString(i) // these are static and should not be freed
	return Error{code: ig, text: C.GoString(cstr)}
}

// DM is a connection to one mirror.  It satisfies mirror.Mirror.
type DM struct {
	mu  sync.Mutex
	raw C.DM
}

// Open opens the connection to the DM driver and loads the default actuator map
func Open(sn string) (*DM, error) {
	dm := &DM{}
	// convert the Go string to a C string and free it later
	cstr := C.CString(sn)
	defer C.free(unsafe.Pointer(cstr))

	err := ctoGoErr(C.BMCOpen(&dm.raw, cstr))
	if err != nil {
		return nil, err
	}
	return dm, dm.LoadMap("")
}

// Close closes the connection to the DM driver
func (dm *DM) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return ctoGoErr(C.BMCClose(&dm.raw))
}

// LoadMap loads an actuator map, if "", loads the default profile determined by the SDK
func (dm *DM) LoadMap(path string) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if path == "" {
		return ctoGoErr(C.BMCLoadMap(&dm.raw, nil, nil))
	}
	cstr := C.CString(path)
	defer C.free(unsafe.Pointer(cstr))
	return ctoGoErr(C.BMCLoadMap(&dm.raw, cstr, nil)) // nil == C NULL, causes BMC SDK to internally do the allocation
}

// Actuators is the number of actuators of the mirror
func (dm *DM) Actuators() int {
	return int(dm.raw.ActCount) // uint in C
}

// Last queries the DM driver for the last array of values sent to it
func (dm *DM) Last() ([]float64, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	ary := make([]float64, dm.Actuators())
	err := ctoGoErr(C.BMCGetArray(&dm.raw, (*C.double)(unsafe.Pointer(&ary[0])), C.uint32_t(len(ary))))
	return ary, err
}

// Send sets the value for all actuators.  values must be in the range [0,1] or they are clamped by the BMC SDK.
func (dm *DM) Send(values []float64) error {
	if len(values) != dm.Actuators() {
		return fmt.Errorf("bmc: %d values for %d actuators", len(values), dm.Actuators())
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return ctoGoErr(C.BMCSetArray(&dm.raw, (*C.double)(unsafe.Pointer(&values[0])), nil))
}

// Reset applies a zero voltage to the DM, putting it in a safe condition
func (dm *DM) Reset() error {
	return dm.Send(make([]float64, dm.Actuators()))
}
