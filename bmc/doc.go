// Package bmc provides control of BMC deformable mirrors.  It requires the
// Boston Micromachines SDK and is only built with the bmc tag.
package bmc
