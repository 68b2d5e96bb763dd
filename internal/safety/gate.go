// Package safety implements the Control Layer's Safety Gate (spec §4.5): a
// cheap, pure predicate over the Registry's online-device safety snapshot
// plus a single global emergency-stop flag, consulted synchronously before
// any control command is dispatched.
package safety

import (
	"sync/atomic"

	"github.com/modax/controllayer/internal/registry"
)

// IsSystemSafe is the pure predicate from spec §4.5:
//
//	true iff !globalEstop AND at least one online device AND every online
//	device's safety snapshot reports is_safe.
//
// "No online devices" is defined unsafe — callers must refuse control
// commands, but this is not itself an alarm condition (spec §4.5: "no
// online devices" is unsafe but "healthy").
func IsSystemSafe(online []registry.DeviceSafety, globalEstop bool) bool {
	if globalEstop {
		return false
	}
	if len(online) == 0 {
		return false
	}
	for _, d := range online {
		if !d.Safe {
			return false
		}
	}
	return true
}

// Gate wraps IsSystemSafe with the single global estop flag the rest of the
// system mutates through SetEstop (spec §9: "Global mutable state" permits
// exactly one atomic estop flag alongside Config/Registry/Cache/Metrics).
type Gate struct {
	reg   *registry.Registry
	estop atomic.Bool
}

// New constructs a Gate reading online-device safety from reg.
func New(reg *registry.Registry) *Gate {
	return &Gate{reg: reg}
}

// SetEstop flips the global emergency-stop flag and returns its previous
// value, for POST /api/v1/cnc/emergency-stop (spec §4.8).
func (g *Gate) SetEstop(on bool) (previous bool) {
	return g.estop.Swap(on)
}

// Estop reports the current global emergency-stop flag.
func (g *Gate) Estop() bool {
	return g.estop.Load()
}

// Evaluate reports whether the system is currently safe to accept control
// commands, per IsSystemSafe.
func (g *Gate) Evaluate() bool {
	return IsSystemSafe(g.reg.OnlineSafety(), g.estop.Load())
}
