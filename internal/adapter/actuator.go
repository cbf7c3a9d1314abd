package adapter

import (
	"math"

	"github.com/tiendc/go-deepcopy"

	"github.com/robot-viewer/backend/internal/models"
)

// LimitState is the range an actuator enforces, in its native unit.
type LimitState struct {
	Lower   float64
	Upper   float64
	Limited bool
	// Effort and Velocity mirror the authored limits; nil when absent.
	Effort   *float64
	Velocity *float64
}

// Actuator drives one joint and owns the authoritative limit state for it.
// Scale converts model units (radians, meters) into native units.
type Actuator struct {
	Joint string
	Type  models.JointType
	State LimitState
	Scale float64
	// Clamp is false for joints whose format does not enforce their range.
	Clamp bool

	value float64
}

func newActuator(j *models.Joint, clamp bool, scale float64) *Actuator {
	if scale == 0 {
		scale = 1
	}
	a := &Actuator{Joint: j.Name, Type: j.Type, Scale: scale, Clamp: clamp}
	a.Reset(j.Limits)
	return a
}

// Reset rebuilds the limit state from model limits.
func (a *Actuator) Reset(l *models.JointLimits) {
	a.State = LimitState{}
	if l == nil {
		return
	}
	a.State.Effort = l.Effort
	a.State.Velocity = l.Velocity
	if l.HasRange && a.Clamp {
		a.State.Lower = l.Lower * a.Scale
		a.State.Upper = l.Upper * a.Scale
		a.State.Limited = true
	}
}

// Set moves the actuator to native, clamped to the limit state, and returns
// the applied value.
func (a *Actuator) Set(native float64) float64 {
	if a.State.Limited {
		native = math.Max(a.State.Lower, math.Min(a.State.Upper, native))
	}
	a.value = native
	return native
}

// Value returns the current native value.
func (a *Actuator) Value() float64 { return a.value }

// Widen replaces the limit state by an unbounded range and returns a deep
// copy of the previous state for Restore.
func (a *Actuator) Widen() (LimitState, error) {
	var snapshot LimitState
	if err := deepcopy.Copy(&snapshot, &a.State); err != nil {
		return LimitState{}, err
	}
	a.State.Lower = -math.MaxFloat64
	a.State.Upper = math.MaxFloat64
	a.State.Limited = true
	return snapshot, nil
}

// Restore puts back a state returned by Widen.
func (a *Actuator) Restore(s LimitState) { a.State = s }
