// Package command builds the JSON command payloads the robot base understands.
package command

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/skobkin/kiwilink/internal/kinematics"
)

type RawVelocity struct {
	LeftWheel  int `json:"left_wheel"`
	BackWheel  int `json:"back_wheel"`
	RightWheel int `json:"right_wheel"`
}

// WheelCommand is one drive packet. ArmPositions is always encoded, empty when unset.
type WheelCommand struct {
	RawVelocity  RawVelocity `json:"raw_velocity"`
	ArmPositions []float64   `json:"arm_positions"`
}

func (c WheelCommand) Encode() ([]byte, error) {
	if c.ArmPositions == nil {
		c.ArmPositions = []float64{}
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode wheel command: %w", err)
	}

	return raw, nil
}

func FromRaw(raw [3]int) WheelCommand {
	return WheelCommand{RawVelocity: RawVelocity{
		LeftWheel:  raw[0],
		BackWheel:  raw[1],
		RightWheel: raw[2],
	}}
}

// Stop halts all wheels.
func Stop() WheelCommand {
	return WheelCommand{}
}

// FromJoystick maps a joystick deflection to a wheel command at the given
// speed (m/s). The deflection is limited to the unit circle; NaN axes count
// as centered.
func FromJoystick(x, y, speed float64, g kinematics.Geometry) WheelCommand {
	x, y = unitDeflection(x, y)
	vx, vy := kinematics.JoystickToBody(x, y, speed)

	return FromRaw(kinematics.BodyToWheelRaw(vx, vy, 0, g))
}

func unitDeflection(x, y float64) (float64, float64) {
	x, y = clamp(x), clamp(y)
	if r := math.Hypot(x, y); r > 1 {
		x, y = x/r, y/r
	}

	return x, y
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	case v < -1:
		return -1
	default:
		return v
	}
}
