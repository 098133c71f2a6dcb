// Package kinematics converts body-frame velocities of a three-wheel omni base
// into raw wheel speed commands.
package kinematics

import "math"

const (
	stepsPerDegree = 4096.0 / 360.0
	rawMagnitude   = 0x7FFF
	rawSignBit     = 0x8000

	// HighSpeed is the body speed in m/s used for a fully deflected joystick.
	HighSpeed = 0.4
)

// Wheel mounting angles in degrees: left, back, right.
var wheelAngles = [3]float64{300, 180, 60}

type Geometry struct {
	WheelRadius float64 // meters
	BaseRadius  float64 // meters, center to wheel
	MaxRaw      int     // per-wheel raw limit
}

func DefaultGeometry() Geometry {
	return Geometry{WheelRadius: 0.05, BaseRadius: 0.125, MaxRaw: 3000}
}

// DegpsToRaw encodes a wheel speed in deg/s as a 15-bit magnitude with the
// sign in bit 15.
func DegpsToRaw(degps float64) int {
	steps := int(math.Round(math.Abs(degps) * stepsPerDegree))
	if steps > rawMagnitude {
		steps = rawMagnitude
	}
	if degps < 0 {
		return steps | rawSignBit
	}

	return steps & rawMagnitude
}

// BodyToWheelRaw returns raw commands for the left, back and right wheels.
// x and y are m/s, theta is deg/s. When any wheel would exceed MaxRaw, all
// wheels are scaled down by the same factor.
func BodyToWheelRaw(x, y, thetaDegps float64, g Geometry) [3]int {
	if g.WheelRadius <= 0 || g.BaseRadius <= 0 || g.MaxRaw <= 0 {
		g = DefaultGeometry()
	}
	thetaRad := thetaDegps * math.Pi / 180

	var degps [3]float64
	maxRaw := 0.0
	for i, angle := range wheelAngles {
		a := angle * math.Pi / 180
		linear := math.Cos(a)*x + math.Sin(a)*y + g.BaseRadius*thetaRad
		degps[i] = linear / g.WheelRadius * 180 / math.Pi
		maxRaw = math.Max(maxRaw, math.Abs(degps[i])*stepsPerDegree)
	}
	if maxRaw > float64(g.MaxRaw) {
		scale := float64(g.MaxRaw) / maxRaw
		for i := range degps {
			degps[i] *= scale
		}
	}

	var raw [3]int
	for i, v := range degps {
		raw[i] = DegpsToRaw(v)
	}

	return raw
}

// JoystickToBody maps a joystick deflection (x right, y down, both -1..1) to
// body velocities in m/s.
func JoystickToBody(x, y, speed float64) (vx, vy float64) {
	forward := -y
	left := -x

	return left * speed, forward * speed
}
