// Package geometry derives scalar body measurements from skeleton joints.
//
// All functions are pure. NaN coordinates propagate; callers gate on
// StatureTracked before measuring.
package geometry

import (
	"fmt"

	"github.com/golang/geo/r3"

	"github.com/care/presence/internal/types"
)

// HeadDivergence compensates for the head joint sitting below the top of the skull (meters)
const HeadDivergence = 0.16

var (
	torsoChain = []types.JointName{
		types.JointHead,
		types.JointNeck,
		types.JointSpineMid,
		types.JointSpineBase,
	}
	legChain = []types.JointName{
		types.JointHipLeft,
		types.JointKneeLeft,
		types.JointAnkleLeft,
		types.JointFootLeft,
	}
)

// Stature estimates body height: torso chain length + left leg chain length + HeadDivergence.
// Missing joints read as the origin.
func Stature(joints types.Joints) float64 {
	return chainLength(joints, torsoChain) + chainLength(joints, legChain) + HeadDivergence
}

// PathLength returns the sum of distances between consecutive points
func PathLength(points ...r3.Vector) float64 {
	var length float64
	for i := 0; i < len(points)-1; i++ {
		length += points[i].Distance(points[i+1])
	}
	return length
}

func chainLength(joints types.Joints, chain []types.JointName) float64 {
	points := make([]r3.Vector, len(chain))
	for i, name := range chain {
		points[i] = joints[name].Position.Vector()
	}
	return PathLength(points...)
}

// StatureTracked reports whether a sample can be trusted for stature:
// the head and the left foot closing the measured leg chain must be confidently
// tracked, and every other joint Stature measures must at least be located.
func StatureTracked(joints types.Joints) bool {
	if !joints.Tracked(types.JointHead) || !joints.Tracked(types.JointFootLeft) {
		return false
	}
	for _, chain := range [][]types.JointName{torsoChain, legChain} {
		for _, name := range chain {
			if !joints.Located(name) {
				return false
			}
		}
	}
	return true
}

// HandRaised reports whether the wrist is above the elbow
func HandRaised(wrist, elbow types.Joint) bool {
	return wrist.Position.Y > elbow.Position.Y
}

// FormatXYZ renders a position as "x,y,z"
func FormatXYZ(p types.Point) string {
	return fmt.Sprintf("%g,%g,%g", p.X, p.Y, p.Z)
}
