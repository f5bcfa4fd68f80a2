package fusion

import (
	"github.com/golang/geo/r3"
	geo "github.com/kellydunn/golang-geo"

	"go.viam.com/rdk/spatialmath"
)

// odometryTracker converts an odometry stream, which is only consistent
// relative to its own arbitrary frame, into absolute position observations.
// Each incoming sample forms a pose delta against the previous one; the delta
// is composed onto the filter estimate that was current when the previous
// sample arrived. The very first sample can only latch baselines.
type odometryTracker struct {
	origin *geo.Point       // odometry frame anchor, first sample's fix
	prev   spatialmath.Pose // previous odometry pose in the odometry frame
	anchor spatialmath.Pose // filter estimate paired with prev
}

// observe ingests one odometry sample and returns the implied absolute
// position. ok is false while the tracker is still latching its baseline.
func (ot *odometryTracker) observe(
	point *geo.Point,
	altitude float64,
	orientation spatialmath.Orientation,
	estimate spatialmath.Pose,
) (r3.Vector, bool) {
	if ot.origin == nil {
		ot.origin = point
	}
	local := localFromGeo(point, altitude, ot.origin)
	pose := spatialmath.NewPose(local, orientation)

	if ot.prev == nil {
		ot.prev = pose
		ot.anchor = estimate
		return r3.Vector{}, false
	}

	delta := spatialmath.PoseBetween(ot.prev, pose)
	predicted := spatialmath.Compose(ot.anchor, delta)
	ot.prev = pose

	return predicted.Point(), true
}
