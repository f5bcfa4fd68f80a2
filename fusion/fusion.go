// Package fusion implements a movement sensor model that estimates a body's
// pose by fusing a high-rate IMU with lower-rate absolute position sources
// (GNSS, odometry) through a quaternion-state extended Kalman filter.
//
// The component owns the polling loops and frame conversions; the filter
// itself (package ekf) is a pure computational unit. The frame contract is
// strict: inertial readings are fed to the filter in the body frame the
// configured IMU reports in, and position observations in a local cartesian
// frame anchored at a geodetic origin (X along latitude, Y along longitude,
// Z up, meters). Anything not already expressed in those frames must be
// transformed before it reaches this component's dependencies.
package fusion

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	geo "github.com/kellydunn/golang-geo"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/rdk/components/movementsensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	rdkutils "go.viam.com/rdk/utils"

	"github.com/viam-labs/pose-fusion/ekf"
)

// Model is the model triplet of the pose fusion movement sensor.
var Model = resource.NewModel("viam-labs", "sensor-fusion", "pose-ekf")

func init() {
	resource.RegisterComponent(
		movementsensor.API,
		Model,
		resource.Registration[movementsensor.MovementSensor, *Config]{
			Constructor: newPoseFusion,
		})
}

type poseFusion struct {
	resource.Named
	resource.AlwaysRebuild
	logger logging.Logger

	imu  movementsensor.MovementSensor
	gnss movementsensor.MovementSensor
	odom movementsensor.MovementSensor

	useGNSS       bool
	gnssSeedsPose bool
	gnssVar       r3.Vector
	odomVar       r3.Vector

	started time.Time

	mu         sync.Mutex
	filter     *ekf.Filter
	origin     *geo.Point
	lastAngVel spatialmath.AngularVelocity
	lastAccel  r3.Vector
	odoTracker odometryTracker

	err movementsensor.LastError

	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

func newPoseFusion(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (movementsensor.MovementSensor, error) {
	newConf, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	pf := poseFusion{
		Named:         conf.ResourceName().AsNamed(),
		logger:        logger,
		useGNSS:       newConf.useGNSS(),
		gnssSeedsPose: newConf.UseGNSSAsInitialPose,
		gnssVar: r3.Vector{
			X: orDefault(newConf.VarGNSSXY, defaultVarGNSSXY),
			Y: orDefault(newConf.VarGNSSXY, defaultVarGNSSXY),
			Z: orDefault(newConf.VarGNSSZ, defaultVarGNSSZ),
		},
		odomVar: r3.Vector{
			X: orDefault(newConf.VarOdomXYZ, defaultVarOdomXYZ),
			Y: orDefault(newConf.VarOdomXYZ, defaultVarOdomXYZ),
			Z: orDefault(newConf.VarOdomXYZ, defaultVarOdomXYZ),
		},
		started:    time.Now(),
		err:        movementsensor.NewLastError(1, 1),
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}

	initScale := orDefault(newConf.InitialVariance, 1.0)
	pf.filter = ekf.New(ekf.Options{
		GyroVar:       orDefault(newConf.VarImuW, defaultVarImuW),
		AccelVar:      orDefault(newConf.VarImuAcc, defaultVarImuAcc),
		InitialPosVar: initScale * defaultInitialPosVar,
		InitialVelVar: initScale * defaultInitialVelVar,
		InitialRotVar: initScale * defaultInitialRotVar,
		Gravity:       r3.Vector{Z: -orDefault(newConf.GravityMSS, defaultGravityMSS)},
	})

	pf.imu, err = movementsensor.FromDependencies(deps, newConf.IMU)
	if err != nil {
		return nil, err
	}
	if newConf.GNSS != "" {
		pf.gnss, err = movementsensor.FromDependencies(deps, newConf.GNSS)
		if err != nil {
			return nil, err
		}
	}
	if newConf.UseOdometry {
		pf.odom, err = movementsensor.FromDependencies(deps, newConf.Odometry)
		if err != nil {
			return nil, err
		}
	}

	if newConf.OriginLatitude != nil && newConf.OriginLongitude != nil {
		pf.origin = geo.NewPoint(*newConf.OriginLatitude, *newConf.OriginLongitude)
	}

	pf.startLoop(rateToInterval(newConf.IMURateHz, defaultIMURateHz), pf.pollIMU)
	if pf.gnss != nil {
		pf.startLoop(rateToInterval(newConf.GNSSRateHz, defaultGNSSRateHz), pf.pollGNSS)
	}
	if pf.odom != nil {
		pf.startLoop(rateToInterval(newConf.OdometryRateHz, defaultOdometryRateHz), pf.pollOdometry)
	}

	return &pf, nil
}

func rateToInterval(rateHz, def float64) time.Duration {
	if rateHz <= 0 {
		rateHz = def
	}
	return time.Duration(float64(time.Second) / rateHz)
}

func (pf *poseFusion) startLoop(interval time.Duration, poll func(ctx context.Context)) {
	pf.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer pf.activeBackgroundWorkers.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-pf.cancelCtx.Done():
				return
			default:
			}
			select {
			case <-pf.cancelCtx.Done():
				return
			case <-ticker.C:
				poll(pf.cancelCtx)
			}
		}
	})
}

// pollIMU feeds one inertial sample into the prediction step. The IMU's
// angular velocity arrives in deg/s and is converted to the rad/s the filter
// integrates; linear acceleration is the raw specific force in m/s^2.
func (pf *poseFusion) pollIMU(ctx context.Context) {
	angVel, err := pf.imu.AngularVelocity(ctx, nil)
	if err != nil {
		pf.err.Set(err)
		return
	}
	accel, err := pf.imu.LinearAcceleration(ctx, nil)
	if err != nil {
		pf.err.Set(err)
		return
	}
	// the monotonic clock, not the samples, carries the timestamps here:
	// the movement sensor API exposes current readings without stamps
	stamp := time.Since(pf.started).Seconds()

	w := r3.Vector{
		X: rdkutils.DegToRad(angVel.X),
		Y: rdkutils.DegToRad(angVel.Y),
		Z: rdkutils.DegToRad(angVel.Z),
	}

	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.lastAngVel = angVel
	pf.lastAccel = accel
	pf.reportFilterError(pf.filter.Predict(stamp, w, accel))
}

// pollGNSS feeds one absolute fix into the correction step, latching the
// geodetic origin and optionally seeding the initial pose on the first fix.
func (pf *poseFusion) pollGNSS(ctx context.Context) {
	point, altitude, err := pf.gnss.Position(ctx, nil)
	if err != nil {
		pf.err.Set(err)
		return
	}

	pf.mu.Lock()
	defer pf.mu.Unlock()

	if pf.origin == nil {
		pf.origin = point
		pf.logger.Infow("anchoring local frame at first gnss fix",
			"lat", point.Lat(), "lng", point.Lng())
	}
	local := localFromGeo(point, altitude, pf.origin)

	if !pf.filter.Ready() {
		if !pf.gnssSeedsPose {
			return
		}
		orientation := quat.Number{Real: 1}
		if o, err := pf.gnss.Orientation(ctx, nil); err == nil {
			orientation = o.Quaternion()
		}
		if err := pf.filter.Initialize(local, orientation); err != nil {
			pf.logger.Errorw("rejecting gnss fix as initial pose", "error", err)
			pf.err.Set(err)
			return
		}
		pf.logger.Infow("initial pose seeded from gnss", "position", local)
		return
	}

	if pf.useGNSS {
		pf.reportFilterError(pf.filter.UpdatePosition(local, pf.gnssVar))
	}
}

// pollOdometry turns the odometry stream's relative motion into absolute
// position observations by composing each pose delta onto the estimate that
// was current when the previous odometry sample arrived.
func (pf *poseFusion) pollOdometry(ctx context.Context) {
	point, altitude, err := pf.odom.Position(ctx, nil)
	if err != nil {
		pf.err.Set(err)
		return
	}
	orientation, err := pf.odom.Orientation(ctx, nil)
	if err != nil {
		pf.err.Set(err)
		return
	}

	pf.mu.Lock()
	defer pf.mu.Unlock()
	if !pf.filter.Ready() {
		return
	}

	measured, ok := pf.odoTracker.observe(point, altitude, orientation, pf.estimatedPose())
	if !ok {
		return
	}
	pf.reportFilterError(pf.filter.UpdatePosition(measured, pf.odomVar))
	pf.odoTracker.anchor = pf.estimatedPose()
}

// reportFilterError routes a filter rejection to the right log level: stale
// timestamps are expected around stream hiccups, everything else is a fault.
// Must be called with the mutex held.
func (pf *poseFusion) reportFilterError(err error) {
	switch {
	case err == nil:
	case errors.Is(err, ekf.ErrStaleTimestamp):
		pf.logger.Warnw("dropped out-of-order sample", "error", err)
	default:
		pf.logger.Errorw("dropped sample", "error", err)
		pf.err.Set(err)
	}
}

func (pf *poseFusion) estimatedPose() spatialmath.Pose {
	pos, q := pf.filter.State()
	o := spatialmath.Quaternion(q)
	return spatialmath.NewPose(pos, &o)
}

// Position reports the fused position as a geodetic point plus altitude in
// meters. It requires both a ready filter and a latched origin.
func (pf *poseFusion) Position(ctx context.Context, extra map[string]interface{}) (*geo.Point, float64, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if !pf.filter.Ready() {
		return geo.NewPoint(math.NaN(), math.NaN()), math.NaN(), errors.New("no pose estimate: initial pose not received")
	}
	if pf.origin == nil {
		return geo.NewPoint(math.NaN(), math.NaN()), math.NaN(), errors.New("no geodetic origin: no gnss fix received and none configured")
	}
	pos, _ := pf.filter.State()
	point, altitude := geoFromLocal(pos, pf.origin)
	return point, altitude, nil
}

func (pf *poseFusion) Orientation(ctx context.Context, extra map[string]interface{}) (spatialmath.Orientation, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if !pf.filter.Ready() {
		return spatialmath.NewZeroOrientation(), errors.New("no pose estimate: initial pose not received")
	}
	_, q := pf.filter.State()
	o := spatialmath.Quaternion(q)
	return &o, nil
}

// LinearVelocity reports the filter's reference-frame velocity in m/s.
func (pf *poseFusion) LinearVelocity(ctx context.Context, extra map[string]interface{}) (r3.Vector, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if !pf.filter.Ready() {
		return r3.Vector{}, errors.New("no pose estimate: initial pose not received")
	}
	return pf.filter.Velocity(), nil
}

// AngularVelocity passes through the most recent IMU reading in deg/s; the
// filter does not re-estimate body rates.
func (pf *poseFusion) AngularVelocity(ctx context.Context, extra map[string]interface{}) (spatialmath.AngularVelocity, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.lastAngVel, nil
}

// LinearAcceleration passes through the most recent IMU specific force in m/s^2.
func (pf *poseFusion) LinearAcceleration(ctx context.Context, extra map[string]interface{}) (r3.Vector, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.lastAccel, nil
}

func (pf *poseFusion) CompassHeading(ctx context.Context, extra map[string]interface{}) (float64, error) {
	return math.NaN(), movementsensor.ErrMethodUnimplementedCompassHeading
}

func (pf *poseFusion) Properties(ctx context.Context, extra map[string]interface{}) (*movementsensor.Properties, error) {
	return &movementsensor.Properties{
		PositionSupported:           true,
		OrientationSupported:        true,
		LinearVelocitySupported:     true,
		AngularVelocitySupported:    true,
		LinearAccelerationSupported: true,
		CompassHeadingSupported:     false,
	}, nil
}

// Accuracy reports the filter's current position standard deviations in
// meters, split per axis the way the covariance tracks them.
func (pf *poseFusion) Accuracy(ctx context.Context, extra map[string]interface{}) (*movementsensor.Accuracy, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	p := pf.filter.Covariance()
	return &movementsensor.Accuracy{
		AccuracyMap: map[string]float32{
			"position_stddev_x_m": float32(math.Sqrt(p.At(0, 0))),
			"position_stddev_y_m": float32(math.Sqrt(p.At(1, 1))),
			"position_stddev_z_m": float32(math.Sqrt(p.At(2, 2))),
		},
	}, nil
}

func (pf *poseFusion) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	return movementsensor.DefaultAPIReadings(ctx, pf, extra)
}

// DoCommand accepts a set_initial_pose command carrying the reference pose in
// local-frame meters plus a unit quaternion, the channel deployments without
// GNSS seeding use to make the filter ready.
func (pf *poseFusion) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	if _, ok := cmd["set_initial_pose"]; !ok {
		return nil, resource.ErrDoUnimplemented
	}

	pose, ok := cmd["set_initial_pose"].(map[string]interface{})
	if !ok {
		return nil, errors.New("set_initial_pose expects an object with x, y, z, qx, qy, qz, qw")
	}
	num := func(key string, def float64) float64 {
		if v, ok := pose[key].(float64); ok {
			return v
		}
		return def
	}
	position := r3.Vector{X: num("x", 0), Y: num("y", 0), Z: num("z", 0)}
	orientation := quat.Number{
		Real: num("qw", 1),
		Imag: num("qx", 0),
		Jmag: num("qy", 0),
		Kmag: num("qz", 0),
	}

	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.filter.Ready() {
		pf.logger.Warnw("initial pose already set; resetting filter state")
	}
	if err := pf.filter.Initialize(position, orientation); err != nil {
		return nil, err
	}
	pf.odoTracker = odometryTracker{}
	return map[string]interface{}{"initialized": true}, nil
}

func (pf *poseFusion) Close(ctx context.Context) error {
	pf.cancelFunc()
	pf.activeBackgroundWorkers.Wait()
	return nil
}

// localFromGeo linearizes a geodetic fix into the local frame around origin:
// X along latitude, Y along longitude, meters; Z carries the altitude.
func localFromGeo(point *geo.Point, altitude float64, origin *geo.Point) r3.Vector {
	mm := spatialmath.GeoPointToPoint(point, origin)
	return r3.Vector{X: mm.X / 1000, Y: mm.Y / 1000, Z: altitude}
}

// geoFromLocal is the inverse projection back to a geodetic point and
// altitude.
func geoFromLocal(local r3.Vector, origin *geo.Point) (*geo.Point, float64) {
	distKm := math.Hypot(local.X, local.Y) / 1000
	bearing := rdkutils.RadToDeg(math.Atan2(local.Y, local.X))
	return origin.PointAtDistanceAndBearing(distKm, bearing), local.Z
}
