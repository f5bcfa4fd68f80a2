// Package ekf implements a quaternion-state extended Kalman filter for pose
// estimation. Prediction is driven by strapdown inertial mechanization of
// body-frame angular velocity and specific force; correction is driven by
// absolute position observations in the fixed reference frame.
//
// The filter is a plain value with no goroutines, timers, or I/O. It is not
// internally synchronized: callers that feed it from more than one stream
// must serialize access themselves.
//
// All inputs are assumed to be expressed in the filter's own frames already.
// Angular velocity and specific force are body-frame, in rad/s and m/s^2;
// position observations are reference-frame meters. Frame transformation is
// the caller's job.
package ekf

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Nominal state layout. Position and velocity are reference-frame meters and
// m/s; the quaternion maps body frame to reference frame.
const (
	stateX = iota
	stateY
	stateZ
	stateVX
	stateVY
	stateVZ
	stateQX
	stateQY
	stateQZ
	stateQW

	numState = 10
)

// Uncertainty is tracked on the 9-dimensional error state (delta position,
// delta velocity, delta rotation vector) so the covariance stays full-rank
// despite the quaternion's unit-norm constraint. Orientation is therefore
// only ever corrected through cross-covariance accumulated during prediction;
// the position observation model never touches it directly.
const (
	errPos = 0
	errVel = 3
	errRot = 6

	numErrState = 9
)

var (
	// ErrStaleTimestamp is returned when a prediction timestamp precedes the
	// previous one. The sample is dropped and the state is left untouched.
	ErrStaleTimestamp = errors.New("prediction timestamp precedes previous sample")
	// ErrNonFiniteInput is returned when an inertial or position sample
	// contains NaN or Inf. The sample is dropped and the state is left
	// untouched.
	ErrNonFiniteInput = errors.New("sample contains non-finite values")
	// ErrSingularInnovation is returned when the innovation covariance cannot
	// be factorized. The correction is skipped and the state is left as the
	// last prediction produced it.
	ErrSingularInnovation = errors.New("innovation covariance is singular")
	// ErrInvalidPose is returned by Initialize when the supplied pose is not
	// finite or its quaternion has no usable norm.
	ErrInvalidPose = errors.New("initial pose is not a finite pose")
)

// Options hold the filter's noise parameters and constants. Variances are
// scalar and isotropic; per-source measurement variances are supplied with
// each position update instead.
type Options struct {
	// GyroVar is the angular velocity noise variance in (rad/s)^2.
	GyroVar float64
	// AccelVar is the specific force noise variance in (m/s^2)^2.
	AccelVar float64

	// Initial covariance diagonal, set on Initialize. The pose is presumed
	// roughly known while velocity is not, so the velocity entries are
	// typically the largest.
	InitialPosVar float64
	InitialVelVar float64
	InitialRotVar float64

	// Gravity is the reference-frame gravity acceleration vector in m/s^2.
	Gravity r3.Vector
}

// DefaultOptions returns the options the original localization stack shipped
// with: modest IMU noise and standard gravity pointing down the reference
// frame's negative Z axis.
func DefaultOptions() Options {
	return Options{
		GyroVar:       0.01,
		AccelVar:      0.01,
		InitialPosVar: 1.0,
		InitialVelVar: 10.0,
		InitialRotVar: 0.25,
		Gravity:       r3.Vector{Z: -defaultGravityMSS},
	}
}

const defaultGravityMSS = 9.80665

// Filter is a quaternion-state EKF over position, velocity, and orientation.
// The zero value is unusable; construct with New and seed with Initialize.
// Predict and update calls before Initialize are deliberate no-ops.
type Filter struct {
	opts Options

	x *mat.VecDense // nominal state, numState
	p *mat.Dense    // error-state covariance, numErrState x numErrState

	ready    bool
	hasStamp bool
	stamp    float64 // seconds, last accepted prediction timestamp
}

// New returns a filter with the given options. The filter is not ready until
// Initialize supplies a reference pose.
func New(opts Options) *Filter {
	if opts.Gravity == (r3.Vector{}) {
		opts.Gravity = r3.Vector{Z: -defaultGravityMSS}
	}
	return &Filter{
		opts: opts,
		x:    mat.NewVecDense(numState, nil),
		p:    mat.NewDense(numErrState, numErrState, nil),
	}
}

// Initialize seeds the filter with a reference pose, zeroes velocity, and
// resets the covariance to the configured initial diagonal. Calling it again
// restarts the filter, discarding all accumulated state. The quaternion is
// re-normalized defensively; a non-finite pose or a zero-norm quaternion is
// rejected with ErrInvalidPose and leaves the filter untouched.
func (f *Filter) Initialize(position r3.Vector, orientation quat.Number) error {
	if !vecFinite(position) || !quatFinite(orientation) {
		return ErrInvalidPose
	}
	n := quatNorm(orientation)
	if n < 1e-12 {
		return errors.Wrap(ErrInvalidPose, "quaternion norm is zero")
	}
	orientation = quatScale(orientation, 1/n)

	f.x.Zero()
	f.x.SetVec(stateX, position.X)
	f.x.SetVec(stateY, position.Y)
	f.x.SetVec(stateZ, position.Z)
	f.setQuat(orientation)

	f.p.Zero()
	for i := 0; i < 3; i++ {
		f.p.Set(errPos+i, errPos+i, f.opts.InitialPosVar)
		f.p.Set(errVel+i, errVel+i, f.opts.InitialVelVar)
		f.p.Set(errRot+i, errRot+i, f.opts.InitialRotVar)
	}

	f.ready = true
	f.hasStamp = false
	return nil
}

// Ready reports whether Initialize has supplied a reference pose.
func (f *Filter) Ready() bool {
	return f.ready
}

// StateDimension returns the nominal state vector length.
func (f *Filter) StateDimension() int {
	return numState
}

// State returns the externally visible position+orientation sub-block of the
// state vector. Before Initialize it returns the zero position and the
// identity quaternion.
func (f *Filter) State() (r3.Vector, quat.Number) {
	if !f.ready {
		return r3.Vector{}, quat.Number{Real: 1}
	}
	return f.position(), f.quat()
}

// Velocity returns the current reference-frame velocity estimate in m/s.
func (f *Filter) Velocity() r3.Vector {
	return r3.Vector{X: f.x.AtVec(stateVX), Y: f.x.AtVec(stateVY), Z: f.x.AtVec(stateVZ)}
}

// Covariance returns a copy of the error-state covariance. Row/column order
// is delta position, delta velocity, delta rotation.
func (f *Filter) Covariance() *mat.Dense {
	return mat.DenseCopyOf(f.p)
}

func (f *Filter) position() r3.Vector {
	return r3.Vector{X: f.x.AtVec(stateX), Y: f.x.AtVec(stateY), Z: f.x.AtVec(stateZ)}
}

func (f *Filter) quat() quat.Number {
	return quat.Number{
		Real: f.x.AtVec(stateQW),
		Imag: f.x.AtVec(stateQX),
		Jmag: f.x.AtVec(stateQY),
		Kmag: f.x.AtVec(stateQZ),
	}
}

func (f *Filter) setQuat(q quat.Number) {
	f.x.SetVec(stateQX, q.Imag)
	f.x.SetVec(stateQY, q.Jmag)
	f.x.SetVec(stateQZ, q.Kmag)
	f.x.SetVec(stateQW, q.Real)
}

// symmetrize counters floating-point drift so the covariance stays symmetric
// positive semi-definite across long runs.
func (f *Filter) symmetrize() {
	var pt mat.Dense
	pt.CloneFrom(f.p.T())
	f.p.Add(f.p, &pt)
	f.p.Scale(0.5, f.p)
}

func vecFinite(v r3.Vector) bool {
	return finite(v.X) && finite(v.Y) && finite(v.Z)
}

func quatFinite(q quat.Number) bool {
	return finite(q.Real) && finite(q.Imag) && finite(q.Jmag) && finite(q.Kmag)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func quatNorm(q quat.Number) float64 {
	return math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
}

func quatScale(q quat.Number, s float64) quat.Number {
	return quat.Number{Real: q.Real * s, Imag: q.Imag * s, Jmag: q.Jmag * s, Kmag: q.Kmag * s}
}
