package ekf

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

var identity = quat.Number{Real: 1}

func TestStateBeforeInitialize(t *testing.T) {
	f := New(DefaultOptions())
	test.That(t, f.Ready(), test.ShouldBeFalse)

	// predict and update are deliberate no-ops until a reference pose exists
	err := f.Predict(1.0, r3.Vector{X: 1}, r3.Vector{Z: 9.8})
	test.That(t, err, test.ShouldBeNil)
	err = f.UpdatePosition(r3.Vector{X: 5}, r3.Vector{X: 0.1, Y: 0.1, Z: 0.1})
	test.That(t, err, test.ShouldBeNil)

	pos, q := f.State()
	test.That(t, pos, test.ShouldResemble, r3.Vector{})
	test.That(t, q, test.ShouldResemble, identity)
	test.That(t, f.Ready(), test.ShouldBeFalse)
}

func TestInitializeSetsPose(t *testing.T) {
	f := New(DefaultOptions())
	err := f.Initialize(r3.Vector{X: 1, Y: 2, Z: 3}, identity)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Ready(), test.ShouldBeTrue)
	test.That(t, f.StateDimension(), test.ShouldEqual, 10)

	pos, q := f.State()
	test.That(t, pos.X, test.ShouldEqual, 1.0)
	test.That(t, pos.Y, test.ShouldEqual, 2.0)
	test.That(t, pos.Z, test.ShouldEqual, 3.0)
	test.That(t, q, test.ShouldResemble, identity)
	test.That(t, f.Velocity(), test.ShouldResemble, r3.Vector{})
}

func TestInitializeRejectsBadPose(t *testing.T) {
	f := New(DefaultOptions())
	err := f.Initialize(r3.Vector{X: math.NaN()}, identity)
	test.That(t, err, test.ShouldBeError, ErrInvalidPose)
	test.That(t, f.Ready(), test.ShouldBeFalse)

	err = f.Initialize(r3.Vector{}, quat.Number{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, f.Ready(), test.ShouldBeFalse)

	// a denormalized quaternion is fixed up rather than rejected
	err = f.Initialize(r3.Vector{}, quat.Number{Real: 2})
	test.That(t, err, test.ShouldBeNil)
	_, q := f.State()
	test.That(t, q.Real, test.ShouldAlmostEqual, 1.0, 1e-12)
}

func TestQuaternionStaysUnitNorm(t *testing.T) {
	f := New(DefaultOptions())
	test.That(t, f.Initialize(r3.Vector{}, identity), test.ShouldBeNil)

	w := r3.Vector{X: 0.3, Y: -1.1, Z: 2.7}
	a := r3.Vector{X: 0.5, Y: 0.2, Z: 9.6}
	ts := 0.0
	for i := 0; i < 500; i++ {
		ts += 0.01
		test.That(t, f.Predict(ts, w, a), test.ShouldBeNil)
		_, q := f.State()
		test.That(t, quatNorm(q), test.ShouldAlmostEqual, 1.0, 1e-9)
	}
}

func TestFirstSampleSetsBaseline(t *testing.T) {
	f := New(DefaultOptions())
	test.That(t, f.Initialize(r3.Vector{X: 1}, identity), test.ShouldBeNil)

	// first sample must not integrate: there is no dt yet
	err := f.Predict(100.0, r3.Vector{Z: 10}, r3.Vector{X: 50})
	test.That(t, err, test.ShouldBeNil)
	pos, q := f.State()
	test.That(t, pos, test.ShouldResemble, r3.Vector{X: 1})
	test.That(t, q, test.ShouldResemble, identity)

	// second sample integrates over dt = 0.1s, not over the 100s baseline
	err = f.Predict(100.1, r3.Vector{}, r3.Vector{Z: 9.80665})
	test.That(t, err, test.ShouldBeNil)
	pos, _ = f.State()
	test.That(t, pos.X, test.ShouldAlmostEqual, 1.0, 1e-9)
}

func TestStaleTimestampRejected(t *testing.T) {
	f := New(DefaultOptions())
	test.That(t, f.Initialize(r3.Vector{}, identity), test.ShouldBeNil)
	test.That(t, f.Predict(1.0, r3.Vector{X: 0.1}, r3.Vector{Z: 9.9}), test.ShouldBeNil)
	test.That(t, f.Predict(2.0, r3.Vector{X: 0.1}, r3.Vector{Z: 9.9}), test.ShouldBeNil)

	xBefore := mat.VecDenseCopyOf(f.x)
	pBefore := f.Covariance()

	err := f.Predict(1.5, r3.Vector{Y: 3}, r3.Vector{X: 100})
	test.That(t, err, test.ShouldBeError, ErrStaleTimestamp)
	test.That(t, mat.Equal(f.x, xBefore), test.ShouldBeTrue)
	test.That(t, mat.Equal(f.p, pBefore), test.ShouldBeTrue)
}

func TestNonFiniteInputRejected(t *testing.T) {
	f := New(DefaultOptions())
	test.That(t, f.Initialize(r3.Vector{}, identity), test.ShouldBeNil)
	test.That(t, f.Predict(1.0, r3.Vector{}, r3.Vector{Z: 9.80665}), test.ShouldBeNil)

	xBefore := mat.VecDenseCopyOf(f.x)

	err := f.Predict(2.0, r3.Vector{X: math.NaN()}, r3.Vector{})
	test.That(t, err, test.ShouldBeError, ErrNonFiniteInput)
	test.That(t, mat.Equal(f.x, xBefore), test.ShouldBeTrue)

	err = f.Predict(2.0, r3.Vector{}, r3.Vector{Z: math.Inf(1)})
	test.That(t, err, test.ShouldBeError, ErrNonFiniteInput)
	test.That(t, mat.Equal(f.x, xBefore), test.ShouldBeTrue)

	err = f.UpdatePosition(r3.Vector{X: math.NaN()}, r3.Vector{X: 1, Y: 1, Z: 1})
	test.That(t, err, test.ShouldBeError, ErrNonFiniteInput)
	test.That(t, mat.Equal(f.x, xBefore), test.ShouldBeTrue)
}

func TestGainNearIdentityAtFirstUpdate(t *testing.T) {
	opts := DefaultOptions()
	opts.InitialPosVar = 1e4
	f := New(opts)
	test.That(t, f.Initialize(r3.Vector{}, identity), test.ShouldBeNil)

	measured := r3.Vector{X: 3, Y: -4, Z: 5}
	err := f.UpdatePosition(measured, r3.Vector{X: 1e-4, Y: 1e-4, Z: 1e-4})
	test.That(t, err, test.ShouldBeNil)

	// prior covariance dwarfs the measurement variance, so the posterior
	// position should land essentially on the measurement
	pos, _ := f.State()
	test.That(t, pos.X, test.ShouldAlmostEqual, measured.X, 1e-3)
	test.That(t, pos.Y, test.ShouldAlmostEqual, measured.Y, 1e-3)
	test.That(t, pos.Z, test.ShouldAlmostEqual, measured.Z, 1e-3)
}

func TestStationaryConvergence(t *testing.T) {
	f := New(DefaultOptions())
	truth := r3.Vector{X: 10, Y: -2, Z: 1}
	test.That(t, f.Initialize(r3.Vector{}, identity), test.ShouldBeNil)

	// a stationary body measures specific force opposing gravity
	reaction := r3.Vector{Z: 9.80665}
	measVar := r3.Vector{X: 0.01, Y: 0.01, Z: 0.01}

	ts := 0.0
	lastTrace := math.Inf(1)
	for i := 0; i < 200; i++ {
		for j := 0; j < 10; j++ {
			ts += 0.01
			test.That(t, f.Predict(ts, r3.Vector{}, reaction), test.ShouldBeNil)
		}
		test.That(t, f.UpdatePosition(truth, measVar), test.ShouldBeNil)

		p := f.Covariance()
		trace := p.At(0, 0) + p.At(1, 1) + p.At(2, 2)
		test.That(t, trace, test.ShouldBeLessThanOrEqualTo, lastTrace+1e-12)
		lastTrace = trace
	}

	pos, _ := f.State()
	test.That(t, pos.X, test.ShouldAlmostEqual, truth.X, 0.05)
	test.That(t, pos.Y, test.ShouldAlmostEqual, truth.Y, 0.05)
	test.That(t, pos.Z, test.ShouldAlmostEqual, truth.Z, 0.05)
}

func TestCovarianceStaysSymmetricPSD(t *testing.T) {
	f := New(DefaultOptions())
	test.That(t, f.Initialize(r3.Vector{}, identity), test.ShouldBeNil)

	w := r3.Vector{X: 0.2, Y: 0.1, Z: -0.4}
	a := r3.Vector{X: 1, Y: -2, Z: 9.5}
	ts := 0.0
	for i := 0; i < 50; i++ {
		ts += 0.02
		test.That(t, f.Predict(ts, w, a), test.ShouldBeNil)
		if i%5 == 0 {
			pos, _ := f.State()
			test.That(t, f.UpdatePosition(pos.Add(r3.Vector{X: 0.1}), r3.Vector{X: 0.5, Y: 0.5, Z: 0.5}), test.ShouldBeNil)
		}
	}

	p := f.Covariance()
	n, _ := p.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			test.That(t, p.At(i, j), test.ShouldAlmostEqual, p.At(j, i), 1e-12)
			sym.SetSym(i, j, p.At(i, j))
		}
	}

	var eig mat.EigenSym
	test.That(t, eig.Factorize(sym, false), test.ShouldBeTrue)
	for _, ev := range eig.Values(nil) {
		test.That(t, ev, test.ShouldBeGreaterThanOrEqualTo, -1e-9)
	}
}

func TestSingularInnovationSkipsCorrection(t *testing.T) {
	opts := DefaultOptions()
	opts.InitialPosVar = 0
	f := New(opts)
	test.That(t, f.Initialize(r3.Vector{X: 7}, identity), test.ShouldBeNil)

	xBefore := mat.VecDenseCopyOf(f.x)

	// zero prior position covariance plus zero measurement variance leaves
	// nothing to factorize
	err := f.UpdatePosition(r3.Vector{X: 8}, r3.Vector{})
	test.That(t, err, test.ShouldBeError, ErrSingularInnovation)
	test.That(t, mat.Equal(f.x, xBefore), test.ShouldBeTrue)

	// the filter must stay usable after a rejected sample
	err = f.UpdatePosition(r3.Vector{X: 8}, r3.Vector{X: 0.1, Y: 0.1, Z: 0.1})
	test.That(t, err, test.ShouldBeNil)
}

func TestRotationFollowsGyro(t *testing.T) {
	f := New(DefaultOptions())
	test.That(t, f.Initialize(r3.Vector{}, identity), test.ShouldBeNil)

	// integrate a pi/2 yaw at 1 rad/s over 100 steps
	w := r3.Vector{Z: 1}
	ts := 0.0
	test.That(t, f.Predict(ts, w, r3.Vector{Z: 9.80665}), test.ShouldBeNil)
	for i := 0; i < 100; i++ {
		ts += math.Pi / 2 / 100
		test.That(t, f.Predict(ts, w, r3.Vector{Z: 9.80665}), test.ShouldBeNil)
	}

	_, q := f.State()
	want := expQuat(r3.Vector{Z: math.Pi / 2})
	test.That(t, q.Real, test.ShouldAlmostEqual, want.Real, 1e-6)
	test.That(t, q.Kmag, test.ShouldAlmostEqual, want.Kmag, 1e-6)
	test.That(t, math.Abs(q.Imag), test.ShouldBeLessThan, 1e-9)
	test.That(t, math.Abs(q.Jmag), test.ShouldBeLessThan, 1e-9)
}
