package ekf

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Predict advances the state to the given timestamp by strapdown inertial
// mechanization. angularVelocity is body-frame rad/s; specificForce is
// body-frame m/s^2 as an accelerometer reports it, gravity included.
//
// The first accepted sample after Initialize only establishes the timestamp
// baseline; there is no previous stamp to form a time step from, so nothing
// is integrated. A timestamp earlier than the previous one is rejected with
// ErrStaleTimestamp, non-finite inputs with ErrNonFiniteInput; in both cases
// the state is left exactly as it was. Before Initialize this is a no-op.
//
// Discretization is simple Euler: the specific force is rotated into the
// reference frame with the pre-update orientation, gravity is added, and the
// result is integrated twice. The quaternion is advanced by the axis-angle
// exponential of angularVelocity*dt and re-normalized, so its norm holds to
// machine precision regardless of how many samples are fed in.
func (f *Filter) Predict(timestamp float64, angularVelocity, specificForce r3.Vector) error {
	if !f.ready {
		return nil
	}
	if !finite(timestamp) || !vecFinite(angularVelocity) || !vecFinite(specificForce) {
		return ErrNonFiniteInput
	}
	if !f.hasStamp {
		f.stamp = timestamp
		f.hasStamp = true
		return nil
	}
	dt := timestamp - f.stamp
	if dt < 0 {
		return ErrStaleTimestamp
	}
	f.stamp = timestamp
	if dt == 0 {
		return nil
	}

	q := f.quat()
	// Pre-update orientation rotates the specific force into the reference
	// frame; gravity is a fixed reference-frame vector.
	accel := rotateVec(q, specificForce).Add(f.opts.Gravity)

	pos := f.position()
	vel := f.Velocity()
	pos = pos.Add(vel.Mul(dt)).Add(accel.Mul(0.5 * dt * dt))
	vel = vel.Add(accel.Mul(dt))

	f.x.SetVec(stateX, pos.X)
	f.x.SetVec(stateY, pos.Y)
	f.x.SetVec(stateZ, pos.Z)
	f.x.SetVec(stateVX, vel.X)
	f.x.SetVec(stateVY, vel.Y)
	f.x.SetVec(stateVZ, vel.Z)

	delta := expQuat(angularVelocity.Mul(dt))
	qNew := quat.Mul(q, delta)
	f.setQuat(quatScale(qNew, 1/quatNorm(qNew)))

	f.propagateCovariance(q, angularVelocity, specificForce, dt)
	return nil
}

// propagateCovariance performs P <- F P F^T + Q with the error-state
// Jacobian linearized about the pre-update orientation.
func (f *Filter) propagateCovariance(q quat.Number, angularVelocity, specificForce r3.Vector, dt float64) {
	bigF := mat.NewDense(numErrState, numErrState, nil)
	for i := 0; i < numErrState; i++ {
		bigF.Set(i, i, 1)
	}
	// d(delta p)/d(delta v)
	for i := 0; i < 3; i++ {
		bigF.Set(errPos+i, errVel+i, dt)
	}
	// d(delta v)/d(delta theta) = -R [f]x dt
	r := rotationMatrix(q)
	fx := skew(specificForce)
	var rfx mat.Dense
	rfx.Mul(r, fx)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			bigF.Set(errVel+i, errRot+j, -rfx.At(i, j)*dt)
		}
	}
	// d(delta theta)/d(delta theta) ~ I - [w dt]x
	wx := skew(angularVelocity)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			bigF.Set(errRot+i, errRot+j, bigF.At(errRot+i, errRot+j)-wx.At(i, j)*dt)
		}
	}

	var fp, fpft mat.Dense
	fp.Mul(bigF, f.p)
	fpft.Mul(&fp, bigF.T())
	f.p.CloneFrom(&fpft)

	// Accelerometer noise enters the double-integration chain with the
	// dt^4/dt^3/dt^2 ladder; gyro noise enters the rotation block at dt^2.
	dt2 := dt * dt
	qpp := 0.25 * f.opts.AccelVar * dt2 * dt2
	qpv := 0.5 * f.opts.AccelVar * dt2 * dt
	qvv := f.opts.AccelVar * dt2
	qrr := f.opts.GyroVar * dt2
	for i := 0; i < 3; i++ {
		f.p.Set(errPos+i, errPos+i, f.p.At(errPos+i, errPos+i)+qpp)
		f.p.Set(errPos+i, errVel+i, f.p.At(errPos+i, errVel+i)+qpv)
		f.p.Set(errVel+i, errPos+i, f.p.At(errVel+i, errPos+i)+qpv)
		f.p.Set(errVel+i, errVel+i, f.p.At(errVel+i, errVel+i)+qvv)
		f.p.Set(errRot+i, errRot+i, f.p.At(errRot+i, errRot+i)+qrr)
	}

	f.symmetrize()
}

// rotateVec applies the body-to-reference rotation q to a body-frame vector.
func rotateVec(q quat.Number, v r3.Vector) r3.Vector {
	qv := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	rotated := quat.Mul(quat.Mul(q, qv), quat.Conj(q))
	return r3.Vector{X: rotated.Imag, Y: rotated.Jmag, Z: rotated.Kmag}
}

// expQuat maps a rotation vector to its unit quaternion via the exponential
// map, falling back to the first-order expansion near zero rotation.
func expQuat(rot r3.Vector) quat.Number {
	angle := rot.Norm()
	if angle < 1e-12 {
		q := quat.Number{Real: 1, Imag: rot.X / 2, Jmag: rot.Y / 2, Kmag: rot.Z / 2}
		return quatScale(q, 1/quatNorm(q))
	}
	axis := rot.Mul(1 / angle)
	s := math.Sin(angle / 2)
	return quat.Number{
		Real: math.Cos(angle / 2),
		Imag: axis.X * s,
		Jmag: axis.Y * s,
		Kmag: axis.Z * s,
	}
}

// rotationMatrix returns the body-to-reference rotation matrix of a unit
// quaternion.
func rotationMatrix(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

func skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}
