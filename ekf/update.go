package ekf

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// UpdatePosition corrects the state with an absolute position observation in
// the reference frame. variance is the observation's diagonal measurement
// variance, per axis, so differently trusted sources (satellite fix, odometry)
// can share the same entry point.
//
// The observation model is a direct read of the position sub-block, so the
// innovation covariance is just the position covariance block plus R. It is
// factorized with Cholesky rather than inverted; if factorization fails the
// correction is skipped and ErrSingularInnovation returned with the state
// untouched. Velocity and orientation are corrected only through the
// cross-covariance the prediction step accumulated. Before Initialize this is
// a no-op.
func (f *Filter) UpdatePosition(measured, variance r3.Vector) error {
	if !f.ready {
		return nil
	}
	if !vecFinite(measured) || !vecFinite(variance) {
		return ErrNonFiniteInput
	}

	// S = H P H^T + R with H = [I 0 0].
	s := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			s.SetSym(i, j, f.p.At(errPos+i, errPos+j))
		}
	}
	s.SetSym(0, 0, s.At(0, 0)+variance.X)
	s.SetSym(1, 1, s.At(1, 1)+variance.Y)
	s.SetSym(2, 2, s.At(2, 2)+variance.Z)

	var chol mat.Cholesky
	if ok := chol.Factorize(s); !ok {
		return ErrSingularInnovation
	}

	// K = P H^T S^-1, computed by solving S K^T = (P H^T)^T.
	pht := mat.NewDense(numErrState, 3, nil)
	for i := 0; i < numErrState; i++ {
		for j := 0; j < 3; j++ {
			pht.Set(i, j, f.p.At(i, errPos+j))
		}
	}
	var kt mat.Dense
	if err := chol.SolveTo(&kt, pht.T()); err != nil {
		return ErrSingularInnovation
	}
	var k mat.Dense
	k.CloneFrom(kt.T())

	pos := f.position()
	innovation := mat.NewVecDense(3, []float64{
		measured.X - pos.X,
		measured.Y - pos.Y,
		measured.Z - pos.Z,
	})
	var dx mat.VecDense
	dx.MulVec(&k, innovation)

	f.x.SetVec(stateX, pos.X+dx.AtVec(errPos))
	f.x.SetVec(stateY, pos.Y+dx.AtVec(errPos+1))
	f.x.SetVec(stateZ, pos.Z+dx.AtVec(errPos+2))
	f.x.SetVec(stateVX, f.x.AtVec(stateVX)+dx.AtVec(errVel))
	f.x.SetVec(stateVY, f.x.AtVec(stateVY)+dx.AtVec(errVel+1))
	f.x.SetVec(stateVZ, f.x.AtVec(stateVZ)+dx.AtVec(errVel+2))

	// The rotation correction comes purely from cross-covariance; inject it
	// multiplicatively to keep the quaternion on the unit sphere.
	dtheta := r3.Vector{X: dx.AtVec(errRot), Y: dx.AtVec(errRot + 1), Z: dx.AtVec(errRot + 2)}
	qNew := quat.Mul(f.quat(), expQuat(dtheta))
	f.setQuat(quatScale(qNew, 1/quatNorm(qNew)))

	// P <- (I - K H) P.
	ikh := mat.NewDense(numErrState, numErrState, nil)
	for i := 0; i < numErrState; i++ {
		ikh.Set(i, i, 1)
	}
	for i := 0; i < numErrState; i++ {
		for j := 0; j < 3; j++ {
			ikh.Set(i, errPos+j, ikh.At(i, errPos+j)-k.At(i, j))
		}
	}
	var newP mat.Dense
	newP.Mul(ikh, f.p)
	f.p.CloneFrom(&newP)
	f.symmetrize()

	return nil
}
