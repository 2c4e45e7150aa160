package xai

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// weightedRidge fits y ≈ X·coef + intercept minimizing
// Σ wᵢ(yᵢ - xᵢ·coef - b)² + alpha·|coef|². X is n x p, row major.
func weightedRidge(x [][]float64, y, w []float64, alpha float64) (coef []float64, intercept float64, err error) {
	n := len(x)
	if n == 0 || len(y) != n || len(w) != n {
		return nil, 0, errors.New("ridge: inconsistent sample sizes")
	}
	p := len(x[0])
	var wsum float64
	for _, v := range w {
		wsum += v
	}
	if wsum <= 0 {
		return nil, 0, errors.New("ridge: weights sum to zero")
	}
	xMean := make([]float64, p)
	var yMean float64
	for i, row := range x {
		for j, v := range row {
			xMean[j] += w[i] * v
		}
		yMean += w[i] * y[i]
	}
	for j := range xMean {
		xMean[j] /= wsum
	}
	yMean /= wsum

	// Solve (XcᵀWXc + αI)·coef = XcᵀWyc on centered data.
	a := mat.NewSymDense(p, nil)
	rhs := mat.NewVecDense(p, nil)
	xc := make([]float64, p)
	for i, row := range x {
		for j, v := range row {
			xc[j] = v - xMean[j]
		}
		yc := y[i] - yMean
		for j := 0; j < p; j++ {
			if xc[j] == 0 {
				continue
			}
			wx := w[i] * xc[j]
			rhs.SetVec(j, rhs.AtVec(j)+wx*yc)
			for k := j; k < p; k++ {
				a.SetSym(j, k, a.At(j, k)+wx*xc[k])
			}
		}
	}
	for j := 0; j < p; j++ {
		a.SetSym(j, j, a.At(j, j)+alpha)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, 0, errors.New("ridge: system is not positive definite")
	}
	var sol mat.VecDense
	if err := chol.SolveVecTo(&sol, rhs); err != nil {
		return nil, 0, err
	}
	coef = make([]float64, p)
	intercept = yMean
	for j := range coef {
		coef[j] = sol.AtVec(j)
		intercept -= xMean[j] * coef[j]
	}
	return coef, intercept, nil
}
