package quadrature

import (
	"fmt"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate/quad"
)

// TestGaussLegendreExactness checks an n point rule integrates x^k exactly
// for k <= 2n-1
func TestGaussLegendreExactness(t *testing.T) {
	for n := 1; n <= 8; n++ {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			r, err := GaussLegendre(n)
			require.NoError(t, err)
			require.Equal(t, n, r.Len())
			assert.True(t, sort.Float64sAreSorted(r.Points))
			assert.InDelta(t, 2.0, floats.Sum(r.Weights), 1e-13)

			for k := 0; k <= 2*n-1; k++ {
				var got float64
				for i, x := range r.Points {
					got += r.Weights[i] * math.Pow(x, float64(k))
				}
				want := 0.0
				if k%2 == 0 {
					want = 2.0 / float64(k+1)
				}
				assert.InDelta(t, want, got, 1e-13, "x^%d", k)
			}
		})
	}
}

func TestGaussLegendreMatchesGonum(t *testing.T) {
	for n := 1; n <= 6; n++ {
		r, err := GaussLegendre(n)
		require.NoError(t, err)

		x := make([]float64, n)
		w := make([]float64, n)
		quad.Legendre{}.FixedLocations(x, w, -1, 1)
		idx := make([]int, n)
		floats.Argsort(x, idx)
		ws := make([]float64, n)
		for i, k := range idx {
			ws[i] = w[k]
		}

		assert.InDeltaSlice(t, x, r.Points, 1e-12, "n=%d", n)
		assert.InDeltaSlice(t, ws, r.Weights, 1e-12, "n=%d", n)
	}
}

func TestRuleMap(t *testing.T) {
	r, err := GaussLegendre(3)
	require.NoError(t, err)
	pts := make([]float64, 3)
	wts := make([]float64, 3)
	r.Map(1, 4, pts, wts)

	assert.InDelta(t, 3.0, floats.Sum(wts), 1e-13)
	// integral of x^2 over [1,4] = 21
	var got float64
	for i, x := range pts {
		got += wts[i] * x * x
	}
	assert.InDelta(t, 21.0, got, 1e-12)
}

func TestJacobiGQ(t *testing.T) {
	_, _, err := JacobiGQ(0, 0, -1)
	assert.Error(t, err)

	x, w, err := JacobiGQ(1, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, x)
	assert.InDeltaSlice(t, []float64{4. / 3.}, w, 1e-14)

	// weight (1-x)(1+x): integral over [-1,1] is 4/3
	x, w, err = JacobiGQ(1, 1, 3)
	require.NoError(t, err)
	assert.InDelta(t, 4./3., floats.Sum(w), 1e-12)
	assert.InDelta(t, 4./3., Gamma0(1, 1), 1e-14)
	assert.Len(t, x, 4)

	_, err = GaussLegendre(0)
	assert.Error(t, err)
}
