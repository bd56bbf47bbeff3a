package wan

import (
	"math"

	"github.com/wandiff/wandiff/ml"
)

const ropeTheta = 10000

// ropeBand returns the per-pair inverse frequencies for one grid axis.
// riflex overrides the frequency at index riflexIndex-1 so the temporal
// axis completes less than a full cycle over riflexLen frames, avoiding
// repeated motion on long videos.
func ropeBand(dim int, riflexIndex, riflexLen int) []float64 {
	inv := make([]float64, dim/2)
	for i := range inv {
		inv[i] = 1 / math.Pow(ropeTheta, float64(2*i)/float64(dim))
	}

	if riflexIndex > 0 && riflexIndex <= len(inv) {
		inv[riflexIndex-1] = 0.9 * 2 * math.Pi / float64(riflexLen)
	}

	return inv
}

// ropeTables builds the rotary cos/sin tables for a (frames, height, width)
// grid, padded with the identity rotation out to padTo positions. The
// headDim/2 rotation pairs are partitioned into a temporal band and two
// equal spatial bands: c-2(c/3), c/3, c/3.
func ropeTables(ctx ml.Context, grid [3]int, headDim, padTo, riflexIndex, riflexLen int) (cos, sin ml.Tensor, err error) {
	c := headDim / 2
	ch := c / 3
	cf := c - 2*ch

	fBand := ropeBand(2*cf, riflexIndex, riflexLen)
	hBand := ropeBand(2*ch, 0, 0)
	wBand := ropeBand(2*ch, 0, 0)

	f, h, w := grid[0], grid[1], grid[2]
	seq := max(f*h*w, padTo)

	cosData := make([]float32, seq*c)
	sinData := make([]float32, seq*c)
	for i := f * h * w * c; i < len(cosData); i++ {
		cosData[i] = 1
	}

	angle := func(dst []float32, pos int, band []float64, f func(float64) float64) []float32 {
		for _, inv := range band {
			dst[0] = float32(f(float64(pos) * inv))
			dst = dst[1:]
		}
		return dst
	}

	for fi := 0; fi < f; fi++ {
		for hi := 0; hi < h; hi++ {
			for wi := 0; wi < w; wi++ {
				l := (fi*h+hi)*w + wi

				cs := cosData[l*c : (l+1)*c]
				cs = angle(cs, fi, fBand, math.Cos)
				cs = angle(cs, hi, hBand, math.Cos)
				angle(cs, wi, wBand, math.Cos)

				sn := sinData[l*c : (l+1)*c]
				sn = angle(sn, fi, fBand, math.Sin)
				sn = angle(sn, hi, hBand, math.Sin)
				angle(sn, wi, wBand, math.Sin)
			}
		}
	}

	cos, err = ctx.FromFloatSlice(cosData, seq, c)
	if err != nil {
		return nil, nil, err
	}

	sin, err = ctx.FromFloatSlice(sinData, seq, c)
	if err != nil {
		return nil, nil, err
	}

	return cos, sin, nil
}
