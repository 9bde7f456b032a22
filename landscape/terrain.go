package landscape

import (
	"math"

	opensimplex "github.com/ojrac/opensimplex-go"
)

// NoiseField generates a w×h field of fractal noise in [0, 1].
// Each axis is mapped onto a circle in 4D noise space, so the field tiles
// seamlessly across the wrapped boundary. scale is the base feature frequency
// in cycles per grid width.
func NoiseField(seed int64, w, h int, scale float64, octaves int) []float64 {
	if octaves < 1 {
		octaves = 1
	}
	noise := opensimplex.NewNormalized(seed)
	field := make([]float64, w*h)

	for y := 0; y < h; y++ {
		ay := 2 * math.Pi * float64(y) / float64(h)
		for x := 0; x < w; x++ {
			ax := 2 * math.Pi * float64(x) / float64(w)
			field[y*w+x] = torusNoise(noise, ax, ay, scale, octaves)
		}
	}
	return field
}

// torusNoise layers octaves of 4D noise sampled on a torus.
func torusNoise(noise opensimplex.Noise, ax, ay, scale float64, octaves int) float64 {
	cx, sx := math.Cos(ax), math.Sin(ax)
	cy, sy := math.Cos(ay), math.Sin(ay)

	total := 0.0
	amplitude := 1.0
	maxVal := 0.0
	r := scale / (2 * math.Pi)

	for i := 0; i < octaves; i++ {
		total += noise.Eval4(r*cx, r*sx, r*cy, r*sy) * amplitude
		maxVal += amplitude
		amplitude *= 0.5
		r *= 2
	}

	return total / maxVal
}
