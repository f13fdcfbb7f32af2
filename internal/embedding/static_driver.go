package embedding

import (
	"context"
	"math"

	"golang.org/x/crypto/blake2s"
)

// StaticDriver is a deterministic, dependency-free embedder for
// development and tests: it derives a unit vector from the blake2s hash
// of each input so that repeated calls with the same text always
// produce the same vector (useful for asserting search ordering in
// tests without a real embedding backend, which is out of scope for
// this service per spec.md §1).
type StaticDriver struct {
	dim int
}

// NewStaticDriver returns a StaticDriver producing vectors of the given
// dimension (384 by default, per spec.md §3, when dim <= 0).
func NewStaticDriver(dim int) *StaticDriver {
	if dim <= 0 {
		dim = 384
	}
	return &StaticDriver{dim: dim}
}

func (d *StaticDriver) Kind() string       { return "static" }
func (d *StaticDriver) Dimensions() int    { return d.dim }
func (d *StaticDriver) MaxBatchSize() int  { return MaxBatchInputs }
func (d *StaticDriver) HealthCheck(context.Context) error { return nil }

func (d *StaticDriver) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashVector(t, d.dim)
	}
	return out, nil
}

// hashVector expands a blake2s digest into a normalised float32 vector
// by cycling the hash bytes across dim components.
func hashVector(text string, dim int) []float32 {
	sum := blake2s.Sum256([]byte(text))
	v := make([]float32, dim)
	var norm float64
	for i := 0; i < dim; i++ {
		b := sum[i%len(sum)]
		// Mix in the component index so cycling the hash doesn't repeat
		// identical values every len(sum) components.
		val := float32(int(b)-128) + float32(i%7)
		v[i] = val
		norm += float64(val) * float64(val)
	}
	if norm == 0 {
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}
