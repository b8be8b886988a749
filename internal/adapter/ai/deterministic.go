package ai

import (
	"crypto/sha1"
	"encoding/binary"
	"math"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// Dims is the embedding dimensionality used across the pipeline.
const Dims = 1536

// Deterministic implements domain.Embedder without network access. The same
// text always yields the same unit vector, so dev and test runs are
// reproducible and similarity scores stay stable.
type Deterministic struct {
	dims int
}

// NewDeterministic constructs the offline embedder. dims <= 0 selects the
// pipeline default.
func NewDeterministic(dims int) *Deterministic {
	if dims <= 0 {
		dims = Dims
	}
	return &Deterministic{dims: dims}
}

// Embed returns a deterministic unit vector per input text.
func (d *Deterministic) Embed(_ domain.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = embedDeterministic(t, d.dims)
	}
	return out, nil
}

func embedDeterministic(s string, dims int) []float32 {
	// Simple LCG seeded by sha1(s)
	h := sha1.Sum([]byte(s))
	x := binary.BigEndian.Uint32(h[:4])
	const a = 1664525
	const c = 1013904223
	vec := make([]float32, dims)
	var norm float64
	for i := 0; i < dims; i++ {
		x = uint32(uint64(a)*uint64(x) + uint64(c))
		// map to [-1,1] range approximately
		v := 2*(float64(x)/float64(^uint32(0))) - 1
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}
