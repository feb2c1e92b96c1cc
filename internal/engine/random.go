package engine

import (
	"math/rand/v2"
)

// Random is the injectable source for the fragile-failure roll.
type Random interface {
	Float64() float64
}

// PCGRandom is a seedable Random whose state survives snapshots.
type PCGRandom struct {
	src *rand.PCG
	r   *rand.Rand
}

func NewPCGRandom(seed uint64) *PCGRandom {
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &PCGRandom{src: src, r: rand.New(src)}
}

func (p *PCGRandom) Float64() float64 { return p.r.Float64() }

func (p *PCGRandom) MarshalBinary() ([]byte, error) { return p.src.MarshalBinary() }

func (p *PCGRandom) UnmarshalBinary(data []byte) error { return p.src.UnmarshalBinary(data) }

// FixedRandom replays values in order, repeating the last one. Useful to
// force both outcomes of the fragile roll.
type FixedRandom struct {
	Values []float64
	next   int
}

func (f *FixedRandom) Float64() float64 {
	if len(f.Values) == 0 {
		return 0
	}
	v := f.Values[f.next]
	if f.next < len(f.Values)-1 {
		f.next++
	}
	return v
}
