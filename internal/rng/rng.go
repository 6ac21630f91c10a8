// Package rng provides the random sources behind every stochastic draw in the
// simulation. Sources are injectable so tests can script exact sequences and
// facilitators can replay a session from its seed.
package rng

import (
	"math/rand/v2"
)

// Source is the minimal random interface the simulation consumes.
type Source interface {
	// Float64 returns a uniform value in [0, 1).
	Float64() float64
	// NormFloat64 returns a standard-normal value.
	NormFloat64() float64
}

// New returns a PCG-backed source for the given seed pair.
func New(seed, stream uint64) Source {
	return rand.New(rand.NewPCG(seed, stream))
}

// ForRound derives the source used to generate one round of a game. The same
// (seed, round) always yields the same sequence, which is what makes gap
// regeneration and replays deterministic.
func ForRound(seed uint64, round int) Source {
	return New(seed, 0x9e3779b97f4a7c15^uint64(round))
}

// Uniform draws from [lo, hi).
func Uniform(src Source, lo, hi float64) float64 {
	return lo + src.Float64()*(hi-lo)
}

// Chance reports whether an event with probability p fires.
func Chance(src Source, p float64) bool {
	return src.Float64() < p
}

// Scripted replays fixed sequences. Each slice is consumed in order and wraps
// around; an empty slice yields 0.5 for uniforms and 0 for normals.
type Scripted struct {
	Uniforms []float64
	Normals  []float64

	ui, ni int
}

func (s *Scripted) Float64() float64 {
	if len(s.Uniforms) == 0 {
		return 0.5
	}
	v := s.Uniforms[s.ui%len(s.Uniforms)]
	s.ui++
	return v
}

func (s *Scripted) NormFloat64() float64 {
	if len(s.Normals) == 0 {
		return 0
	}
	v := s.Normals[s.ni%len(s.Normals)]
	s.ni++
	return v
}
