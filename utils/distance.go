package utils

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// DistanceType selects how two descriptors are compared.
type DistanceType int

const (
	// Euclidean is the L2 distance between float descriptors.
	Euclidean DistanceType = iota
	// Hamming counts differing elements of binary descriptors.
	Hamming
)

func (d DistanceType) String() string {
	switch d {
	case Euclidean:
		return "euclidean"
	case Hamming:
		return "hamming"
	default:
		return "unknown"
	}
}

// DistanceTypeFromString parses "euclidean" (or "") and "hamming".
func DistanceTypeFromString(s string) (DistanceType, error) {
	switch s {
	case "", "euclidean":
		return Euclidean, nil
	case "hamming":
		return Hamming, nil
	default:
		return Euclidean, errors.Errorf("unknown distance type %q", s)
	}
}

// Distance returns a distance function of the given type. Both arguments must have the same
// length.
func (d DistanceType) Distance() func(p1, p2 []float64) float64 {
	if d == Hamming {
		return HammingDistance
	}
	return EuclideanDistance
}

// EuclideanDistance is the L2 distance of two vectors of the same length.
func EuclideanDistance(p1, p2 []float64) float64 {
	return floats.Distance(p1, p2, 2)
}

// HammingDistance counts the positions where two vectors of the same length differ.
func HammingDistance(p1, p2 []float64) float64 {
	var n int
	for i, v := range p1 {
		if v != p2[i] {
			n++
		}
	}
	return float64(n)
}
