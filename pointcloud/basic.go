package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// The LAS format stores coordinates as scaled int32 values; anything outside this range
// cannot be written back without loss.
const (
	maxPreciseFloat64 = float64(math.MaxInt32) / 1000
	minPreciseFloat64 = float64(math.MinInt32) / 1000
)

// basicPointCloud is the basic implementation of the PointCloud interface backed by
// a slice of points indexed by position.
type basicPointCloud struct {
	points storage
	meta   MetaData
}

// New returns an empty PointCloud backed by a basicPointCloud.
func New() PointCloud {
	return NewWithPrealloc(0)
}

// NewWithPrealloc returns an empty, preallocated PointCloud backed by a basicPointCloud.
func NewWithPrealloc(size int) PointCloud {
	return &basicPointCloud{
		points: newMatrixStorage(size),
		meta:   NewMetaData(),
	}
}

func (cloud *basicPointCloud) Size() int {
	return cloud.points.Size()
}

func (cloud *basicPointCloud) MetaData() MetaData {
	return cloud.meta
}

func (cloud *basicPointCloud) At(x, y, z float64) (Data, bool) {
	return cloud.points.At(x, y, z)
}

// Set validates that the point can be precisely stored before setting it in the cloud.
func (cloud *basicPointCloud) Set(p r3.Vector, d Data) error {
	if err := checkPrecise(p); err != nil {
		return err
	}
	_, pointExists := cloud.At(p.X, p.Y, p.Z)
	if err := cloud.points.Set(p, d); err != nil {
		return err
	}
	if !pointExists {
		cloud.meta.Merge(p, d)
	}
	return nil
}

func (cloud *basicPointCloud) Iterate(numBatches, myBatch int, fn func(p r3.Vector, d Data) bool) {
	cloud.points.Iterate(numBatches, myBatch, fn)
}

func checkPrecise(p r3.Vector) error {
	check := func(name string, v float64) error {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Errorf("%s component (%v) is not finite", name, v)
		}
		if v < minPreciseFloat64 || v > maxPreciseFloat64 {
			return errors.Errorf("%s component (%v) is out of range [%v,%v]", name, v, minPreciseFloat64, maxPreciseFloat64)
		}
		return nil
	}
	if err := check("x", p.X); err != nil {
		return err
	}
	if err := check("y", p.Y); err != nil {
		return err
	}
	return check("z", p.Z)
}
