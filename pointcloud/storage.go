package pointcloud

import (
	"github.com/golang/geo/r3"
)

// storage is the backing store of a cloud. Insertion order is preserved so that
// clouds built from an ordered point list iterate in that order.
type storage interface {
	Size() int
	Set(p r3.Vector, d Data) error
	At(x, y, z float64) (Data, bool)
	Iterate(numBatches, myBatch int, fn func(p r3.Vector, d Data) bool)
}

type matrixStorage struct {
	points   []PointAndData
	indexMap map[r3.Vector]uint
}

func newMatrixStorage(size int) *matrixStorage {
	return &matrixStorage{points: make([]PointAndData, 0, size), indexMap: make(map[r3.Vector]uint, size)}
}

func (ms *matrixStorage) Size() int {
	return len(ms.points)
}

func (ms *matrixStorage) Set(p r3.Vector, d Data) error {
	if i, found := ms.indexMap[p]; found {
		ms.points[i].D = d
		return nil
	}
	ms.points = append(ms.points, PointAndData{p, d})
	ms.indexMap[p] = uint(len(ms.points) - 1)
	return nil
}

func (ms *matrixStorage) At(x, y, z float64) (Data, bool) {
	if i, found := ms.indexMap[r3.Vector{X: x, Y: y, Z: z}]; found {
		return ms.points[i].D, true
	}
	return nil, false
}

func (ms *matrixStorage) Iterate(numBatches, myBatch int, fn func(p r3.Vector, d Data) bool) {
	if numBatches > 0 {
		batchSize := (len(ms.points) + numBatches - 1) / numBatches
		for i := myBatch * batchSize; i < (myBatch+1)*batchSize && i < len(ms.points); i++ {
			if !fn(ms.points[i].P, ms.points[i].D) {
				return
			}
		}
		return
	}
	for _, pd := range ms.points {
		if !fn(pd.P, pd.D) {
			return
		}
	}
}
