package keypoints

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// indexedDescriptor is a descriptor that remembers its position in the input slice.
type indexedDescriptor struct {
	vec Descriptor
	idx int
}

// Compare returns the signed distance of p from the plane passing through c and perpendicular to the
// dimension d.
func (p indexedDescriptor) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedDescriptor)
	return p.vec[d] - q.vec[d]
}

// Dims returns the number of dimensions described by the receiver.
func (p indexedDescriptor) Dims() int {
	return len(p.vec)
}

// Distance returns the squared Euclidean distance between c and the receiver.
func (p indexedDescriptor) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedDescriptor)
	sum := 0.
	for i, v := range p.vec {
		d := v - q.vec[i]
		sum += d * d
	}
	return sum
}

type indexedDescriptors []indexedDescriptor

func (p indexedDescriptors) Index(i int) kdtree.Comparable {
	return p[i]
}

func (p indexedDescriptors) Len() int {
	return len(p)
}

func (p indexedDescriptors) Pivot(d kdtree.Dim) int {
	return descriptorPlane{indexedDescriptors: p, Dim: d}.Pivot()
}

func (p indexedDescriptors) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}

// descriptorPlane sorts descriptors along one dimension for pivot selection.
type descriptorPlane struct {
	kdtree.Dim
	indexedDescriptors
}

func (p descriptorPlane) Less(i, j int) bool {
	return p.indexedDescriptors[i].vec[p.Dim] < p.indexedDescriptors[j].vec[p.Dim]
}

func (p descriptorPlane) Pivot() int {
	return kdtree.Partition(p, kdtree.MedianOfMedians(p))
}

func (p descriptorPlane) Slice(start, end int) kdtree.SortSlicer {
	p.indexedDescriptors = p.indexedDescriptors[start:end]
	return p
}

func (p descriptorPlane) Swap(i, j int) {
	p.indexedDescriptors[i], p.indexedDescriptors[j] = p.indexedDescriptors[j], p.indexedDescriptors[i]
}

// neighbor is a candidate match with its euclidean distance.
type neighbor struct {
	idx  int
	dist float64
}

// descriptorIndex answers two nearest neighbor queries over a set of descriptors.
type descriptorIndex interface {
	nearestTwo(q Descriptor) (neighbor, neighbor)
}

type kdDescriptorIndex struct {
	tree     *kdtree.Tree
	descs    []Descriptor
	distance func(a, b Descriptor) float64
}

func newKDDescriptorIndex(descs []Descriptor, distance func(a, b Descriptor) float64) *kdDescriptorIndex {
	points := make(indexedDescriptors, len(descs))
	for i, d := range descs {
		points[i] = indexedDescriptor{vec: d, idx: i}
	}
	return &kdDescriptorIndex{tree: kdtree.New(points, false), descs: descs, distance: distance}
}

// nearestTwo returns the closest and second closest descriptors. Among equally distant
// candidates the lowest index comes first. A missing neighbor has an infinite distance.
func (ki *kdDescriptorIndex) nearestTwo(q Descriptor) (neighbor, neighbor) {
	query := indexedDescriptor{vec: q, idx: -1}
	keeper := kdtree.NewNKeeper(2)
	ki.tree.NearestSet(keeper, query)
	radius := -1.
	for _, cd := range keeper.Heap {
		if cd.Comparable != nil {
			radius = math.Max(radius, cd.Dist)
		}
	}
	if radius < 0 {
		return neighbor{idx: -1, dist: math.Inf(1)}, neighbor{idx: -1, dist: math.Inf(1)}
	}

	// the tree keeps an arbitrary subset of equally distant points, so gather every point
	// up to the second distance and rank them with the exact distance
	ties := kdtree.NewDistKeeper(radius * (1 + 1e-9))
	ki.tree.NearestSet(ties, query)
	var cands []neighbor
	for _, cd := range ties.Heap {
		if cd.Comparable == nil {
			continue
		}
		idx := cd.Comparable.(indexedDescriptor).idx
		cands = append(cands, neighbor{idx: idx, dist: ki.distance(q, ki.descs[idx])})
	}
	return nearestTwoOf(cands)
}

// nearestTwoOf picks the two smallest candidates by distance then index.
func nearestTwoOf(cands []neighbor) (neighbor, neighbor) {
	best := neighbor{idx: -1, dist: math.Inf(1)}
	second := neighbor{idx: -1, dist: math.Inf(1)}
	less := func(a, b neighbor) bool {
		return a.dist < b.dist || (a.dist == b.dist && a.idx < b.idx)
	}
	for _, c := range cands {
		switch {
		case best.idx < 0 || less(c, best):
			second = best
			best = c
		case second.idx < 0 || less(c, second):
			second = c
		}
	}
	return best, second
}

type bruteForceIndex struct {
	descs    []Descriptor
	distance func(a, b Descriptor) float64
}

func (bi *bruteForceIndex) nearestTwo(q Descriptor) (neighbor, neighbor) {
	best := neighbor{idx: -1, dist: math.Inf(1)}
	second := neighbor{idx: -1, dist: math.Inf(1)}
	for j, d := range bi.descs {
		dist := bi.distance(q, d)
		switch {
		case dist < best.dist:
			second = best
			best = neighbor{idx: j, dist: dist}
		case dist < second.dist:
			second = neighbor{idx: j, dist: dist}
		}
	}
	return best, second
}
