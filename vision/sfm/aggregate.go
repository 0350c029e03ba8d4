package sfm

import (
	"image/color"
	"sort"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/samber/lo"

	"github.com/ift6142/ringsfm/rimage"
)

// candidate is a point triangulated by a single view pair, before deduplication.
type candidate struct {
	position      r3.Vector
	color         color.RGBA
	hasColor      bool
	lowConfidence bool
	provenance    []Observation
}

// aggregator deduplicates candidates into the global point cloud. Candidates live in an arena
// and are never moved; merging is tracked with a union-find over arena indices, so the merged
// cloud only depends on the set of candidates and not on the order they arrived in.
// add must only be called from a single goroutine; snapshot may be called from any.
type aggregator struct {
	mu            sync.Mutex
	epsilon       float64
	arena         []candidate
	parent        []int
	byObservation map[Observation][]int
}

func newAggregator(epsilon float64) *aggregator {
	return &aggregator{epsilon: epsilon, byObservation: map[Observation][]int{}}
}

func (a *aggregator) find(i int) int {
	for a.parent[i] != i {
		a.parent[i] = a.parent[a.parent[i]]
		i = a.parent[i]
	}
	return i
}

func (a *aggregator) union(i, j int) {
	ri, rj := a.find(i), a.find(j)
	if ri == rj {
		return
	}
	if rj < ri {
		ri, rj = rj, ri
	}
	a.parent[rj] = ri
}

// add inserts candidates, linking each to every earlier candidate that shares an observation
// with it and lies within epsilon.
func (a *aggregator) add(cands []candidate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range cands {
		c.provenance = normalizeProvenance(c.provenance)
		idx := len(a.arena)
		a.arena = append(a.arena, c)
		a.parent = append(a.parent, idx)
		for _, obs := range c.provenance {
			for _, other := range a.byObservation[obs] {
				if a.arena[other].position.Sub(c.position).Norm() <= a.epsilon {
					a.union(idx, other)
				}
			}
			a.byObservation[obs] = append(a.byObservation[obs], idx)
		}
	}
}

// size returns the number of candidates received so far.
func (a *aggregator) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.arena)
}

// snapshot returns the merged points sorted by their first observation.
func (a *aggregator) snapshot(discardLowConfidence bool) []Point3D {
	a.mu.Lock()
	groups := map[int][]candidate{}
	for i := range a.arena {
		root := a.find(i)
		groups[root] = append(groups[root], a.arena[i])
	}
	a.mu.Unlock()

	points := make([]Point3D, 0, len(groups))
	for _, members := range groups {
		pt := mergeCandidates(members)
		if discardLowConfidence && pt.LowConfidence {
			continue
		}
		points = append(points, pt)
	}
	sort.Slice(points, func(i, j int) bool {
		pi, pj := points[i].Provenance[0], points[j].Provenance[0]
		if pi != pj {
			return pi.less(pj)
		}
		return points[i].Position.Cmp(points[j].Position) < 0
	})
	return points
}

// mergeCandidates averages a group of candidates. Members are sorted by provenance first so the
// floating point sums do not depend on arrival order.
func mergeCandidates(members []candidate) Point3D {
	sort.Slice(members, func(i, j int) bool {
		return provenanceLess(members[i].provenance, members[j].provenance)
	})
	var sum r3.Vector
	var colors []color.RGBA
	var provenance []Observation
	allLow := true
	for _, m := range members {
		sum = sum.Add(m.position)
		if m.hasColor {
			colors = append(colors, m.color)
		}
		allLow = allLow && m.lowConfidence
		provenance = append(provenance, m.provenance...)
	}
	pt := Point3D{
		Position:      sum.Mul(1 / float64(len(members))),
		LowConfidence: allLow,
		Provenance:    normalizeProvenance(provenance),
	}
	if len(colors) > 0 {
		c := rimage.AverageColor(colors)
		pt.Color = color.NRGBA{c.R, c.G, c.B, 255}
		pt.HasColor = true
	}
	return pt
}

func normalizeProvenance(obs []Observation) []Observation {
	out := lo.Uniq(obs)
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

func provenanceLess(a, b []Observation) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i].less(b[i])
		}
	}
	return len(a) < len(b)
}
