package keypoints

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
)

func oneHot(size, hot int) Descriptor {
	d := make(Descriptor, size)
	d[hot] = 1
	return d
}

func randomDescriptors(rng *rand.Rand, n, size int) []Descriptor {
	out := make([]Descriptor, n)
	for i := range out {
		out[i] = make(Descriptor, size)
		for j := range out[i] {
			out[i][j] = rng.Float64()
		}
	}
	return out
}

func TestMatchRatioTest(t *testing.T) {
	matcher, err := NewDescriptorMatcher(nil)
	test.That(t, err, test.ShouldBeNil)

	query := []Descriptor{{1, 0, 0}, {0, 1, 0}, {0.5, 0.5, 0}}
	train := []Descriptor{{0, 0.9, 0}, {0.95, 0, 0.05}, {0, 0, 1}}
	matches, err := matcher.Match(query, train)
	test.That(t, err, test.ShouldBeNil)
	// the third query is ambiguous between the first two train descriptors
	test.That(t, len(matches), test.ShouldEqual, 2)
	test.That(t, matches[0].QueryIdx, test.ShouldEqual, 0)
	test.That(t, matches[0].TrainIdx, test.ShouldEqual, 1)
	test.That(t, matches[0].Distance, test.ShouldAlmostEqual, 0.0707, 1e-4)
	test.That(t, matches[1].QueryIdx, test.ShouldEqual, 1)
	test.That(t, matches[1].TrainIdx, test.ShouldEqual, 0)
	test.That(t, matches[1].Distance, test.ShouldAlmostEqual, 0.1)
	for _, m := range matches {
		test.That(t, m.Score, test.ShouldBeBetween, 0., 1.)
	}

	// a single candidate always passes the ratio test
	matches, err = matcher.Match(query[:1], train[:1])
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(matches), test.ShouldEqual, 1)
	test.That(t, matches[0].Score, test.ShouldEqual, 1.)
}

func TestMatchZeroOverlap(t *testing.T) {
	matcher, err := NewDescriptorMatcher(nil)
	test.That(t, err, test.ShouldBeNil)
	var a, b []Descriptor
	for i := 0; i < 8; i++ {
		a = append(a, oneHot(16, i))
		b = append(b, oneHot(16, i+8))
	}
	matches, err := matcher.Match(a, b)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, matches, test.ShouldNotBeNil)
	test.That(t, len(matches), test.ShouldEqual, 0)

	matches, err = matcher.Match(nil, b)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(matches), test.ShouldEqual, 0)
}

func TestMatchCrossCheckNeverAddsMatches(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	for trial := 0; trial < 5; trial++ {
		a := randomDescriptors(rng, 40, 8)
		b := randomDescriptors(rng, 50, 8)
		plain, err := NewDescriptorMatcher(&MatchingConfig{RatioThreshold: 0.9, Distance: "euclidean"})
		test.That(t, err, test.ShouldBeNil)
		checked, err := NewDescriptorMatcher(&MatchingConfig{RatioThreshold: 0.9, Distance: "euclidean", DoCrossCheck: true})
		test.That(t, err, test.ShouldBeNil)

		m1, err := plain.Match(a, b)
		test.That(t, err, test.ShouldBeNil)
		m2, err := checked.Match(a, b)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, len(m2), test.ShouldBeLessThanOrEqualTo, len(m1))
		inPlain := map[Correspondence]bool{}
		for _, m := range m1 {
			inPlain[m] = true
		}
		for _, m := range m2 {
			test.That(t, inPlain[m], test.ShouldBeTrue)
		}
	}
}

func TestMatchKDTreeAgreesWithBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	a := randomDescriptors(rng, 100, 16)
	b := randomDescriptors(rng, 300, 16)
	for _, crossCheck := range []bool{false, true} {
		brute, err := NewDescriptorMatcher(&MatchingConfig{RatioThreshold: 0.9, DoCrossCheck: crossCheck})
		test.That(t, err, test.ShouldBeNil)
		indexed, err := NewDescriptorMatcher(&MatchingConfig{RatioThreshold: 0.9, DoCrossCheck: crossCheck, IndexThreshold: 1})
		test.That(t, err, test.ShouldBeNil)
		m1, err := brute.Match(a, b)
		test.That(t, err, test.ShouldBeNil)
		m2, err := indexed.Match(a, b)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, m2, test.ShouldResemble, m1)
	}
}

func TestNearestTwoTies(t *testing.T) {
	descs := []Descriptor{{0, 1}}
	for i := 0; i < 8; i++ {
		descs = append(descs, Descriptor{1, 0})
	}
	descs = append(descs, Descriptor{5, 5})
	distance := func(a, b Descriptor) float64 {
		return r2.Point{X: a[0], Y: a[1]}.Sub(r2.Point{X: b[0], Y: b[1]}).Norm()
	}
	for _, index := range []descriptorIndex{
		&bruteForceIndex{descs: descs, distance: distance},
		newKDDescriptorIndex(descs, distance),
	} {
		best, second := index.nearestTwo(Descriptor{1, 0})
		test.That(t, best.idx, test.ShouldEqual, 1)
		test.That(t, best.dist, test.ShouldEqual, 0.)
		test.That(t, second.idx, test.ShouldEqual, 2)
		test.That(t, second.dist, test.ShouldEqual, 0.)

		// {0, 1} is nearest to {0, 2}; the eight copies of {1, 0} tie behind it
		best, second = index.nearestTwo(Descriptor{0, 2})
		test.That(t, best.idx, test.ShouldEqual, 0)
		test.That(t, second.idx, test.ShouldEqual, 1)
	}
}

func TestCrossCheckTiesPickLowestQuery(t *testing.T) {
	train := []Descriptor{{1, 0, 0}, {9, 9, 9}}
	for _, n := range []int{3, 5, 6, 8} {
		query := make([]Descriptor, n)
		for i := range query {
			query[i] = Descriptor{1, 0, 0}
		}
		for _, threshold := range []int{0, 1} {
			matcher, err := NewDescriptorMatcher(&MatchingConfig{RatioThreshold: 0.8, DoCrossCheck: true, IndexThreshold: threshold})
			test.That(t, err, test.ShouldBeNil)
			matches, err := matcher.Match(query, train)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, matches, test.ShouldResemble, []Correspondence{{QueryIdx: 0, TrainIdx: 0, Distance: 0, Score: 1}})
		}
	}
}

func TestMatchHammingAndLimits(t *testing.T) {
	matcher, err := NewDescriptorMatcher(&MatchingConfig{RatioThreshold: 0.8, Distance: "hamming", MaxMatches: 2})
	test.That(t, err, test.ShouldBeNil)
	a := []Descriptor{
		{1, 1, 1, 1, 0, 0, 0, 0},
		{0, 0, 0, 0, 1, 1, 1, 1},
		{1, 0, 1, 0, 1, 0, 1, 0},
	}
	b := []Descriptor{
		{0, 0, 0, 0, 1, 1, 1, 0},
		{1, 0, 1, 0, 1, 0, 1, 0},
		{1, 1, 1, 1, 0, 0, 0, 0},
	}
	matches, err := matcher.Match(a, b)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(matches), test.ShouldEqual, 2)
	test.That(t, matches[0], test.ShouldResemble, Correspondence{QueryIdx: 0, TrainIdx: 2, Distance: 0, Score: 1})
	test.That(t, matches[1], test.ShouldResemble, Correspondence{QueryIdx: 2, TrainIdx: 1, Distance: 0, Score: 1})

	_, err = matcher.Match(a, []Descriptor{{1, 0}})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewDescriptorMatcher(&MatchingConfig{RatioThreshold: 0.8, Distance: "cosine"})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewDescriptorMatcher(&MatchingConfig{RatioThreshold: 1.5})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestMatchShiftedImages(t *testing.T) {
	sift, err := NewSIFTExtractor(nil)
	test.That(t, err, test.ShouldBeNil)
	f1, err := sift.Extract(createBlobImage(160, 128, 0))
	test.That(t, err, test.ShouldBeNil)
	f2, err := sift.Extract(createBlobImage(160, 128, 16))
	test.That(t, err, test.ShouldBeNil)

	matcher, err := NewDescriptorMatcher(&MatchingConfig{RatioThreshold: 0.75, DoCrossCheck: true})
	test.That(t, err, test.ShouldBeNil)
	matches, err := matcher.Match(f1.Descriptors, f2.Descriptors)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(matches), test.ShouldBeGreaterThanOrEqualTo, 4)

	pts1, pts2, err := GetMatchingKeyPoints(matches, f1.Keypoints, f2.Keypoints)
	test.That(t, err, test.ShouldBeNil)
	consistent := 0
	for i := range pts1 {
		if pts2[i].Sub(pts1[i]).Sub(r2.Point{X: 16}).Norm() < 1 {
			consistent++
		}
	}
	test.That(t, float64(consistent), test.ShouldBeGreaterThanOrEqualTo, 0.8*float64(len(matches)))
}
