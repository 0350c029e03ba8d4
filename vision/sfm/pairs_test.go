package sfm

import (
	"testing"

	"go.viam.com/test"
)

func TestRingPairs(t *testing.T) {
	test.That(t, ringPairs(1, true, 1), test.ShouldBeNil)
	test.That(t, ringPairs(2, true, 1), test.ShouldResemble, []ViewPair{{0, 1}})
	test.That(t, ringPairs(4, false, 1), test.ShouldResemble, []ViewPair{{0, 1}, {1, 2}, {2, 3}})
	test.That(t, ringPairs(4, true, 1), test.ShouldResemble, []ViewPair{{0, 1}, {1, 2}, {2, 3}, {3, 0}})
	test.That(t, ringPairs(5, true, 2), test.ShouldResemble, []ViewPair{
		{0, 1}, {1, 2}, {2, 3}, {3, 4}, {4, 0},
		{0, 2}, {1, 3}, {2, 4}, {3, 0}, {4, 1},
	})
	test.That(t, ringPairs(4, false, 3), test.ShouldResemble, []ViewPair{
		{0, 1}, {1, 2}, {2, 3}, {0, 2}, {1, 3}, {0, 3},
	})
	// spans reaching around the ring never produce a pair twice
	test.That(t, ringPairs(3, true, 5), test.ShouldResemble, []ViewPair{{0, 1}, {1, 2}, {2, 0}})
}

func TestIsConsecutive(t *testing.T) {
	test.That(t, isConsecutive(ViewPair{0, 1}, 4), test.ShouldBeTrue)
	test.That(t, isConsecutive(ViewPair{3, 0}, 4), test.ShouldBeTrue)
	test.That(t, isConsecutive(ViewPair{0, 2}, 4), test.ShouldBeFalse)
	test.That(t, isConsecutive(ViewPair{2, 0}, 4), test.ShouldBeFalse)
}
