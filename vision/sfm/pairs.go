package sfm

// ringPairs lists the view pairs of a ring of n views: consecutive views, the closing pair when
// closed, and every pair up to span views apart. The result has no duplicates and consecutive
// pairs come first, in ring order.
func ringPairs(n int, closed bool, span int) []ViewPair {
	if n < 2 {
		return nil
	}
	if span < 1 {
		span = 1
	}
	seen := map[ViewPair]bool{}
	var pairs []ViewPair
	add := func(i, j int) {
		if i == j {
			return
		}
		p := ViewPair{i, j}
		if seen[p] || seen[ViewPair{j, i}] {
			return
		}
		seen[p] = true
		pairs = append(pairs, p)
	}
	for s := 1; s <= span; s++ {
		for i := 0; i < n; i++ {
			j := i + s
			if j >= n {
				if !closed {
					break
				}
				j %= n
			}
			add(i, j)
		}
	}
	return pairs
}

// isConsecutive returns whether p links neighboring views of the ring.
func isConsecutive(p ViewPair, n int) bool {
	return p.Second == p.First+1 || (p.First == n-1 && p.Second == 0)
}
