package noise

// binomial returns n choose k, or 0 when k > n.
func binomial(n, k int) int64 {
	if k < 0 || k > n {
		return 0
	}
	if k > n-k {
		k = n - k
	}
	result := int64(1)
	for i := 1; i <= k; i++ {
		result = result * int64(n-k+i) / int64(i)
	}
	return result
}

// kCombinationAtIndex returns the k-combination with the given rank in the
// combinatorial number system, largest element first.
func kCombinationAtIndex(index int64, k int) []int {
	out := make([]int, 0, k)
	candidate := k - 1
	for binomial(candidate+1, k) <= index {
		candidate++
	}
	for i := k; i > 0; i-- {
		for binomial(candidate, i) > index {
			candidate--
		}
		out = append(out, candidate)
		index -= binomial(candidate, i)
		candidate--
	}
	return out
}

// numStarsAndBars counts the sequences of stars and bars of the given sizes.
func numStarsAndBars(stars, bars int) int64 {
	return binomial(stars+bars, stars)
}

// barsPrecedingEachStar converts star positions into the number of bars
// before each star.
func barsPrecedingEachStar(starIndices []int) []int {
	out := make([]int, len(starIndices))
	for i, idx := range starIndices {
		out[i] = idx - (len(starIndices) - 1 - i)
	}
	return out
}
