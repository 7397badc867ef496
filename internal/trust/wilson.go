package trust

import "math"

// z for a 95% confidence interval.
const wilsonZ = 1.96

// WilsonLowerBound returns the lower bound of the Wilson score interval for
// upvotes out of total at 95% confidence. It is 0 when total is 0 and always
// lies in [0, 1].
func WilsonLowerBound(upvotes, total int) float64 {
	if total <= 0 {
		return 0
	}
	if upvotes < 0 {
		upvotes = 0
	}
	if upvotes > total {
		upvotes = total
	}

	n := float64(total)
	p := float64(upvotes) / n
	z2 := wilsonZ * wilsonZ

	numerator := p + z2/(2*n) - wilsonZ*math.Sqrt((p*(1-p)+z2/(4*n))/n)
	score := numerator / (1 + z2/n)

	// p == 0 cancels to zero analytically; rounding can leave -1e-17.
	return math.Max(0, math.Min(1, score))
}
