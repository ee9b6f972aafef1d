package events

import "fmt"

// Splitter draws the random numbers used to split a pool.
type Splitter struct {
	// Int64N returns a value in [0, n).
	Int64N func(n int64) int64
	// Shuffle permutes n elements via swap.
	Shuffle func(n int, swap func(i, j int))
}

// Split divides total into n shares that are each at least 1 and sum to total.
// Each draw is uniform in [1, 2*remaining/slotsLeft] and clamped so every
// later slot can still get 1; the last slot takes the remainder. The result
// is shuffled so position carries no information about size.
func (s Splitter) Split(total int64, n int) ([]int64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("participant count must be positive")
	}
	if total < int64(n) {
		return nil, fmt.Errorf("total pool %d cannot cover %d participants", total, n)
	}

	shares := make([]int64, 0, n)
	remaining := total
	for i := 0; i < n-1; i++ {
		slotsLeft := int64(n - i)
		upper := 2 * remaining / slotsLeft
		if upper < 1 {
			upper = 1
		}
		draw := s.Int64N(upper) + 1
		if ceiling := remaining - (slotsLeft - 1); draw > ceiling {
			draw = ceiling
		}
		shares = append(shares, draw)
		remaining -= draw
	}
	shares = append(shares, remaining)

	s.Shuffle(len(shares), func(i, j int) {
		shares[i], shares[j] = shares[j], shares[i]
	})
	return shares, nil
}
