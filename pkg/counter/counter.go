// Package counter implements byte counters bounded by the storage ceiling.
package counter

import (
	"errors"
	"math"
)

// Ceiling is the largest value a signed BIGINT column can hold.
const Ceiling = uint64(math.MaxInt64)

var ErrOverflow = errors.New("counter_overflow")

// Add returns a+b, or ErrOverflow and a unchanged when the sum would pass Ceiling.
func Add(a, b uint64) (uint64, error) {
	if a > Ceiling || b > Ceiling-a {
		return a, ErrOverflow
	}
	return a + b, nil
}

// AddAll adds every value to a, failing without a partial result.
func AddAll(a uint64, values ...uint64) (uint64, error) {
	sum := a
	for _, v := range values {
		next, err := Add(sum, v)
		if err != nil {
			return a, err
		}
		sum = next
	}
	return sum, nil
}

// Sub returns a-b clamped at zero. The second value reports whether clamping happened.
func Sub(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, true
	}
	return a - b, false
}
