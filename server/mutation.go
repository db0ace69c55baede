package server

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// addNumber adds delta to the decimal integer stored in old. A missing value counts as 0.
func addNumber(old []byte, delta int64) ([]byte, int64, error) {
	var cur int64
	if len(old) > 0 {
		n, err := strconv.ParseInt(strings.TrimSpace(string(old)), 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("cannot add to non-numeric value %q", old)
		}
		cur = n
	}
	if (delta > 0 && cur > math.MaxInt64-delta) || (delta < 0 && cur < math.MinInt64-delta) {
		return nil, 0, fmt.Errorf("add overflows: %d + %d", cur, delta)
	}
	cur += delta
	return []byte(strconv.FormatInt(cur, 10)), cur, nil
}

// sequenceNext returns the value a sequence hands out next and the value to store
// after it. A sequence that was never set starts at 1.
func sequenceNext(old []byte) (uint64, []byte, error) {
	cur := uint64(1)
	if len(old) > 0 {
		n, err := strconv.ParseUint(strings.TrimSpace(string(old)), 10, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("sequence holds non-numeric value %q", old)
		}
		cur = n
	}
	if cur == math.MaxUint64 {
		return 0, nil, fmt.Errorf("sequence exhausted")
	}
	return cur, []byte(strconv.FormatUint(cur+1, 10)), nil
}

func sequenceValue(n int64) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("sequence value must not be negative: %d", n)
	}
	return []byte(strconv.FormatInt(n, 10)), nil
}
