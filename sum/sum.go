// Package sum holds the synthetic CPU-bound workload served by every worker.
package sum

import "strconv"

// MaxValue is the exclusive upper bound summed by the /api/sum endpoint.
const MaxValue = 100000000

const prefix = "Final sum is : "

// Sum adds every integer in [0, bound) one at a time.
// The loop is intentionally naive: its cost is the point.
func Sum(bound int64) int64 {
	var sum int64
	for i := int64(0); i < bound; i++ {
		sum += i
	}
	return sum
}

// AppendMessage appends the response body for sum to dst.
func AppendMessage(dst []byte, sum int64) []byte {
	dst = append(dst, prefix...)
	return strconv.AppendInt(dst, sum, 10)
}

// Message returns the response body for sum.
func Message(sum int64) string {
	return string(AppendMessage(make([]byte, 0, len(prefix)+20), sum))
}
