package backend

import (
	"findex/lib/findex"

	"github.com/samber/lo"
)

// Dedupe returns the uids with repetitions removed, in first-seen order.
func Dedupe(uids []findex.Uid) []findex.Uid {
	return lo.Uniq(uids)
}

// Equal compares a stored value with the expected previous one. Absent and
// empty are the same thing.
func Equal(stored []byte, found bool, previous []byte) bool {
	if !found {
		return len(previous) == 0
	}
	return string(stored) == string(previous)
}

// Batches splits uids into chunks of at most size elements.
func Batches(uids []findex.Uid, size int) [][]findex.Uid {
	return lo.Chunk(uids, size)
}

func UidsOf[V any](m map[findex.Uid]V) []findex.Uid {
	return lo.Keys(m)
}
