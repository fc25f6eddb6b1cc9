package mutex

import "strconv"

// Before reports whether request (aTS, aID) has priority over (bTS, bID):
// the smaller timestamp wins, ties go to the smaller identity.
func Before(aTS int64, aID string, bTS int64, bID string) bool {
	if aTS != bTS {
		return aTS < bTS
	}
	return lessID(aID, bID)
}

// lessID orders ids numerically when both are integers ("2" < "10"),
// lexicographically otherwise.
func lessID(a, b string) bool {
	ai, errA := strconv.ParseInt(a, 10, 64)
	bi, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return ai < bi
	}
	return a < b
}
