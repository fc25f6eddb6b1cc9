package scoring

// Submission is the payload of a finalization job: one student's answers
// (question number -> chosen option, 0 = skipped) and the number of
// cheating warnings raised against them.
type Submission struct {
	Answers map[int]int `json:"answers"`
	Flags   int         `json:"flags"`
}

// Rule scores a submission. The coordinator and the backup must use the
// same rule so that either route yields the same result.
type Rule struct {
	// Key maps question number -> correct option.
	Key map[int]int

	PointsPerQuestion int

	// WarningFactor applies after exactly one warning; two or more zero the score.
	WarningFactor float64
}

func DefaultRule() Rule {
	return Rule{
		Key:               map[int]int{1: 2, 2: 2, 3: 2, 4: 3, 5: 2, 6: 2, 7: 4, 8: 3, 9: 3, 10: 2},
		PointsPerQuestion: 10,
		WarningFactor:     0.8,
	}
}

// Raw counts correct answers only.
func (r Rule) Raw(s Submission) int {
	raw := 0
	for q, want := range r.Key {
		if got, ok := s.Answers[q]; ok && got == want {
			raw += r.PointsPerQuestion
		}
	}
	return raw
}

// Score applies the warning penalty to the raw score.
func (r Rule) Score(s Submission) int {
	raw := r.Raw(s)
	switch {
	case s.Flags >= 2:
		return 0
	case s.Flags == 1:
		return int(float64(raw) * r.WarningFactor)
	default:
		return raw
	}
}

// Max is the best achievable score.
func (r Rule) Max() int {
	return len(r.Key) * r.PointsPerQuestion
}
