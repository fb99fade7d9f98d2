package assessment

// ScoreResult is the outcome of scoring one response vector.
type ScoreResult struct {
	TotalScore int      `json:"total_score"`
	MaxScore   int      `json:"max_score"`
	Severity   Severity `json:"severity"`
	ResultText string   `json:"result_text"`
}

// Normalize returns a response vector of exactly in.ItemCount() entries in
// which every value outside [MinResponse, MaxResponse] is replaced by 0.
// Missing trailing entries count as 0 and extra entries are dropped. The
// second result lists the indices that were replaced.
//
// This is the only place the fail-open policy lives: a corrupted or
// incomplete vector scores as the minimum rather than erroring.
func Normalize(responses []int, in *Instrument) ([]int, []int) {
	out := make([]int, in.ItemCount())
	var clamped []int
	for i := range out {
		if i >= len(responses) {
			clamped = append(clamped, i)
			continue
		}
		v := responses[i]
		if v < MinResponse || v > MaxResponse {
			clamped = append(clamped, i)
			continue
		}
		out[i] = v
	}
	return out, clamped
}

// Score sums the included items of responses and maps the total to a band.
// It has no side effects and never fails.
func Score(responses []int, in *Instrument) ScoreResult {
	norm, _ := Normalize(responses, in)
	total := 0
	for i, v := range norm {
		if in.Items[i].Excluded {
			continue
		}
		total += v
	}
	band := in.BandFor(total)
	return ScoreResult{
		TotalScore: total,
		MaxScore:   in.MaxScore(),
		Severity:   band.Severity,
		ResultText: band.ResultText,
	}
}

// Complete reports whether every item holds an answer in range.
func Complete(responses []int, in *Instrument) bool {
	if len(responses) < in.ItemCount() {
		return false
	}
	for i := 0; i < in.ItemCount(); i++ {
		if responses[i] < MinResponse || responses[i] > MaxResponse {
			return false
		}
	}
	return true
}
