package arbiter

import (
	"vetline/internal/domain"
)

// Arbitration merges an assertion's original verdict with its review
// verdict into one final verdict. The policy is failure-biased: a
// reviewer's disagree always forces a failure, and an agree never
// overturns a genuine failure into a pass. Soft assertions additionally
// need positive confirmation: uncertain passes an objective check but
// not a subjective one.

// ArbitrateDeterministic merges a machine verdict with a review verdict.
func ArbitrateDeterministic(machineVerdict domain.Verdict, review domain.ReviewVerdict) (domain.Verdict, bool) {
	if review == domain.ReviewDisagree {
		return domain.VerdictFail, true
	}
	return machineVerdict, false
}

// ArbitrateSoft merges an agent verdict with a review verdict.
func ArbitrateSoft(agentVerdict domain.Verdict, review domain.ReviewVerdict) (domain.Verdict, bool) {
	if review == domain.ReviewAgree {
		return agentVerdict, false
	}
	return domain.VerdictFail, true
}

// Arbitrate dispatches on the assertion type and returns the full
// arbitration record. A missing review is treated as agree: absence of
// a second opinion never overrides the original verdict.
func Arbitrate(assertion domain.Assertion, review *domain.AssertionReview) domain.ArbitrationResult {
	original := assertion.OriginalVerdict()
	reviewVerdict := domain.ReviewAgree
	reasoning := ""
	if review != nil {
		reviewVerdict = review.ReviewVerdict
		reasoning = review.Reasoning
	}

	var final domain.Verdict
	var conflict bool
	if assertion.Type.Deterministic() {
		final, conflict = ArbitrateDeterministic(original, reviewVerdict)
	} else {
		final, conflict = ArbitrateSoft(original, reviewVerdict)
	}

	reason := "review " + string(reviewVerdict)
	if conflict {
		reason = "reviewer " + string(reviewVerdict) + ", forcing fail"
		if reasoning != "" {
			reason += ": " + reasoning
		}
	}
	return domain.ArbitrationResult{
		AssertionID:      assertion.AssertionID,
		OriginalVerdict:  original,
		ReviewVerdict:    reviewVerdict,
		FinalVerdict:     final,
		Reason:           reason,
		ConflictDetected: conflict,
	}
}

// ArbitrateAll arbitrates every assertion against its review (matched by
// assertion id) and stamps FinalVerdict on the returned assertions.
func ArbitrateAll(assertions []domain.Assertion, reviews []domain.AssertionReview) ([]domain.Assertion, []domain.ArbitrationResult) {
	byAssertion := make(map[string]*domain.AssertionReview, len(reviews))
	for i := range reviews {
		byAssertion[reviews[i].AssertionID] = &reviews[i]
	}
	out := make([]domain.Assertion, len(assertions))
	results := make([]domain.ArbitrationResult, 0, len(assertions))
	for i, a := range assertions {
		res := Arbitrate(a, byAssertion[a.AssertionID])
		a.FinalVerdict = res.FinalVerdict
		out[i] = a
		results = append(results, res)
	}
	return out, results
}

// Summary aggregates arbitration results.
type Summary struct {
	Total         int     `json:"total"`
	Passed        int     `json:"passed"`
	Failed        int     `json:"failed"`
	Errors        int     `json:"errors"`
	Conflicts     int     `json:"conflicts"`
	AgreementRate float64 `json:"agreement_rate"`
}

// Summarize computes totals over results. AgreementRate is
// (total-conflicts)/total, defined as 1 for an empty input.
func Summarize(results []domain.ArbitrationResult) Summary {
	s := Summary{Total: len(results), AgreementRate: 1}
	for _, r := range results {
		switch r.FinalVerdict {
		case domain.VerdictPass:
			s.Passed++
		case domain.VerdictFail:
			s.Failed++
		default:
			s.Errors++
		}
		if r.ConflictDetected {
			s.Conflicts++
		}
	}
	if s.Total > 0 {
		s.AgreementRate = float64(s.Total-s.Conflicts) / float64(s.Total)
	}
	return s
}
