package quality

import (
	"vetline/internal/domain"
)

// CoverageStatus is the outcome of the P0 coverage gate.
type CoverageStatus string

const (
	CoveragePass CoverageStatus = "pass"
	CoverageFail CoverageStatus = "fail"
)

// P0Coverage is the result of the hard P0 gate. It is independent of
// the numeric metric thresholds and cannot be overridden by them.
type P0Coverage struct {
	Status       CoverageStatus `json:"status" enum:"pass,fail"`
	MissingP0IDs []string       `json:"missing_p0_ids,omitempty"`
	Rate         float64        `json:"rate"`
}

// coveredSet returns the requirement ids referenced by at least one
// test case.
func coveredSet(testCases []domain.TestCase) map[string]bool {
	covered := make(map[string]bool, len(testCases))
	for _, tc := range testCases {
		if tc.RequirementID != "" {
			covered[tc.RequirementID] = true
		}
	}
	return covered
}

// CheckP0Coverage verifies every testable P0 requirement is referenced
// by at least one test case. Status is pass iff MissingP0IDs is empty.
func CheckP0Coverage(requirements []domain.Requirement, testCases []domain.TestCase) P0Coverage {
	covered := coveredSet(testCases)
	var missing []string
	total := 0
	hit := 0
	for _, req := range requirements {
		if req.Priority != domain.PriorityP0 || !req.Testable {
			continue
		}
		total++
		if covered[req.RequirementID] {
			hit++
		} else {
			missing = append(missing, req.RequirementID)
		}
	}
	res := P0Coverage{Status: CoveragePass, MissingP0IDs: missing, Rate: 1}
	if total > 0 {
		res.Rate = float64(hit) / float64(total)
	}
	if len(missing) > 0 {
		res.Status = CoverageFail
	}
	return res
}

// P0CoverageRate returns coveredTestableP0/totalTestableP0, defined as
// 1 when there are no testable P0 requirements.
func P0CoverageRate(requirements []domain.Requirement, testCases []domain.TestCase) float64 {
	return CheckP0Coverage(requirements, testCases).Rate
}
