package quality

import (
	"sort"

	"github.com/google/uuid"

	"vetline/internal/domain"
)

// severityFor maps the linked requirement's priority to a defect
// severity. A failing assertion with no resolvable priority linkage
// defaults to suggestion.
func severityFor(priority domain.Priority, linked bool) domain.Severity {
	if !linked {
		return domain.SeveritySuggestion
	}
	switch priority {
	case domain.PriorityP0:
		return domain.SeverityCritical
	case domain.PriorityP1:
		return domain.SeverityMajor
	case domain.PriorityP2:
		return domain.SeverityMinor
	default:
		return domain.SeveritySuggestion
	}
}

// AggregateDefects emits one defect per assertion with a failing final
// verdict, resolving requirement and route through the assertion's case.
func AggregateDefects(assertions []domain.Assertion, testCases []domain.TestCase, requirements []domain.Requirement) []domain.Defect {
	caseByID := make(map[string]domain.TestCase, len(testCases))
	for _, tc := range testCases {
		caseByID[tc.CaseID] = tc
	}
	reqByID := make(map[string]domain.Requirement, len(requirements))
	for _, req := range requirements {
		reqByID[req.RequirementID] = req
	}

	var defects []domain.Defect
	for _, a := range assertions {
		if a.FinalVerdict != domain.VerdictFail {
			continue
		}
		d := domain.Defect{
			ID:             uuid.New().String(),
			AssertionID:    a.AssertionID,
			CaseID:         a.CaseID,
			Screenshots:    a.Screenshots,
			OperationSteps: a.OperationSteps,
		}
		linked := false
		var priority domain.Priority
		if tc, ok := caseByID[a.CaseID]; ok {
			d.Route = tc.Route
			if req, ok := reqByID[tc.RequirementID]; ok {
				d.RequirementID = req.RequirementID
				priority = req.Priority
				linked = true
			}
		}
		d.Severity = severityFor(priority, linked)
		defects = append(defects, d)
	}
	return SortDefectsBySeverity(defects)
}

// SortDefectsBySeverity orders critical first; the sort is stable so
// ties keep their input order.
func SortDefectsBySeverity(defects []domain.Defect) []domain.Defect {
	sort.SliceStable(defects, func(i, j int) bool {
		return defects[i].Severity.Rank() < defects[j].Severity.Rank()
	})
	return defects
}

// CountDefectsBySeverity tallies defects per severity; the counts sum
// to the total defect count.
func CountDefectsBySeverity(defects []domain.Defect) map[domain.Severity]int {
	counts := make(map[domain.Severity]int)
	for _, d := range defects {
		counts[d.Severity]++
	}
	return counts
}

// AffectedRoutes returns the deduplicated routes touched by any defect,
// in first-seen order.
func AffectedRoutes(defects []domain.Defect) []string {
	seen := make(map[string]bool)
	var routes []string
	for _, d := range defects {
		if d.Route == "" || seen[d.Route] {
			continue
		}
		seen[d.Route] = true
		routes = append(routes, d.Route)
	}
	return routes
}
