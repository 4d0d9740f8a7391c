package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vetline/internal/domain"
)

func req(id string, prio domain.Priority, testable bool) domain.Requirement {
	return domain.Requirement{RequirementID: id, Priority: prio, Testable: testable}
}

func tc(caseID, reqID, route string) domain.TestCase {
	return domain.TestCase{CaseID: caseID, RequirementID: reqID, Route: route}
}

func TestP0CoverageMissing(t *testing.T) {
	requirements := []domain.Requirement{
		req("R-1", domain.PriorityP0, true),
		req("R-2", domain.PriorityP0, true),
		req("R-3", domain.PriorityP0, false), // untestable P0 is exempt
		req("R-4", domain.PriorityP1, true),
	}
	cases := []domain.TestCase{tc("C-1", "R-1", "/login")}

	res := CheckP0Coverage(requirements, cases)
	assert.Equal(t, CoverageFail, res.Status)
	assert.Equal(t, []string{"R-2"}, res.MissingP0IDs)
	assert.InDelta(t, 0.5, res.Rate, 1e-9)
}

func TestP0CoverageAllCovered(t *testing.T) {
	requirements := []domain.Requirement{req("R-1", domain.PriorityP0, true)}
	cases := []domain.TestCase{tc("C-1", "R-1", "/")}
	res := CheckP0Coverage(requirements, cases)
	assert.Equal(t, CoveragePass, res.Status)
	assert.Empty(t, res.MissingP0IDs)
	assert.Equal(t, 1.0, res.Rate)
}

func TestP0CoverageVacuous(t *testing.T) {
	res := CheckP0Coverage([]domain.Requirement{req("R-1", domain.PriorityP1, true)}, nil)
	assert.Equal(t, CoveragePass, res.Status)
	assert.Equal(t, 1.0, res.Rate)
}

func TestCalculateRC(t *testing.T) {
	requirements := []domain.Requirement{
		req("R-1", domain.PriorityP0, true),
		req("R-2", domain.PriorityP1, true),
		req("R-3", domain.PriorityP2, true),
		req("R-4", domain.PriorityP2, false), // excluded from denominator
	}
	cases := []domain.TestCase{tc("C-1", "R-1", "/"), tc("C-2", "R-2", "/")}

	m := CalculateRC(requirements, cases)
	assert.InDelta(t, 2.0/3.0, m.Value, 1e-9)
	assert.Equal(t, RCThreshold, m.Threshold)
	assert.False(t, m.Passed)

	empty := CalculateRC(nil, nil)
	assert.Equal(t, 1.0, empty.Value)
	assert.True(t, empty.Passed)
}

func TestCalculateAPRExcludesSoft(t *testing.T) {
	assertions := []domain.Assertion{
		{AssertionID: "a-1", Type: domain.AssertElementVisible, FinalVerdict: domain.VerdictPass},
		{AssertionID: "a-2", Type: domain.AssertTextContent, FinalVerdict: domain.VerdictPass},
		{AssertionID: "a-3", Type: domain.AssertNavigation, FinalVerdict: domain.VerdictFail},
		{AssertionID: "a-4", Type: domain.AssertSoft, FinalVerdict: domain.VerdictFail}, // ignored
	}
	m := CalculateAPR(assertions)
	assert.InDelta(t, 2.0/3.0, m.Value, 1e-9)
	assert.False(t, m.Passed)

	softOnly := CalculateAPR([]domain.Assertion{{Type: domain.AssertSoft, FinalVerdict: domain.VerdictFail}})
	assert.Equal(t, 1.0, softOnly.Value)
	assert.True(t, softOnly.Passed)
}

func TestCalculateFlakiness(t *testing.T) {
	assertions := []domain.Assertion{
		{Type: domain.AssertElementVisible, FinalVerdict: domain.VerdictPass},
		{Type: domain.AssertElementCount, FinalVerdict: domain.VerdictError},
	}
	m := CalculateFlakiness(assertions)
	assert.InDelta(t, 0.5, m.Value, 1e-9)
	assert.False(t, m.Passed)

	assert.True(t, CalculateFlakiness(nil).Passed)
}

func TestGateFailsOnP0DespitePerfectMetrics(t *testing.T) {
	requirements := []domain.Requirement{
		req("R-1", domain.PriorityP0, true),
		req("R-2", domain.PriorityP0, true),
	}
	// Pad with covered P1s so RC clears its threshold (8/9) while the
	// uncovered P0 still trips the hard gate.
	for i := 0; i < 7; i++ {
		requirements = append(requirements, req(string(rune('a'+i)), domain.PriorityP1, true))
	}
	cases := []domain.TestCase{tc("C-1", "R-1", "/")}
	for i := 0; i < 7; i++ {
		cases = append(cases, tc("C-p"+string(rune('a'+i)), string(rune('a'+i)), "/"))
	}
	assertions := []domain.Assertion{
		{AssertionID: "a-1", CaseID: "C-1", Type: domain.AssertElementVisible, FinalVerdict: domain.VerdictPass},
	}

	res := Evaluate(requirements, cases, assertions)
	assert.True(t, res.RC.Passed)
	assert.True(t, res.APR.Passed)
	assert.Equal(t, CoverageFail, res.P0Coverage.Status)
	assert.Equal(t, GateFailed, res.Status, "P0 gate must not be overridden by numeric metrics")
}

func TestGatePasses(t *testing.T) {
	requirements := []domain.Requirement{req("R-1", domain.PriorityP0, true)}
	cases := []domain.TestCase{tc("C-1", "R-1", "/")}
	assertions := []domain.Assertion{
		{AssertionID: "a-1", CaseID: "C-1", Type: domain.AssertElementVisible, FinalVerdict: domain.VerdictPass},
	}
	res := Evaluate(requirements, cases, assertions)
	assert.Equal(t, GatePassed, res.Status)

	metrics := res.MetricsMap()
	assert.Equal(t, 1.0, metrics["gate_passed"])
	assert.Equal(t, 1.0, metrics["rc"])
	assert.Equal(t, 1.0, metrics["apr"])
}

func TestAggregateDefectsSeverityAndOrder(t *testing.T) {
	requirements := []domain.Requirement{
		req("R-1", domain.PriorityP0, true),
		req("R-2", domain.PriorityP2, true),
	}
	cases := []domain.TestCase{
		tc("C-1", "R-1", "/checkout"),
		tc("C-2", "R-2", "/settings"),
	}
	assertions := []domain.Assertion{
		{AssertionID: "a-1", CaseID: "C-2", Type: domain.AssertTextContent, FinalVerdict: domain.VerdictFail},
		{AssertionID: "a-2", CaseID: "C-1", Type: domain.AssertElementVisible, FinalVerdict: domain.VerdictFail},
		{AssertionID: "a-3", CaseID: "C-1", Type: domain.AssertNavigation, FinalVerdict: domain.VerdictPass},
		{AssertionID: "a-4", CaseID: "C-1", Type: domain.AssertElementCount, FinalVerdict: domain.VerdictError},
	}

	defects := AggregateDefects(assertions, cases, requirements)
	require.Len(t, defects, 2, "only failing final verdicts become defects")
	assert.Equal(t, domain.SeverityCritical, defects[0].Severity)
	assert.Equal(t, "a-2", defects[0].AssertionID)
	assert.Equal(t, domain.SeverityMinor, defects[1].Severity)
	assert.Equal(t, "R-2", defects[1].RequirementID)

	counts := CountDefectsBySeverity(defects)
	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, len(defects), total)

	assert.ElementsMatch(t, []string{"/checkout", "/settings"}, AffectedRoutes(defects))
}

func TestOrphanAssertionDefaultsToSuggestion(t *testing.T) {
	assertions := []domain.Assertion{
		{AssertionID: "a-1", CaseID: "missing-case", Type: domain.AssertSoft, FinalVerdict: domain.VerdictFail},
	}
	defects := AggregateDefects(assertions, nil, nil)
	require.Len(t, defects, 1)
	assert.Equal(t, domain.SeveritySuggestion, defects[0].Severity)
	assert.Empty(t, defects[0].RequirementID)
}

func TestSortDefectsStable(t *testing.T) {
	defects := []domain.Defect{
		{ID: "1", Severity: domain.SeverityMinor},
		{ID: "2", Severity: domain.SeverityCritical},
		{ID: "3", Severity: domain.SeverityMinor},
		{ID: "4", Severity: domain.SeveritySuggestion},
	}
	sorted := SortDefectsBySeverity(defects)
	assert.Equal(t, []string{"2", "1", "3", "4"}, []string{sorted[0].ID, sorted[1].ID, sorted[2].ID, sorted[3].ID})
}
