package quality

import (
	"vetline/internal/domain"
)

// Fixed gate thresholds. RC and APR are minimums; flakiness is a maximum.
const (
	RCThreshold        = 0.85
	APRThreshold       = 0.95
	FlakinessThreshold = 0.05
)

// Metric is one threshold-gated measurement.
type Metric struct {
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Passed    bool    `json:"passed"`
}

// GateStatus is the combined quality-gate decision.
type GateStatus string

const (
	GatePassed GateStatus = "passed"
	GateFailed GateStatus = "failed"
)

// GateResult combines the numeric metrics with the hard P0 gate.
type GateResult struct {
	Status     GateStatus `json:"status" enum:"passed,failed"`
	RC         Metric     `json:"rc"`
	APR        Metric     `json:"apr"`
	Flakiness  Metric     `json:"flakiness"`
	P0Coverage P0Coverage `json:"p0_coverage"`
}

// CalculateRC computes requirement coverage: testable requirements
// referenced by at least one test case over all testable requirements.
// A run with nothing testable passes vacuously.
func CalculateRC(requirements []domain.Requirement, testCases []domain.TestCase) Metric {
	covered := coveredSet(testCases)
	total := 0
	hit := 0
	for _, req := range requirements {
		if !req.Testable {
			continue
		}
		total++
		if covered[req.RequirementID] {
			hit++
		}
	}
	value := 1.0
	if total > 0 {
		value = float64(hit) / float64(total)
	}
	return Metric{Value: value, Threshold: RCThreshold, Passed: value >= RCThreshold}
}

// CalculateAPR computes the assertion pass rate over deterministic
// assertions only; soft assertions are excluded entirely. Defined as 1
// when there are no deterministic assertions.
func CalculateAPR(assertions []domain.Assertion) Metric {
	total := 0
	passed := 0
	for _, a := range assertions {
		if !a.Type.Deterministic() {
			continue
		}
		total++
		if a.FinalVerdict == domain.VerdictPass {
			passed++
		}
	}
	value := 1.0
	if total > 0 {
		value = float64(passed) / float64(total)
	}
	return Metric{Value: value, Threshold: APRThreshold, Passed: value >= APRThreshold}
}

// CalculateFlakiness computes errored deterministic assertions over all
// deterministic assertions. Defined as 0 when there are none.
func CalculateFlakiness(assertions []domain.Assertion) Metric {
	total := 0
	errored := 0
	for _, a := range assertions {
		if !a.Type.Deterministic() {
			continue
		}
		total++
		if a.FinalVerdict == domain.VerdictError {
			errored++
		}
	}
	value := 0.0
	if total > 0 {
		value = float64(errored) / float64(total)
	}
	return Metric{Value: value, Threshold: FlakinessThreshold, Passed: value <= FlakinessThreshold}
}

// Evaluate runs every metric plus the P0 gate. The overall status is
// passed only when all of them pass; a failing P0 gate fails the run
// regardless of the numeric metrics.
func Evaluate(requirements []domain.Requirement, testCases []domain.TestCase, assertions []domain.Assertion) GateResult {
	res := GateResult{
		RC:         CalculateRC(requirements, testCases),
		APR:        CalculateAPR(assertions),
		Flakiness:  CalculateFlakiness(assertions),
		P0Coverage: CheckP0Coverage(requirements, testCases),
	}
	if res.RC.Passed && res.APR.Passed && res.Flakiness.Passed && res.P0Coverage.Status == CoveragePass {
		res.Status = GatePassed
	} else {
		res.Status = GateFailed
	}
	return res
}

// MetricsMap flattens a gate result for persistence on the run.
func (g GateResult) MetricsMap() map[string]float64 {
	passed := 0.0
	if g.Status == GatePassed {
		passed = 1.0
	}
	p0 := 0.0
	if g.P0Coverage.Status == CoveragePass {
		p0 = 1.0
	}
	return map[string]float64{
		"rc":               g.RC.Value,
		"apr":              g.APR.Value,
		"flakiness":        g.Flakiness.Value,
		"p0_coverage_rate": g.P0Coverage.Rate,
		"p0_coverage_pass": p0,
		"gate_passed":      passed,
	}
}
