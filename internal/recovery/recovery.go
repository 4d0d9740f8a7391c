package recovery

import (
	"context"
	"strings"
	"time"

	"vetline/internal/domain"
)

// Category classifies a runtime failure for recovery policy.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryTimeout    Category = "timeout"
	CategoryPlaywright Category = "playwright"
	CategoryAIAgent    Category = "ai_agent"
	CategoryValidation Category = "validation"
	CategoryInternal   Category = "internal"
)

// Action is the recovery decision for a failed step.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionRollback Action = "rollback"
	ActionSkip     Action = "skip"
	ActionAbort    Action = "abort"
)

// Rule matches an error message against keywords for one category.
// Rules are evaluated in order; the first match wins.
type Rule struct {
	Category Category
	Keywords []string
}

// DefaultRules covers the failure modes seen across browser automation
// and agent invocation. Order matters: timeout before network so that
// "connection timeout" classifies as timeout.
func DefaultRules() []Rule {
	return []Rule{
		{Category: CategoryTimeout, Keywords: []string{"timeout", "timed out", "deadline exceeded"}},
		{Category: CategoryNetwork, Keywords: []string{"econnrefused", "econnreset", "connection refused", "connection reset", "dns", "network", "socket hang up"}},
		{Category: CategoryPlaywright, Keywords: []string{"playwright", "selector", "locator", "element not found", "not visible", "page closed", "browser"}},
		{Category: CategoryAIAgent, Keywords: []string{"claude", "codex", "agent", "rate limit", "overloaded", "model"}},
		{Category: CategoryValidation, Keywords: []string{"validation", "invalid", "malformed", "schema", "parse error"}},
	}
}

// Classifier maps errors to categories via ordered keyword matching.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier from ordered rules; nil rules means
// DefaultRules.
func NewClassifier(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Classify returns the first matching category, or internal when no
// rule matches (including nil errors).
func (c *Classifier) Classify(err error) Category {
	if err == nil {
		return CategoryInternal
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range c.rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(msg, kw) {
				return rule.Category
			}
		}
	}
	return CategoryInternal
}

// Policy holds the retry tuning knobs.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultPolicy returns the fixed production policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff computes the delay before retrying after the given 1-based
// attempt: min(base * multiplier^(attempt-1), max).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
	}
	if max := float64(p.MaxDelay); delay > max {
		delay = max
	}
	return time.Duration(delay)
}

// Failure describes one failed step occurrence.
type Failure struct {
	RunID        string
	Step         string
	State        domain.RunState
	Err          error
	AttemptCount int // 1-based: 1 is the first failure of this step
}

// Decision is the recovery manager's verdict on a failure.
type Decision struct {
	Action      Action
	Category    Category
	Delay       time.Duration
	Reason      string
	TargetState domain.RunState // set only for rollback
}

// Record is one remembered failure, kept for diagnostics and reporting.
type Record struct {
	TS       string
	Step     string
	State    domain.RunState
	Category Category
	Message  string
	Attempt  int
}

type historyKey struct {
	RunID string
	Step  string
}

// rollbackStates maps a state to where a recoverable failure reverts it.
var rollbackStates = map[domain.RunState]domain.RunState{
	domain.StateParsing:         domain.StateCreated,
	domain.StateExecuting:       domain.StateAwaitingApproval,
	domain.StateCodexReviewing:  domain.StateExecuting,
	domain.StateCrossValidating: domain.StateExecuting,
}

// Manager classifies failures and decides retry/rollback/abort. It is
// owned by a single pipeline execution; tests construct a fresh Manager
// instead of clearing shared state.
type Manager struct {
	Classifier *Classifier
	Policy     Policy
	Now        func() time.Time

	history map[historyKey][]Record
}

// NewManager returns a Manager with the default classifier and policy.
func NewManager() *Manager {
	return &Manager{
		Classifier: NewClassifier(nil),
		Policy:     DefaultPolicy(),
		Now:        time.Now,
		history:    make(map[historyKey][]Record),
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// DetermineRecovery records the failure and applies the per-category
// policy. Attempt counts at or beyond MaxAttempts abort regardless of
// category.
func (m *Manager) DetermineRecovery(f Failure) Decision {
	category := m.Classifier.Classify(f.Err)
	m.record(f, category)

	if f.AttemptCount >= m.Policy.MaxAttempts {
		return Decision{
			Action:   ActionAbort,
			Category: category,
			Reason:   "max attempts exhausted",
		}
	}

	switch category {
	case CategoryNetwork, CategoryTimeout:
		return Decision{
			Action:   ActionRetry,
			Category: category,
			Delay:    m.Policy.Backoff(f.AttemptCount),
			Reason:   "transient failure, retrying with backoff",
		}
	case CategoryPlaywright:
		// Selector and layout issues rarely heal beyond one retry.
		if f.AttemptCount < 2 {
			return Decision{
				Action:   ActionRetry,
				Category: category,
				Delay:    m.Policy.Backoff(f.AttemptCount),
				Reason:   "browser automation failure, single retry",
			}
		}
		return Decision{
			Action:   ActionAbort,
			Category: category,
			Reason:   "browser automation failure persisted",
		}
	case CategoryAIAgent:
		return Decision{
			Action:   ActionRetry,
			Category: category,
			Delay:    2 * m.Policy.Backoff(f.AttemptCount),
			Reason:   "agent failure, retrying with doubled delay",
		}
	case CategoryValidation:
		return Decision{
			Action:   ActionAbort,
			Category: category,
			Reason:   "malformed input is not retryable",
		}
	default:
		if f.AttemptCount < 2 {
			return Decision{
				Action:   ActionRetry,
				Category: category,
				Delay:    m.Policy.Backoff(f.AttemptCount),
				Reason:   "internal failure, single retry",
			}
		}
		return Decision{
			Action:   ActionAbort,
			Category: category,
			Reason:   "internal failure persisted",
		}
	}
}

// RollbackState returns where the given state reverts to on a
// recoverable failure; ok is false when no rollback is defined.
func (m *Manager) RollbackState(state domain.RunState) (domain.RunState, bool) {
	target, ok := rollbackStates[state]
	return target, ok
}

// History returns the recorded failures for a (run,step) pair.
func (m *Manager) History(runID, step string) []Record {
	return m.history[historyKey{RunID: runID, Step: step}]
}

func (m *Manager) record(f Failure, category Category) {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	key := historyKey{RunID: f.RunID, Step: f.Step}
	m.history[key] = append(m.history[key], Record{
		TS:       m.now().UTC().Format(time.RFC3339),
		Step:     f.Step,
		State:    f.State,
		Category: category,
		Message:  msg,
		Attempt:  f.AttemptCount,
	})
}

// RetryOptions tunes WithRetry independently of classification.
type RetryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	OnRetry     func(attempt int, delay time.Duration, err error)
	Sleep       func(ctx context.Context, d time.Duration) error
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WithRetry re-invokes op with the same backoff formula as the manager,
// for callers that already know the operation is retryable. The last
// error is returned once attempts are exhausted.
func WithRetry(ctx context.Context, op func(ctx context.Context) error, opts RetryOptions) error {
	policy := Policy{
		MaxAttempts: opts.MaxAttempts,
		BaseDelay:   opts.BaseDelay,
		Multiplier:  opts.Multiplier,
		MaxDelay:    opts.MaxDelay,
	}
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = def.Multiplier
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == policy.MaxAttempts {
			break
		}
		delay := policy.Backoff(attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, delay, lastErr)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}
