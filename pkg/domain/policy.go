package domain

// RecoveryStrategy selects how a step failure is handled.
type RecoveryStrategy string

const (
	// StrategyFail stops the pipeline immediately; remaining steps are skipped.
	StrategyFail RecoveryStrategy = "fail"
	// StrategySkip records the failure and continues with the next step.
	StrategySkip RecoveryStrategy = "skip"
	// StrategyRetry re-runs the step up to MaxRetries times before falling
	// back to ContinueOnError.
	StrategyRetry RecoveryStrategy = "retry"
	// StrategyFallback substitutes the output of FallbackStep for the failed
	// step; without a fallback it behaves like ContinueOnError.
	StrategyFallback RecoveryStrategy = "fallback"
)

// Valid reports whether s is a known strategy. The empty string is valid and
// means StrategyFail.
func (s RecoveryStrategy) Valid() bool {
	switch s {
	case "", StrategyFail, StrategySkip, StrategyRetry, StrategyFallback:
		return true
	}
	return false
}

// ErrorPolicy is the per-step failure-handling configuration.
type ErrorPolicy struct {
	Strategy        RecoveryStrategy
	MaxRetries      int
	FallbackStep    string
	ContinueOnError bool
}

// EffectiveStrategy resolves the empty default to StrategyFail.
func (p ErrorPolicy) EffectiveStrategy() RecoveryStrategy {
	if p.Strategy == "" {
		return StrategyFail
	}
	return p.Strategy
}
