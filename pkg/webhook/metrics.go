package webhook

// Metrics tracks pipeline activity. Nil-safe no-op by default.
type Metrics interface {
	// RecordIngest counts one delivery by provider and outcome.
	RecordIngest(provider string, outcome Outcome)

	// RecordRetry counts one retry dispatch by provider.
	RecordRetry(provider string)
}

type noopMetrics struct{}

func (noopMetrics) RecordIngest(string, Outcome) {}
func (noopMetrics) RecordRetry(string)           {}
