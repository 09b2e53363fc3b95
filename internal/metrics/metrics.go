package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	RunsCompleted Counter
	RunsFailed    Counter
	PlansComputed Counter
	TxSubmitted   Counter
	TxFailed      Counter
	UsersSkipped  Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		RunsCompleted: n,
		RunsFailed:    n,
		PlansComputed: n,
		TxSubmitted:   n,
		TxFailed:      n,
		UsersSkipped:  n,
	}
}
