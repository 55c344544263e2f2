// Package health defines the readiness-check contract shared by every
// component that the process-level /healthz endpoint aggregates over.
package health

import "context"

// ReadinessCheck is implemented by components that can report whether they
// are ready to serve traffic.
type ReadinessCheck interface {
	IsReady(ctx context.Context) error
	Name() string
}

// Aggregate runs every check and returns the first failure, if any, paired
// with the failing check's name.
func Aggregate(ctx context.Context, checks ...ReadinessCheck) (string, error) {
	for _, c := range checks {
		if err := c.IsReady(ctx); err != nil {
			return c.Name(), err
		}
	}
	return "", nil
}
