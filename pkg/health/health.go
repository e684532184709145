package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/arxiv/compiler/pkg/log"
)

// Checker reports whether one upstream dependency is usable.
type Checker interface {
	// Check performs the availability probe and returns the result.
	Check(ctx context.Context) Result

	// Name returns the dependency name as reported on the status endpoint.
	Name() string
}

// Result represents the outcome of one availability probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// CheckFunc adapts a plain availability function into a Checker.
type CheckFunc struct {
	name  string
	check func(ctx context.Context) bool
}

// NewCheck wraps an availability function under a dependency name.
func NewCheck(name string, check func(ctx context.Context) bool) *CheckFunc {
	return &CheckFunc{name: name, check: check}
}

// Name returns the dependency name.
func (c *CheckFunc) Name() string { return c.name }

// Check runs the wrapped availability function.
func (c *CheckFunc) Check(ctx context.Context) Result {
	start := time.Now()
	healthy := c.check(ctx)
	result := Result{
		Healthy:   healthy,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
	if !healthy {
		result.Message = fmt.Sprintf("%s is not available", c.name)
	}
	return result
}

// Service aggregates the availability of all upstream dependencies.
type Service struct {
	checkers []Checker
	timeout  time.Duration
}

// NewService creates a health service over the given dependency checkers.
func NewService(checkers ...Checker) *Service {
	return &Service{
		checkers: checkers,
		timeout:  5 * time.Second,
	}
}

// Check probes every dependency and returns the per-dependency verdict.
func (s *Service) Check(ctx context.Context) map[string]bool {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	results := make(map[string]bool, len(s.checkers))
	for _, checker := range s.checkers {
		results[checker.Name()] = checker.Check(ctx).Healthy
	}
	return results
}

// Healthy reports whether every dependency is available.
func (s *Service) Healthy(ctx context.Context) bool {
	for _, healthy := range s.Check(ctx) {
		if !healthy {
			return false
		}
	}
	return true
}

// Await blocks until every dependency is available, probing at the given
// interval. Returns the context error if cancelled first.
func (s *Service) Await(ctx context.Context, interval time.Duration) error {
	logger := log.WithComponent("health")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		results := s.Check(ctx)
		if down := unavailable(results); len(down) == 0 {
			logger.Info().Msg("all upstream services available")
			return nil
		} else {
			logger.Info().Strs("waiting_for", down).Msg("waiting for upstream services")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func unavailable(results map[string]bool) []string {
	var down []string
	for name, healthy := range results {
		if !healthy {
			down = append(down, name)
		}
	}
	sort.Strings(down)
	return down
}
