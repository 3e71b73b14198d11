// Package saga runs a fixed sequence of steps and undoes the completed ones
// when a later step fails.
package saga

import (
	"context"
	"errors"
	"fmt"
)

// Step is one unit of work. Compensate is optional and runs only if Execute
// succeeded and a later step failed.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// StepError reports which step failed. Errors.Is and errors.As see the
// step's own error through Unwrap.
type StepError struct {
	Saga  string
	Step  string
	Index int
	Err   error
	// Compensation holds the joined compensation failures, if any.
	Compensation error
}

func (e *StepError) Error() string {
	if e.Compensation != nil {
		return fmt.Sprintf("saga %s: step %q failed (%v), compensation also failed: %v", e.Saga, e.Step, e.Err, e.Compensation)
	}
	return fmt.Sprintf("saga %s: step %q failed: %v", e.Saga, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

type Saga struct {
	name  string
	steps []Step
}

func New(name string) *Saga {
	return &Saga{name: name}
}

func (s *Saga) AddStep(step Step) *Saga {
	s.steps = append(s.steps, step)
	return s
}

// Execute runs the steps in order. On failure it compensates the completed
// steps in reverse and returns a *StepError. Compensation runs on a context
// that ignores the caller's cancellation, so a timed-out request still
// releases what it created.
func (s *Saga) Execute(ctx context.Context) error {
	for i, step := range s.steps {
		if err := step.Execute(ctx); err != nil {
			return &StepError{
				Saga:         s.name,
				Step:         step.Name,
				Index:        i,
				Err:          err,
				Compensation: s.compensate(context.WithoutCancel(ctx), i),
			}
		}
	}
	return nil
}

// compensate undoes steps [0, failed) in reverse order.
func (s *Saga) compensate(ctx context.Context, failed int) error {
	var errs []error
	for i := failed - 1; i >= 0; i-- {
		step := s.steps[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("compensate step %q: %w", step.Name, err))
		}
	}
	return errors.Join(errs...)
}
