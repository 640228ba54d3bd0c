// Package memory provides an in-process FleetManager for local runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
)

// Call records one FleetManager invocation.
type Call struct {
	Op    string
	Name  string
	Count int
}

// Fleet tracks fleets by name.
type Fleet struct {
	mu     sync.Mutex
	fleets map[string]fanout.FleetSpec
	calls  []Call
}

// New returns an empty Fleet.
func New() *Fleet {
	return &Fleet{fleets: make(map[string]fanout.FleetSpec)}
}

// Create registers spec, failing with ErrFleetExists when the name is taken.
func (f *Fleet) Create(_ context.Context, spec fanout.FleetSpec) error {
	if spec.Name == "" {
		return errors.New("fleet name is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "create", Name: spec.Name, Count: spec.DesiredCount})
	if _, ok := f.fleets[spec.Name]; ok {
		return fmt.Errorf("create fleet %s: %w", spec.Name, fanout.ErrFleetExists)
	}
	f.fleets[spec.Name] = spec
	return nil
}

// SetDesiredCount resizes an existing fleet.
func (f *Fleet) SetDesiredCount(_ context.Context, name string, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "resize", Name: name, Count: count})
	spec, ok := f.fleets[name]
	if !ok {
		return fmt.Errorf("resize fleet %s: %w", name, fanout.ErrFleetNotFound)
	}
	spec.DesiredCount = count
	f.fleets[name] = spec
	return nil
}

// Delete removes a fleet. Without force, a fleet with desired count above
// zero is left alone.
func (f *Fleet) Delete(_ context.Context, name string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "delete", Name: name})
	spec, ok := f.fleets[name]
	if !ok {
		return fmt.Errorf("delete fleet %s: %w", name, fanout.ErrFleetNotFound)
	}
	if !force && spec.DesiredCount > 0 {
		return fmt.Errorf("delete fleet %s: %d workers still desired", name, spec.DesiredCount)
	}
	delete(f.fleets, name)
	return nil
}

// Get returns the fleet registered under name.
func (f *Fleet) Get(name string) (fanout.FleetSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.fleets[name]
	return spec, ok
}

// Len reports how many fleets exist.
func (f *Fleet) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fleets)
}

// Calls returns the recorded invocations in order.
func (f *Fleet) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}
