// Package transform holds the compensation registry: named data
// transformers and their inverses, registered at process start so the
// Planner can validate every step's transformer exists before
// admission, and rollback can look up a step's inverse without
// threading function values through the Status Store.
package transform

import (
	"fmt"
	"sync"

	"github.com/cuemby/migctl/pkg/driver"
)

// Func transforms one record in place, returning the transformed record
// (or a classified error, e.g. types.Logical for a record the transform
// rejects).
type Func func(rec driver.Record) (driver.Record, error)

// entry pairs a transform with its registered inverse, if any.
type entry struct {
	transform Func
	inverse   Func
}

var (
	mu       sync.RWMutex
	registry = map[string]entry{}
)

// Register records a (name, transform, inverse) triple at process
// start. inverse may be nil for a transformer with no registered
// compensation; rollback for steps using it is marked unrecoverable.
func Register(name string, transform Func, inverse Func) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = entry{transform: transform, inverse: inverse}
}

// Lookup returns the transform registered under name.
func Lookup(name string) (Func, error) {
	mu.RLock()
	defer mu.RUnlock()
	e, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("transform: no transformer registered for %q", name)
	}
	return e.transform, nil
}

// Inverse returns the inverse registered alongside name's transform, and
// whether one exists at all. The Executor falls back to this when a
// step names no explicit InverseName of its own.
func Inverse(name string) (Func, bool) {
	mu.RLock()
	defer mu.RUnlock()
	e, ok := registry[name]
	if !ok || e.inverse == nil {
		return nil, false
	}
	return e.inverse, true
}

// Exists reports whether name has a registered transformer, used by
// the Planner to validate a request's steps at admission time.
func Exists(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := registry[name]
	return ok
}

// Identity is the zero-op transform, useful for schema-only steps or
// tests that don't exercise field rewriting.
func Identity(rec driver.Record) (driver.Record, error) { return rec, nil }

func init() {
	Register("identity", Identity, Identity)
}
