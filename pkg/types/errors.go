package types

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a failure, driving whether the Executor retries
// it and how the Orchestrator reacts to it.
type ErrorClass string

const (
	ClassTransient  ErrorClass = "transient"
	ClassContention ErrorClass = "contention"
	ClassLogical    ErrorClass = "logical"
	ClassStructural ErrorClass = "structural"
	ClassFatal      ErrorClass = "fatal"
)

// ClassifiedError wraps an underlying error with its taxonomy class so the
// Executor and Orchestrator can branch on it without string-matching.
type ClassifiedError struct {
	Class ErrorClass
	Step  string
	Shard string
	Err   error
}

func (e *ClassifiedError) Error() string {
	if e.Step == "" && e.Shard == "" {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("%s (step=%s shard=%s): %v", e.Class, e.Step, e.Shard, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable, transient failure (connection loss,
// timeout, back-end "retry later").
func Transient(step, shard string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassTransient, Step: step, Shard: shard, Err: err}
}

// Contention wraps err as a lock-busy / optimistic-CAS failure.
func Contention(step, shard string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassContention, Step: step, Shard: shard, Err: err}
}

// Logical wraps err as a non-retryable domain failure (schema conflict,
// transformer rejection, validation mismatch).
func Logical(step, shard string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassLogical, Step: step, Shard: shard, Err: err}
}

// Structural wraps err as a failure detected before or at admission (plan
// cycle, missing compensation, topology mismatch).
func Structural(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassStructural, Err: err}
}

// Fatal wraps err as a failure of the coordinator's own durability (the
// Status Store is unavailable).
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassFatal, Err: err}
}

// ClassOf extracts the ErrorClass from err, defaulting to ClassLogical for
// errors the taxonomy was never applied to (fail closed: don't retry the
// unknown).
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassLogical
}

// IsRetryable reports whether err's class is ever worth retrying inside
// the Executor's attempt budget.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ClassTransient, ClassContention:
		return true
	default:
		return false
	}
}

// Sentinel structural/contention errors surfaced to callers by name.
var (
	// ErrTopologyStale is returned when a Step resumes against a
	// topology_version no longer current; resolution is a manual re-plan.
	ErrTopologyStale = errors.New("topology version is stale, re-plan required")

	// ErrPlanCycle is returned by the Planner when the request's step
	// dependencies form a cycle.
	ErrPlanCycle = errors.New("plan contains a dependency cycle")

	// ErrLockBusy is returned by a non-blocking lock acquisition attempt
	// that found the resource already held.
	ErrLockBusy = errors.New("lock is held by another migration")

	// ErrLockUnavailable is returned when contention on a lease exceeds
	// the configured threshold.
	ErrLockUnavailable = errors.New("lock unavailable within contention window")

	// ErrStaleFencingToken is returned by the Status Store when a write
	// carries a fencing token that is not monotonically increasing for
	// its resource.
	ErrStaleFencingToken = errors.New("stale fencing token rejected")

	// ErrAlreadyApplied is the sentinel a StoreDriver returns from
	// ApplySchema when it detects, via its native marker, that the schema
	// step has already been applied; the Executor treats this as success.
	ErrAlreadyApplied = errors.New("schema step already applied")

	// ErrUnsupported is returned by StoreDriver methods the concrete
	// back-end does not implement (e.g. Begin/Commit/Rollback on a
	// back-end without multi-statement transactions).
	ErrUnsupported = errors.New("operation not supported by this store driver")

	// ErrNotFound is returned by Status Store reads for an unknown key.
	ErrNotFound = errors.New("record not found")

	// ErrCASConflict is returned when a compare-and-swap precondition does
	// not hold (concurrent writer won the race).
	ErrCASConflict = errors.New("compare-and-swap precondition failed")

	// ErrUnrecoverable marks a step whose rollback has neither a snapshot
	// restore point nor a registered inverse transformation.
	ErrUnrecoverable = errors.New("step has no registered compensation")
)
