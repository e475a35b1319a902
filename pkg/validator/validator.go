// Package validator runs the pre-admission, per-shard post-step, and
// cross-shard checks the Orchestrator gates each stage transition on:
// a Migration moves to `validating` before `completed`, and a failed
// check produces `validation_failed`.
package validator

import (
	"context"
	"fmt"

	"github.com/cuemby/migctl/pkg/driver"
	"github.com/cuemby/migctl/pkg/types"
)

// Check is one named validation against a shard connection.
type Check func(ctx context.Context, d driver.StoreDriver, conn driver.Conn) error

// Validator runs a named set of Checks, reporting every failure rather
// than stopping at the first so an operator sees the full picture in
// one validation_failed event.
type Validator struct {
	preChecks   []Check
	postChecks  []Check
	crossChecks []CrossCheck
}

// CrossCheck compares state across multiple shards of the same store
// class, e.g. aggregate record counts matching between source and
// target.
type CrossCheck func(ctx context.Context, d driver.StoreDriver, conns map[string]driver.Conn) error

// New builds a Validator from the given checks. Any argument may be nil.
func New(pre, post []Check, cross []CrossCheck) *Validator {
	return &Validator{preChecks: pre, postChecks: post, crossChecks: cross}
}

// Result collects every failed check's error, keyed by a caller-chosen
// label (e.g. "pre:schema-exists").
type Result struct {
	Failures map[string]error
}

// OK reports whether every check passed.
func (r *Result) OK() bool { return len(r.Failures) == 0 }

// RunPre executes the pre-admission checks against conn.
func (v *Validator) RunPre(ctx context.Context, d driver.StoreDriver, conn driver.Conn) *Result {
	return runAll(ctx, d, conn, v.preChecks)
}

// RunPost executes the per-shard post-step checks against conn.
func (v *Validator) RunPost(ctx context.Context, d driver.StoreDriver, conn driver.Conn) *Result {
	return runAll(ctx, d, conn, v.postChecks)
}

func runAll(ctx context.Context, d driver.StoreDriver, conn driver.Conn, checks []Check) *Result {
	res := &Result{Failures: map[string]error{}}
	for i, check := range checks {
		if err := check(ctx, d, conn); err != nil {
			res.Failures[fmt.Sprintf("check-%d", i)] = err
		}
	}
	return res
}

// RunCross executes the cross-shard checks against every shard
// connection in conns, keyed by shard id.
func (v *Validator) RunCross(ctx context.Context, d driver.StoreDriver, conns map[string]driver.Conn) *Result {
	res := &Result{Failures: map[string]error{}}
	for i, check := range v.crossChecks {
		if err := check(ctx, d, conns); err != nil {
			res.Failures[fmt.Sprintf("cross-check-%d", i)] = err
		}
	}
	return res
}

// AsError flattens a failed Result into a single classified error
// suitable for an Executor/Orchestrator return value and the
// validation_failed event payload.
func (r *Result) AsError() error {
	if r.OK() {
		return nil
	}
	msgs := make([]string, 0, len(r.Failures))
	for label, err := range r.Failures {
		msgs = append(msgs, fmt.Sprintf("%s: %v", label, err))
	}
	return types.Logical("", "", fmt.Errorf("validation failed: %v", msgs))
}

// HealthCheck is a stock Check verifying the shard connection itself
// reports healthy before any schema or data step runs against it.
func HealthCheck(ctx context.Context, d driver.StoreDriver, conn driver.Conn) error {
	if h := d.Health(ctx, conn); h != driver.HealthOK {
		return fmt.Errorf("shard health is %s", h)
	}
	return nil
}
