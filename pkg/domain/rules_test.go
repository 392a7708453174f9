package domain

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func TestRulesEngineMergesResults(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(RuleFunc{RuleName: "warn", Fn: func(context.Context, PendingChange) (Result, error) {
		return Result{Violations: []Violation{{Rule: "warn", Severity: SeverityWarn}}}, nil
	}})
	engine.Register(RuleFunc{RuleName: "block-empty", Fn: func(_ context.Context, c PendingChange) (Result, error) {
		if c.ID.IsZero() {
			return Result{Violations: []Violation{{Rule: "block-empty", Severity: SeverityBlock, Message: "id required"}}}, nil
		}
		return Result{}, nil
	}})
	if engine.Len() != 2 {
		t.Fatalf("expected 2 rules")
	}

	res, err := engine.Evaluate(context.Background(), PendingChange{Type: "Item", Op: OpInsert, ID: ScalarID("a")})
	if err != nil || res.HasBlocking() || len(res.Violations) != 1 {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	res, _ = engine.Evaluate(context.Background(), PendingChange{Type: "Item", Op: OpInsert})
	if !res.HasBlocking() {
		t.Fatalf("expected blocking violation")
	}
	msg := ValidationError{Type: "Item", Result: res}.Error()
	if !strings.Contains(msg, "block-empty: id required") {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestRulesEngineStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	engine := NewRulesEngine()
	engine.Register(RuleFunc{RuleName: "fail", Fn: func(context.Context, PendingChange) (Result, error) {
		return Result{}, boom
	}})
	if _, err := engine.Evaluate(context.Background(), PendingChange{}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestErrorMessages(t *testing.T) {
	lock := OptimisticLockError{Type: "Item", ID: ScalarID(3), Op: OpUpdate}
	if !IsOptimisticLock(errors.Wrap(lock, "save")) {
		t.Fatalf("wrapped lock error should be detected")
	}
	if !strings.Contains(lock.Error(), "id=3 affected 0 rows") {
		t.Fatalf("unexpected %q", lock.Error())
	}
	exec := ExecutorError{Type: "Item", Op: OpSelect, Err: ErrUnsupported}
	if !errors.Is(exec, ErrUnsupported) {
		t.Fatalf("executor error should unwrap")
	}
	if (ConfigError{Reason: "x"}).Error() != "configuration: x" {
		t.Fatalf("config error message")
	}
	if (NotUniqueError{Type: "Item", Count: 2}).Error() != "unique query for Item returned 2 rows" {
		t.Fatalf("not unique message")
	}
	if (PropagationError{Propagation: PropagationNever, Reason: "r"}).Error() != "propagation NEVER: r" {
		t.Fatalf("propagation message")
	}
}
