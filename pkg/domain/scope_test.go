package domain

import (
	"testing"

	"github.com/pkg/errors"
)

var (
	errBusiness = errors.New("business")
	errRetry    = errors.New("retry")
)

func TestShouldRollback(t *testing.T) {
	if Required().ShouldRollback(nil) {
		t.Fatalf("nil never rolls back")
	}
	if !Required().ShouldRollback(errBusiness) {
		t.Fatalf("default policy rolls back every error")
	}
	scope := TxScope{NoRollbackFor: []error{errBusiness}}
	if scope.ShouldRollback(errors.Wrap(errBusiness, "wrapped")) {
		t.Fatalf("NoRollbackFor should match wrapped errors")
	}
	scope = TxScope{RollbackFor: []error{errRetry}}
	if scope.ShouldRollback(errBusiness) {
		t.Fatalf("RollbackFor limits rollback to listed errors")
	}
	if !scope.ShouldRollback(errRetry) {
		t.Fatalf("listed error should roll back")
	}
	scope = TxScope{RollbackFor: []error{errRetry}, NoRollbackFor: []error{errRetry}}
	if scope.ShouldRollback(errRetry) {
		t.Fatalf("NoRollbackFor takes precedence")
	}
}

func TestPropagationAndIsolationNames(t *testing.T) {
	names := map[Propagation]string{
		PropagationRequired:     "REQUIRED",
		PropagationRequiresNew:  "REQUIRES_NEW",
		PropagationMandatory:    "MANDATORY",
		PropagationNever:        "NEVER",
		PropagationNotSupported: "NOT_SUPPORTED",
		PropagationSupports:     "SUPPORTS",
		Propagation(42):         "UNKNOWN",
	}
	for p, want := range names {
		if p.String() != want {
			t.Errorf("%d: %s", p, p)
		}
	}
	if IsolationSerializable.String() != "serializable" || Isolation(9).String() != "unknown" {
		t.Fatalf("isolation names")
	}
	if RequiresNew().Propagation != PropagationRequiresNew {
		t.Fatalf("RequiresNew helper")
	}
}
