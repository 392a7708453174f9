package domain

import "github.com/pkg/errors"

// Propagation selects how a transactional scope relates to the ambient transaction.
type Propagation int

const (
	// PropagationRequired reuses the ambient transaction or creates one.
	PropagationRequired Propagation = iota
	// PropagationRequiresNew suspends the ambient transaction and creates one.
	PropagationRequiresNew
	// PropagationMandatory requires an ambient transaction.
	PropagationMandatory
	// PropagationNever fails when an ambient transaction is active.
	PropagationNever
	// PropagationNotSupported suspends the ambient transaction and runs without one.
	PropagationNotSupported
	// PropagationSupports reuses the ambient transaction if present.
	PropagationSupports
)

func (p Propagation) String() string {
	switch p {
	case PropagationRequired:
		return "REQUIRED"
	case PropagationRequiresNew:
		return "REQUIRES_NEW"
	case PropagationMandatory:
		return "MANDATORY"
	case PropagationNever:
		return "NEVER"
	case PropagationNotSupported:
		return "NOT_SUPPORTED"
	case PropagationSupports:
		return "SUPPORTS"
	}
	return "UNKNOWN"
}

// Isolation is a transaction isolation level. IsolationDefault defers to the data store.
type Isolation int

const (
	IsolationDefault Isolation = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

func (i Isolation) String() string {
	switch i {
	case IsolationDefault:
		return "default"
	case IsolationReadUncommitted:
		return "read_uncommitted"
	case IsolationReadCommitted:
		return "read_committed"
	case IsolationRepeatableRead:
		return "repeatable_read"
	case IsolationSerializable:
		return "serializable"
	}
	return "unknown"
}

// TxScope declares the transactional boundary of a unit of work.
type TxScope struct {
	Propagation Propagation
	Isolation   Isolation
	ReadOnly    bool
	// Batch overrides the server batch mode for a newly created transaction.
	Batch     *bool
	BatchSize int
	// RollbackFor limits rollback to errors matching one of these targets.
	// Empty means every error rolls back.
	RollbackFor []error
	// NoRollbackFor lists errors that commit instead of rolling back.
	NoRollbackFor []error
	Label         string
}

// Required returns a REQUIRED scope.
func Required() TxScope { return TxScope{Propagation: PropagationRequired} }

// RequiresNew returns a REQUIRES_NEW scope.
func RequiresNew() TxScope { return TxScope{Propagation: PropagationRequiresNew} }

// ShouldRollback applies the scope's rollback policy to err.
func (s TxScope) ShouldRollback(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range s.NoRollbackFor {
		if errors.Is(err, target) {
			return false
		}
	}
	if len(s.RollbackFor) == 0 {
		return true
	}
	for _, target := range s.RollbackFor {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
