package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrTransactionInactive is returned when a committed or rolled back transaction is used.
	ErrTransactionInactive = errors.New("transaction is not active")
	// ErrRollbackOnly is returned when committing a transaction marked rollback-only.
	ErrRollbackOnly = errors.New("transaction marked rollback-only and was rolled back")
	// ErrNoAmbientTransaction is returned by ambient commit/rollback when none is active.
	ErrNoAmbientTransaction = errors.New("no ambient transaction")
	// ErrUnsupported is returned when an executor lacks an optional capability.
	ErrUnsupported = errors.New("operation not supported by executor")
)

// ConfigError reports a request that cannot be built from the metadata: unknown
// type, unknown named query, missing identity. Never retried.
type ConfigError struct {
	Type   string
	Reason string
}

func (e ConfigError) Error() string {
	if e.Type == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: type %q: %s", e.Type, e.Reason)
}

// OptimisticLockError reports an update or delete whose affected row count was
// not exactly one. The owning transaction stays active.
type OptimisticLockError struct {
	Type     string
	ID       Identity
	Op       PersistOp
	Bean     any
	RowCount int64
}

func (e OptimisticLockError) Error() string {
	return fmt.Sprintf("optimistic lock: %s of %s id=%s affected %d rows", e.Op, e.Type, e.ID, e.RowCount)
}

// ValidationError reports a pre-persist rule violation. No statement was sent.
type ValidationError struct {
	Type   string
	ID     Identity
	Result Result
	Err    error
}

func (e ValidationError) Error() string {
	msg := fmt.Sprintf("validation failed for %s", e.Type)
	if !e.ID.IsZero() {
		msg += " id=" + e.ID.Key()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return msg + ": " + v.Rule + ": " + v.Message
		}
	}
	return msg
}

func (e ValidationError) Unwrap() error { return e.Err }

// PropagationError reports a scope declaration that conflicts with the ambient state.
type PropagationError struct {
	Propagation Propagation
	Reason      string
}

func (e PropagationError) Error() string {
	return fmt.Sprintf("propagation %s: %s", e.Propagation, e.Reason)
}

// ExecutorError wraps a failure raised by the executor for a given type and identity.
type ExecutorError struct {
	Type string
	ID   Identity
	Op   PersistOp
	Err  error
}

func (e ExecutorError) Error() string {
	msg := fmt.Sprintf("executor: %s %s", e.Op, e.Type)
	if !e.ID.IsZero() {
		msg += " id=" + e.ID.Key()
	}
	return msg + ": " + e.Err.Error()
}

func (e ExecutorError) Unwrap() error { return e.Err }

// NotUniqueError reports a unique query that matched more than one row.
type NotUniqueError struct {
	Type  string
	Count int
}

func (e NotUniqueError) Error() string {
	return fmt.Sprintf("unique query for %s returned %d rows", e.Type, e.Count)
}

// IsOptimisticLock reports whether err is, or wraps, an OptimisticLockError.
func IsOptimisticLock(err error) bool {
	var target OptimisticLockError
	return errors.As(err, &target)
}
