package core

import (
	"context"

	"github.com/pkg/errors"

	"persistcore/pkg/domain"
)

type ambientKey struct{}

// ambientSlot holds the ambient transaction of one goroutine's call chain.
type ambientSlot struct {
	tx *Transaction
}

// WithAmbient returns a context carrying an ambient transaction slot. Calls
// sharing the returned context (and contexts derived from it) share one
// ambient transaction; the slot must not be shared across goroutines.
func WithAmbient(ctx context.Context) context.Context {
	if slotFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, ambientKey{}, &ambientSlot{})
}

func slotFrom(ctx context.Context) *ambientSlot {
	if ctx == nil {
		return nil
	}
	slot, _ := ctx.Value(ambientKey{}).(*ambientSlot)
	return slot
}

// AmbientTransaction returns the active ambient transaction, or nil.
func AmbientTransaction(ctx context.Context) *Transaction {
	slot := slotFrom(ctx)
	if slot == nil || slot.tx == nil || !slot.tx.IsActive() {
		return nil
	}
	return slot.tx
}

// ScopeHandle records the outcome of resolving a transactional scope and
// restores the previous ambient transaction when ended.
type ScopeHandle struct {
	server    *Server
	scope     domain.TxScope
	slot      *ambientSlot
	tx        *Transaction
	created   bool
	suspended *Transaction
	previous  *Transaction
	ended     bool
}

// Transaction returns the transaction the scope runs in, nil when the scope
// runs without one.
func (h *ScopeHandle) Transaction() *Transaction { return h.tx }

// Created reports whether the scope began a new transaction.
func (h *ScopeHandle) Created() bool { return h.created }

// Suspended returns the ambient transaction set aside by the scope.
func (h *ScopeHandle) Suspended() *Transaction { return h.suspended }

// ResolveScope applies the propagation rules of scope to the ambient
// transaction carried by ctx and installs the result as the new ambient value.
func (s *Server) ResolveScope(ctx context.Context, scope domain.TxScope) (*ScopeHandle, error) {
	slot := slotFrom(ctx)
	ambient := AmbientTransaction(ctx)
	h := &ScopeHandle{server: s, scope: scope, slot: slot}
	if slot != nil {
		h.previous = slot.tx
	}
	create := false
	switch scope.Propagation {
	case domain.PropagationRequired:
		if ambient != nil {
			h.tx = ambient
		} else {
			create = true
		}
	case domain.PropagationRequiresNew:
		h.suspended = ambient
		create = true
	case domain.PropagationMandatory:
		if ambient == nil {
			return nil, domain.PropagationError{Propagation: scope.Propagation, Reason: "transaction required"}
		}
		h.tx = ambient
	case domain.PropagationNever:
		if ambient != nil {
			return nil, domain.PropagationError{Propagation: scope.Propagation, Reason: "transaction must not be active"}
		}
	case domain.PropagationNotSupported:
		h.suspended = ambient
	case domain.PropagationSupports:
		h.tx = ambient
	default:
		return nil, domain.PropagationError{Propagation: scope.Propagation, Reason: "unknown propagation"}
	}
	if create {
		tx, err := s.newTransaction(ctx, scopeConfig(scope))
		if err != nil {
			return nil, err
		}
		h.tx = tx
		h.created = true
	}
	if slot != nil {
		slot.tx = h.tx
	}
	return h, nil
}

// End closes the scope. A transaction created by the scope commits when
// cause is nil; otherwise it rolls back when the scope's rollback policy
// says so and commits when it does not. A reused transaction is marked
// rollback-only on a rollback-worthy cause. The previous ambient transaction
// is always restored. The returned error is cause, or the commit failure.
func (h *ScopeHandle) End(ctx context.Context, cause error) error {
	if h.ended {
		return cause
	}
	h.ended = true
	defer h.restore()
	defer func() {
		if h.created && h.tx.IsActive() {
			_ = h.tx.Rollback(ctx)
		}
	}()

	if !h.created {
		if h.tx != nil && h.scope.ShouldRollback(cause) {
			h.tx.SetRollbackOnly()
		}
		return cause
	}
	if cause == nil {
		return h.tx.Commit(ctx)
	}
	if h.scope.ShouldRollback(cause) {
		if err := h.tx.Rollback(ctx); err != nil {
			h.server.logger.Warn("scope rollback failed", "tx", h.tx.ID(), "error", err)
		}
		return cause
	}
	if err := h.tx.Commit(ctx); err != nil {
		return errors.Wrapf(cause, "commit after non-rollback error failed: %v", err)
	}
	return cause
}

// abort ends the scope after a panic in the unit of work.
func (h *ScopeHandle) abort(ctx context.Context) {
	if h.ended {
		return
	}
	h.ended = true
	defer h.restore()
	if h.tx == nil {
		return
	}
	if h.created {
		_ = h.tx.Rollback(ctx)
		return
	}
	h.tx.SetRollbackOnly()
}

func (h *ScopeHandle) restore() {
	if h.slot != nil {
		h.slot.tx = h.previous
	}
}
