package core

import (
	"context"

	"persistcore/pkg/domain"
)

const defaultBatchSize = 20

type batchShape struct {
	typeName string
	op       domain.PersistOp
}

// batchControl queues persist requests of one shape (type and operation) and
// sends them to the executor as one batch.
type batchControl struct {
	tx    *Transaction
	size  int
	shape batchShape
	queue []*persistRequest
}

func newBatchControl(tx *Transaction, size int) *batchControl {
	if size <= 0 {
		size = defaultBatchSize
	}
	return &batchControl{tx: tx, size: size}
}

// add queues req, flushing first when the shape changes and afterwards when
// the batch is full.
func (b *batchControl) add(ctx context.Context, req *persistRequest) error {
	shape := batchShape{typeName: req.desc.Name, op: req.op}
	if len(b.queue) > 0 && shape != b.shape {
		if err := b.flush(ctx); err != nil {
			return err
		}
	}
	b.shape = shape
	req.status = persistQueued
	b.queue = append(b.queue, req)
	if len(b.queue) >= b.size {
		return b.flush(ctx)
	}
	return nil
}

func (b *batchControl) pending() int { return len(b.queue) }

// holds reports whether a request for bean is waiting in the queue.
func (b *batchControl) holds(bean any) bool {
	for _, req := range b.queue {
		if req.bean == bean {
			return true
		}
	}
	return false
}

func (b *batchControl) touches(tables []string) bool {
	if len(b.queue) == 0 {
		return false
	}
	table := b.queue[0].desc.Table
	for _, t := range tables {
		if t == table {
			return true
		}
	}
	return false
}

func (b *batchControl) discard() { b.queue = nil }

// flush executes the queued requests. Requests whose row count check passes
// are post-processed even when a later one fails; the first failure is
// returned.
func (b *batchControl) flush(ctx context.Context) error {
	if len(b.queue) == 0 {
		return nil
	}
	reqs := b.queue
	b.queue = nil
	stmts := make([]domain.WriteStatement, len(reqs))
	for i, req := range reqs {
		req.status = persistExecuting
		stmts[i] = req.stmt
	}
	b.tx.logStatement("batch", "type", b.shape.typeName, "op", b.shape.op, "size", len(stmts))
	counts, err := b.tx.conn.ExecBatch(ctx, stmts)
	if err != nil {
		for _, req := range reqs {
			req.status = persistFailed
		}
		return reqs[0].executorError(err)
	}
	var first error
	for i, req := range reqs {
		var count int64
		if i < len(counts) {
			count = counts[i]
		}
		if err := req.checkRowCount(ctx, count); err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		req.postExecute(ctx)
	}
	return first
}
