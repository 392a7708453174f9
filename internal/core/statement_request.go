package core

import (
	"context"

	"persistcore/internal/meta"
	"persistcore/pkg/domain"
)

// statementRequest is a bulk update/delete or raw statement. It is not tied
// to a bean; the tables it declares are touched on commit.
type statementRequest struct {
	server *Server
	tx     *Transaction
	op     domain.PersistOp
	desc   *meta.Descriptor
	bulk   domain.BulkStatement
	raw    domain.RawStatement
	tables []string
}

func (r *statementRequest) typeName() string {
	if r.desc == nil {
		return ""
	}
	return r.desc.Name
}

func (r *statementRequest) execute(ctx context.Context) (int64, error) {
	if r.tx.readOnly {
		return 0, domain.ConfigError{Type: r.typeName(), Reason: "transaction is read-only"}
	}
	if err := r.tx.Flush(ctx); err != nil {
		return 0, err
	}
	var (
		count int64
		err   error
	)
	switch r.op {
	case domain.OpBulkUpdate:
		r.tx.logStatement("bulk", "table", r.bulk.Table, "delete", r.bulk.Delete)
		count, err = r.tx.conn.ExecBulk(ctx, r.bulk)
	case domain.OpRaw, domain.OpCallable:
		r.tx.logStatement(string(r.op), "sql", r.raw.SQL)
		count, err = r.tx.conn.ExecRaw(ctx, r.raw)
	default:
		return 0, domain.ConfigError{Type: r.typeName(), Reason: "unsupported statement " + string(r.op)}
	}
	if err != nil {
		return 0, domain.ExecutorError{Type: r.typeName(), Op: r.op, Err: err}
	}
	touchOp := r.op
	if r.op == domain.OpBulkUpdate && r.bulk.Delete {
		touchOp = domain.OpDelete
	}
	touched := int(count)
	if touched < 1 && r.op != domain.OpBulkUpdate {
		// raw statements may not report a row count
		touched = 1
	}
	for _, table := range r.tables {
		r.tx.events.touch(table, touchOp, touched)
	}
	if r.desc != nil && count > 0 {
		// loaded instances no longer reflect the rows
		r.tx.pc.ClearType(r.desc.Name)
	}
	if r.tx.logLevel >= TxLogSummary {
		r.server.logger.Info("statement executed", "tx", r.tx.id, "op", r.op, "type", r.typeName(), "rows", count)
	}
	return count, nil
}
