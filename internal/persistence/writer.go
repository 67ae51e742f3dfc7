package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// OpLogWriter writes operation envelopes to Postgres using multi-row
// INSERTs. Writes are idempotent on sequence so a retried batch after a
// partial failure never duplicates rows.
type OpLogWriter struct {
	db *sql.DB
}

func NewOpLogWriter(db *sql.DB) *OpLogWriter {
	return &OpLogWriter{db: db}
}

// OperationRow is one row in op_log.operations.
type OperationRow struct {
	Sequence int64
	BatchID  string
	OpType   string
	Caller   string
	Payload  []byte // JSON operation record
	Ts       int64  // unix nanos
}

// WriteBatch writes a batch of operations in one statement.
func (w *OpLogWriter) WriteBatch(ctx context.Context, ops []OperationRow) error {
	if len(ops) == 0 {
		return nil
	}

	query := `INSERT INTO op_log.operations
		(sequence, batch_id, op_type, caller, payload, ts)
		VALUES `

	values := make([]string, 0, len(ops))
	args := make([]any, 0, len(ops)*6)

	for i, op := range ops {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args, op.Sequence, op.BatchID, op.OpType, op.Caller, op.Payload, op.Ts)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

// LastSequence returns the highest persisted sequence, or -1 when the log is
// empty. The engine resumes numbering from this on startup.
func (w *OpLogWriter) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := w.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM op_log.operations`,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// ReadFrom returns up to limit operations starting at fromSequence, in
// order. Used by audit tooling.
func (w *OpLogWriter) ReadFrom(ctx context.Context, fromSequence int64, limit int) ([]OperationRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sequence, batch_id, op_type, caller, payload, ts
		FROM op_log.operations
		WHERE sequence >= $1
		ORDER BY sequence
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []OperationRow
	for rows.Next() {
		var op OperationRow
		if err := rows.Scan(&op.Sequence, &op.BatchID, &op.OpType, &op.Caller, &op.Payload, &op.Ts); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
