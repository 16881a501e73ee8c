package sqlite

import (
	"context"
	"database/sql"

	"github.com/flowline-dev/flowline/internal/orchestration/lifecycle"
	"github.com/flowline-dev/flowline/internal/orchestration/oerr"
)

// HistoryRepository persists accepted task transitions for audit.
type HistoryRepository struct {
	db *sql.DB
}

// NewHistoryRepository creates the repository over an open database.
func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Ensure HistoryRepository satisfies the coordinator's audit interface.
var _ lifecycle.History = (*HistoryRepository)(nil)

// Append records one transition and trims the workflow's history to limit.
func (r *HistoryRepository) Append(ctx context.Context, workflowID string, rec lifecycle.TransitionRecord, limit int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return oerr.E(oerr.Internal, "history", "Append", "starting transaction").Wrap(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transition_history
			(workflow_id, task_id, from_status, to_status, reason, triggered_by, is_automated, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		workflowID, rec.TaskID, string(rec.From), string(rec.To),
		rec.Reason, rec.TriggeredBy, rec.IsAutomated, rec.Timestamp.UTC(),
	)
	if err != nil {
		return oerr.E(oerr.Internal, "history", "Append", "inserting transition").
			WithEntities(workflowID, rec.TaskID).Wrap(err)
	}

	if limit > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM transition_history
			 WHERE workflow_id = ?
			   AND id NOT IN (
				SELECT id FROM transition_history
				WHERE workflow_id = ?
				ORDER BY id DESC LIMIT ?)`,
			workflowID, workflowID, limit,
		)
		if err != nil {
			return oerr.E(oerr.Internal, "history", "Append", "trimming history").
				WithEntities(workflowID).Wrap(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return oerr.E(oerr.Internal, "history", "Append", "committing transaction").Wrap(err)
	}
	return nil
}

// ListByWorkflow returns the workflow's recorded transitions, oldest first.
func (r *HistoryRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]lifecycle.TransitionRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT task_id, from_status, to_status, reason, triggered_by, is_automated, occurred_at
		 FROM transition_history
		 WHERE workflow_id = ?
		 ORDER BY id ASC`,
		workflowID,
	)
	if err != nil {
		return nil, oerr.E(oerr.Internal, "history", "ListByWorkflow", "querying history").
			WithEntities(workflowID).Wrap(err)
	}
	defer rows.Close()

	var out []lifecycle.TransitionRecord
	for rows.Next() {
		var rec lifecycle.TransitionRecord
		var from, to string
		if err := rows.Scan(&rec.TaskID, &from, &to, &rec.Reason, &rec.TriggeredBy, &rec.IsAutomated, &rec.Timestamp); err != nil {
			return nil, oerr.E(oerr.Internal, "history", "ListByWorkflow", "scanning row").Wrap(err)
		}
		rec.From = lifecycle.TaskStatus(from)
		rec.To = lifecycle.TaskStatus(to)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, oerr.E(oerr.Internal, "history", "ListByWorkflow", "iterating rows").Wrap(err)
	}
	return out, nil
}
