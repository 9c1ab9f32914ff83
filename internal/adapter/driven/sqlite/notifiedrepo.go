package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/reviewready/internal/domain/model"
	"github.com/ericfisherdev/reviewready/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.NotifiedStore = (*NotifiedRepo)(nil)

// NotifiedRepo is the SQLite implementation of the NotifiedStore port. Each
// repo is scoped to one project key, so several projects can share a file.
type NotifiedRepo struct {
	db      *DB
	project string
	now     func() time.Time
}

// NewNotifiedRepo creates a NotifiedRepo for project backed by db.
func NewNotifiedRepo(db *DB, project string) *NotifiedRepo {
	return &NotifiedRepo{db: db, project: project, now: time.Now}
}

// Load returns the notified ids of the project. No rows means an empty set.
func (r *NotifiedRepo) Load(ctx context.Context) (model.IDSet, error) {
	const query = `SELECT mr_iid FROM notified_merge_requests WHERE project = ? ORDER BY mr_iid`

	rows, err := r.db.Reader.QueryContext(ctx, query, r.project)
	if err != nil {
		return nil, fmt.Errorf("load notified set for %s: %w", r.project, err)
	}
	defer rows.Close()

	ids := model.NewIDSet()
	for rows.Next() {
		var iid int64
		if err := rows.Scan(&iid); err != nil {
			return nil, fmt.Errorf("scan notified id for %s: %w", r.project, err)
		}
		if iid <= 0 {
			return nil, fmt.Errorf("load notified set for %s: %w: id %d", r.project, model.ErrCorruptState, iid)
		}
		ids.Add(model.MergeRequestID(iid))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notified ids for %s: %w", r.project, err)
	}

	return ids, nil
}

// Save replaces the project's rows with ids in one transaction. Rows for ids
// that stay in the set keep their original notified_at.
func (r *NotifiedRepo) Save(ctx context.Context, ids model.IDSet) (retErr error) {
	for id := range ids {
		if id <= 0 {
			return fmt.Errorf("save notified set for %s: invalid id %d", r.project, id)
		}
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save for %s: %w", r.project, err)
	}
	defer func() {
		if retErr != nil {
			retErr = errors.Join(retErr, rollback(tx.Rollback()))
		}
	}()

	rows, err := tx.QueryContext(ctx, `SELECT mr_iid FROM notified_merge_requests WHERE project = ?`, r.project)
	if err != nil {
		return fmt.Errorf("read current set for %s: %w", r.project, err)
	}
	existing := model.NewIDSet()
	for rows.Next() {
		var iid int64
		if err := rows.Scan(&iid); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan current id for %s: %w", r.project, err)
		}
		existing.Add(model.MergeRequestID(iid))
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate current set for %s: %w", r.project, err)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close current set rows for %s: %w", r.project, err)
	}

	for _, id := range existing.Minus(ids).Sorted() {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM notified_merge_requests WHERE project = ? AND mr_iid = ?`,
			r.project, int64(id),
		); err != nil {
			return fmt.Errorf("delete notified !%d for %s: %w", id, r.project, err)
		}
	}

	notifiedAt := r.now().UTC().Format(time.RFC3339)
	for _, id := range ids.Minus(existing).Sorted() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO notified_merge_requests (project, mr_iid, notified_at) VALUES (?, ?, ?)`,
			r.project, int64(id), notifiedAt,
		); err != nil {
			return fmt.Errorf("insert notified !%d for %s: %w", id, r.project, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save for %s: %w", r.project, err)
	}

	return nil
}

// rollback ignores the error returned for an already finished transaction.
func rollback(err error) error {
	if err == nil || errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return fmt.Errorf("rollback: %w", err)
}
