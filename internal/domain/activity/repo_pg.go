package activity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/caseregister/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type RepoPG struct {
	pool  *pgxpool.Pool
	limit int
}

// NewRepoPG returns a Postgres-backed Log keeping limit entries per user.
func NewRepoPG(pool *pgxpool.Pool, limit int) *RepoPG {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &RepoPG{pool: pool, limit: limit}
}

func (r *RepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const entryCols = `id, user_name, action, case_id, patient_name, changes, recorded_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.User, &e.Action, &e.CaseID, &e.PatientName, &e.Changes, &e.Timestamp)
	return &e, err
}

// Append inserts e and prunes the user's entries beyond the cap in the same
// transaction.
func (r *RepoPG) Append(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO activity_log (id, user_name, action, case_id, patient_name, changes)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING recorded_at`,
			e.ID, e.User, e.Action, e.CaseID, e.PatientName, e.Changes,
		).Scan(&e.Timestamp)
		if err != nil {
			return fmt.Errorf("insert activity: %w", err)
		}

		_, err = r.conn(ctx).Exec(ctx, `
			DELETE FROM activity_log
			WHERE user_name = $1 AND id NOT IN (
				SELECT id FROM activity_log
				WHERE user_name = $1
				ORDER BY recorded_at DESC, seq DESC
				LIMIT $2
			)`, e.User, r.limit)
		if err != nil {
			return fmt.Errorf("prune activity: %w", err)
		}
		return nil
	})
}

func (r *RepoPG) Recent(ctx context.Context, user string) ([]*Entry, error) {
	q := fmt.Sprintf(`SELECT %s FROM activity_log WHERE user_name = $1
		ORDER BY recorded_at DESC, seq DESC LIMIT $2`, entryCols)
	rows, err := r.conn(ctx).Query(ctx, q, user, r.limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *RepoPG) Clear(ctx context.Context, user string) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM activity_log WHERE user_name = $1`, user)
	return err
}
