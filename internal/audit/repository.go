package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const timelineQuery = `SELECT occurred_at, actor_id, action, entity, entity_id, meta
FROM audit_logs
WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
  AND ($2::timestamptz IS NULL OR occurred_at <= $2)
  AND ($3::bigint IS NULL OR actor_id = $3)
  AND ($4::text IS NULL OR entity = $4)
  AND ($5::text IS NULL OR entity_id = $5)
  AND ($6::text IS NULL OR action = $6)
ORDER BY occurred_at DESC, id DESC
OFFSET $7
LIMIT $8`

// PostgresRepository reads audit_logs from PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Timeline satisfies Repository.
func (r *PostgresRepository) Timeline(ctx context.Context, w Window) ([]TimelineRow, error) {
	var limit pgtype.Int8
	if w.Limit > 0 {
		limit = pgtype.Int8{Int64: int64(w.Limit), Valid: true}
	}
	var actor pgtype.Int8
	if w.ActorID > 0 {
		actor = pgtype.Int8{Int64: w.ActorID, Valid: true}
	}
	rows, err := r.pool.Query(ctx, timelineQuery,
		toPgTime(w.From), toPgTime(w.To), actor,
		optionalText(w.Entity), optionalText(w.EntityID), optionalText(w.Action),
		w.Offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TimelineRow
	for rows.Next() {
		var (
			row  TimelineRow
			meta []byte
		)
		if err := rows.Scan(&row.At, &row.ActorID, &row.Action, &row.Entity, &row.EntityID, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &row.Meta); err != nil {
				return nil, err
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}
