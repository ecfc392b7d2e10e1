package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq"

	"github.com/meshcore/meshcore/pkg/errkind"
)

// SQL is a database/sql + lib/pq backed Storage implementation,
// grounded on the teacher's internal/orders/service.go persistence
// path. Every query here uses positional placeholders — the teacher's
// List query built a WHERE/LIMIT clause with fmt.Sprintf, which is
// exactly the SQL-injection shape this backend avoids throughout.
type SQL struct {
	db *sql.DB
}

// NewSQL wraps an already-opened *sql.DB. Schema migration is the
// caller's responsibility.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

func (s *SQL) PutService(ctx context.Context, rec ServiceRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return errkind.New("storage.PutService", errkind.Internal, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mesh_services (id, name, address, port, metadata, weight)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET name = $2, address = $3, port = $4, metadata = $5, weight = $6`,
		rec.ID, rec.Name, rec.Address, rec.Port, meta, rec.Weight,
	)
	if err != nil {
		return errkind.New("storage.PutService", errkind.Internal, err)
	}
	return nil
}

func (s *SQL) DeleteService(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mesh_services WHERE id = $1`, id)
	if err != nil {
		return errkind.New("storage.DeleteService", errkind.Internal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errkind.New("storage.DeleteService", errkind.NotFound, nil)
	}
	return nil
}

func (s *SQL) ListServices(ctx context.Context) ([]ServiceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, address, port, metadata, weight FROM mesh_services`)
	if err != nil {
		return nil, errkind.New("storage.ListServices", errkind.Internal, err)
	}
	defer rows.Close()

	var out []ServiceRecord
	for rows.Next() {
		var rec ServiceRecord
		var meta []byte
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Address, &rec.Port, &meta, &rec.Weight); err != nil {
			return nil, errkind.New("storage.ListServices", errkind.Internal, err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &rec.Metadata)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQL) AppendEvent(ctx context.Context, streamName string, rec EventRecord) (int64, error) {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return 0, errkind.New("storage.AppendEvent", errkind.Internal, err)
	}
	var position int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO mesh_events (stream_name, type, aggregate_id, version, payload, metadata, produced_at, position)
		 VALUES ($1, $2, $3, $4, $5, $6, $7,
		   COALESCE((SELECT MAX(position) + 1 FROM mesh_events WHERE stream_name = $1), 0))
		 RETURNING position`,
		streamName, rec.Type, rec.AggregateID, rec.Version, rec.PayloadBytes, meta, rec.ProducedAt,
	).Scan(&position)
	if err != nil {
		return 0, errkind.New("storage.AppendEvent", errkind.Internal, err)
	}
	return position, nil
}

func (s *SQL) LoadStream(ctx context.Context, streamName string, fromPosition int64, limit int) ([]EventRecord, error) {
	var lim interface{} = limit
	if limit <= 0 {
		lim = nil // LIMIT NULL reads the whole stream, as Memory does for limit <= 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, stream_name, type, aggregate_id, version, payload, metadata, produced_at
		 FROM mesh_events WHERE stream_name = $1 AND position >= $2
		 ORDER BY position ASC LIMIT $3`,
		streamName, fromPosition, lim,
	)
	if err != nil {
		return nil, errkind.New("storage.LoadStream", errkind.Internal, err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var meta []byte
		if err := rows.Scan(&rec.Position, &rec.StreamName, &rec.Type, &rec.AggregateID, &rec.Version, &rec.PayloadBytes, &meta, &rec.ProducedAt); err != nil {
			return nil, errkind.New("storage.LoadStream", errkind.Internal, err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &rec.Metadata)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQL) PutQueueMeta(ctx context.Context, meta QueueMeta) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mesh_queue_meta (name, max_size, priority_enabled, max_retries, retry_base_delay_ms, dlq_name, ack_timeout_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (name) DO UPDATE SET max_size = $2, priority_enabled = $3, max_retries = $4,
		   retry_base_delay_ms = $5, dlq_name = $6, ack_timeout_ms = $7`,
		meta.Name, meta.MaxSize, meta.PriorityEnabled, meta.MaxRetries,
		meta.RetryBaseDelay.Milliseconds(), meta.DLQName, meta.AckTimeout.Milliseconds(),
	)
	if err != nil {
		return errkind.New("storage.PutQueueMeta", errkind.Internal, err)
	}
	return nil
}

func (s *SQL) PutMessage(ctx context.Context, queue string, msg DurableMessageLike) error {
	headers, err := json.Marshal(msg.GetHeaders())
	if err != nil {
		return errkind.New("storage.PutMessage", errkind.Internal, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mesh_messages (id, queue, content, headers, content_type, priority, produced_at, retry_count, max_retries)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET retry_count = $8`,
		msg.GetID(), queue, msg.GetContent(), headers, msg.GetContentType(),
		msg.GetPriority(), msg.GetProducedAt(), msg.GetRetryCount(), msg.GetMaxRetries(),
	)
	if err != nil {
		return errkind.New("storage.PutMessage", errkind.Internal, err)
	}
	return nil
}

func (s *SQL) DeleteMessage(ctx context.Context, queue string, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mesh_messages WHERE queue = $1 AND id = $2`, queue, id)
	if err != nil {
		return errkind.New("storage.DeleteMessage", errkind.Internal, err)
	}
	return nil
}

func (s *SQL) PutBreakerState(ctx context.Context, state BreakerState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mesh_breaker_state (name, phase, failures, successes, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name) DO UPDATE SET phase = $2, failures = $3, successes = $4, updated_at = $5`,
		state.Name, state.Phase, state.Failures, state.Successes, state.UpdatedAt,
	)
	if err != nil {
		return errkind.New("storage.PutBreakerState", errkind.Internal, err)
	}
	return nil
}

func (s *SQL) PutMetricsPoint(ctx context.Context, point MetricsPoint) error {
	tags, err := json.Marshal(point.Tags)
	if err != nil {
		return errkind.New("storage.PutMetricsPoint", errkind.Internal, err)
	}
	fields, err := json.Marshal(point.Fields)
	if err != nil {
		return errkind.New("storage.PutMetricsPoint", errkind.Internal, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mesh_metrics_points (measurement, tags, fields, ts) VALUES ($1, $2, $3, $4)`,
		point.Measurement, tags, fields, point.Timestamp,
	)
	if err != nil {
		return errkind.New("storage.PutMetricsPoint", errkind.Internal, err)
	}
	return nil
}
