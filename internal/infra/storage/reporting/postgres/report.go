// Package postgres implements reporting.Repository on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/reportflow/internal/domain/reporting"
	"github.com/ahrav/reportflow/internal/infra/storage"
	"github.com/ahrav/reportflow/pkg/common/timeutil"
)

const uniqueViolation = "23505"

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const selectColumns = `request_id, report_type, subject_id, requested_by, parameters, status,
	progress, message, result_ref, error, last_sequence, last_event_at,
	created_at, updated_at, published_at`

var _ reporting.Repository = (*reportStore)(nil)

// reportStore persists report records. Merges run inside a transaction that
// locks the row, so concurrent deliveries for one request serialize in the
// database.
type reportStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
	clock  timeutil.Provider
}

// NewReportStore creates a PostgreSQL-backed report repository with tracing.
func NewReportStore(pool *pgxpool.Pool, tracer trace.Tracer, clock timeutil.Provider) *reportStore {
	if clock == nil {
		clock = timeutil.Default()
	}
	return &reportStore{db: pool, tracer: tracer, clock: clock}
}

func attrsFor(id uuid.UUID) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(defaultDBAttributes)+1)
	attrs = append(attrs, defaultDBAttributes...)
	return append(attrs, attribute.String("request_id", id.String()))
}

// CreatePending inserts a pending record. A duplicate id yields ErrReportExists.
func (s *reportStore) CreatePending(ctx context.Context, req reporting.ReportRequest) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_pending_report", attrsFor(req.RequestID()), func(ctx context.Context) error {
		params, err := json.Marshal(req.Parameters())
		if err != nil {
			return fmt.Errorf("failed to marshal parameters: %w", err)
		}

		now := s.clock.Now()
		_, err = s.db.Exec(ctx, `
			INSERT INTO reports (request_id, report_type, subject_id, requested_by, parameters,
				status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			pgtype.UUID{Bytes: req.RequestID(), Valid: true},
			req.ReportType().String(),
			req.SubjectID(),
			req.RequestedBy(),
			params,
			reporting.ReportStatusPending.String(),
			req.CreatedAt(),
			now,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return reporting.ErrReportExists
			}
			return fmt.Errorf("failed to insert report: %w", err)
		}
		return nil
	})
}

// ApplyStatus locks the row, merges u through the domain and writes the result.
func (s *reportStore) ApplyStatus(ctx context.Context, requestID uuid.UUID, u reporting.StatusUpdate) (bool, error) {
	return s.merge(ctx, "postgres.apply_status", requestID, func(r *reporting.ReportRecord) error {
		return r.ApplyStatus(u)
	})
}

// ApplyCompletion locks the row and applies the terminal event if none has won yet.
func (s *reportStore) ApplyCompletion(ctx context.Context, requestID uuid.UUID, c reporting.Completion) (bool, error) {
	return s.merge(ctx, "postgres.apply_completion", requestID, func(r *reporting.ReportRecord) error {
		return r.ApplyCompletion(c)
	})
}

func (s *reportStore) merge(
	ctx context.Context,
	spanName string,
	requestID uuid.UUID,
	apply func(*reporting.ReportRecord) error,
) (bool, error) {
	var applied bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, spanName, attrsFor(requestID), func(ctx context.Context) error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		row := tx.QueryRow(ctx, `SELECT `+selectColumns+` FROM reports WHERE request_id = $1 FOR UPDATE`,
			pgtype.UUID{Bytes: requestID, Valid: true})
		rec, err := scanRecord(row)
		if err != nil {
			return err
		}

		if err := apply(rec); err != nil {
			if reporting.IsIgnorable(err) {
				return nil
			}
			return err
		}
		rec.Touch(s.clock.Now())

		if err := updateRecord(ctx, tx, rec); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit merge: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

func updateRecord(ctx context.Context, tx pgx.Tx, r *reporting.ReportRecord) error {
	_, err := tx.Exec(ctx, `
		UPDATE reports SET
			status = $2, progress = $3, message = $4, result_ref = $5, error = $6,
			last_sequence = $7, last_event_at = $8, updated_at = $9
		WHERE request_id = $1`,
		pgtype.UUID{Bytes: r.RequestID(), Valid: true},
		r.Status().String(),
		r.Progress(),
		r.Message(),
		r.ResultRef(),
		r.Error(),
		r.LastSequence(),
		timestamptz(r.LastEventAt()),
		r.UpdatedAt(),
	)
	if err != nil {
		return fmt.Errorf("failed to update report: %w", err)
	}
	return nil
}

// Get loads a record without locking it.
func (s *reportStore) Get(ctx context.Context, requestID uuid.UUID) (*reporting.ReportRecord, error) {
	var rec *reporting.ReportRecord
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_report", attrsFor(requestID), func(ctx context.Context) error {
		row := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM reports WHERE request_id = $1`,
			pgtype.UUID{Bytes: requestID, Valid: true})
		var err error
		rec, err = scanRecord(row)
		return err
	})
	return rec, err
}

// MarkPublished stamps published_at on a record.
func (s *reportStore) MarkPublished(ctx context.Context, requestID uuid.UUID, at time.Time) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.mark_published", attrsFor(requestID), func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx,
			`UPDATE reports SET published_at = $2, updated_at = $2 WHERE request_id = $1`,
			pgtype.UUID{Bytes: requestID, Valid: true}, at)
		if err != nil {
			return fmt.Errorf("failed to mark report published: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return reporting.ErrReportNotFound
		}
		return nil
	})
}

// ListStalePending returns pending records last published (or created) before olderThan.
func (s *reportStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*reporting.ReportRecord, error) {
	var records []*reporting.ReportRecord
	attrs := append([]attribute.KeyValue{attribute.Int("limit", limit)}, defaultDBAttributes...)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_stale_pending", attrs, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, `
			SELECT `+selectColumns+` FROM reports
			WHERE status = 'pending' AND COALESCE(published_at, created_at) < $1
			ORDER BY COALESCE(published_at, created_at)
			LIMIT $2`, olderThan, limit)
		if err != nil {
			return fmt.Errorf("failed to query stale reports: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return rows.Err()
	})
	return records, err
}

func scanRecord(row pgx.Row) (*reporting.ReportRecord, error) {
	var (
		id                       pgtype.UUID
		reportType, status       string
		params                   []byte
		snap                     reporting.RecordSnapshot
		lastEventAt, publishedAt pgtype.Timestamptz
	)
	err := row.Scan(
		&id, &reportType, &snap.SubjectID, &snap.RequestedBy, &params, &status,
		&snap.Progress, &snap.Message, &snap.ResultRef, &snap.Error, &snap.LastSequence, &lastEventAt,
		&snap.CreatedAt, &snap.UpdatedAt, &publishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, reporting.ErrReportNotFound
		}
		return nil, fmt.Errorf("failed to scan report: %w", err)
	}

	if snap.ReportType, err = reporting.ParseReportType(reportType); err != nil {
		return nil, err
	}
	if snap.Status, err = reporting.ParseReportStatus(status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &snap.Parameters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
	}

	snap.RequestID = id.Bytes
	if lastEventAt.Valid {
		snap.LastEventAt = lastEventAt.Time
	}
	if publishedAt.Valid {
		snap.PublishedAt = publishedAt.Time
	}
	return reporting.ReconstructReportRecord(snap), nil
}

func timestamptz(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}
