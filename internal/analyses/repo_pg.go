package analyses

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // register postgres dialect
	"github.com/google/uuid"
)

const analysesTable = "analyses"

var pgDialect = goqu.Dialect("postgres")

var recordColumns = []any{
	"id", "status", "progress", "source_ref", "file_name", "content_type", "language_code",
	"is_chunked", "data_summary", "identified_regulations", "structured_report",
	"rendered_report_ref", "error_message", "created_at", "updated_at", "completed_at", "run_id",
}

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB  *sql.DB
	now func() time.Time
}

// NewPGRepo constructs a PGRepo over db.
func NewPGRepo(db *sql.DB) *PGRepo {
	return &PGRepo{DB: db}
}

// Create inserts a new record.
func (r *PGRepo) Create(ctx context.Context, rec Record) error {
	const query = `
INSERT INTO analyses (
	id, status, progress, source_ref, file_name, content_type, language_code, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`
	_, err := r.DB.ExecContext(ctx, query,
		rec.ID,
		string(rec.Status),
		rec.Progress,
		nullString(rec.SourceRef),
		nullString(rec.FileName),
		nullString(rec.ContentType),
		nullString(rec.LanguageCode),
		rec.CreatedAt,
	)
	return err
}

// GetByID returns a record by ID.
func (r *PGRepo) GetByID(ctx context.Context, analysisID string) (Record, error) {
	if !validID(analysisID) {
		return Record{}, ErrNotFound
	}
	query, args, err := pgDialect.From(analysesTable).
		Prepared(true).
		Select(recordColumns...).
		Where(goqu.Ex{"id": analysisID}).
		Limit(1).
		ToSQL()
	if err != nil {
		return Record{}, fmt.Errorf("build select: %w", err)
	}
	rec, err := scanRecord(r.DB.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

// Update writes only the fields set on patch, guarded by its status conditions.
func (r *PGRepo) Update(ctx context.Context, analysisID string, patch Patch) error {
	if !validID(analysisID) {
		return ErrNotFound
	}
	query, args, err := buildUpdate(analysisID, patch, r.clock())
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if len(patch.IfStatus) == 0 && len(patch.UnlessStatus) == 0 {
		return ErrNotFound
	}
	// Zero rows with a guard: tell a missing record apart from a refused one.
	if _, err := r.GetByID(ctx, analysisID); err != nil {
		return err
	}
	return ErrStatusConflict
}

// List returns records newest first.
func (r *PGRepo) List(ctx context.Context, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query, args, err := pgDialect.From(analysesTable).
		Prepared(true).
		Select(recordColumns...).
		Where(goqu.C("status").Neq(string(StatusDeleted))).
		Order(goqu.C("created_at").Desc(), goqu.C("id").Asc()).
		Limit(uint(limit)).
		Offset(uint(offset)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// validID reports whether id can match the uuid primary key.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (r *PGRepo) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now().UTC()
}

func buildUpdate(analysisID string, patch Patch, now time.Time) (string, []any, error) {
	set := goqu.Record{"updated_at": now}
	if patch.Status != nil {
		set["status"] = string(*patch.Status)
	}
	if patch.Progress != nil {
		set["progress"] = clampProgress(*patch.Progress)
	}
	if patch.SourceRef != nil {
		set["source_ref"] = *patch.SourceRef
	}
	if patch.IsChunked != nil {
		set["is_chunked"] = *patch.IsChunked
	}
	if patch.DataSummary != nil {
		set["data_summary"] = *patch.DataSummary
	}
	if patch.IdentifiedRegulations != nil {
		payload, err := json.Marshal(*patch.IdentifiedRegulations)
		if err != nil {
			return "", nil, err
		}
		set["identified_regulations"] = string(payload)
	}
	if patch.StructuredReport != nil {
		if len(*patch.StructuredReport) == 0 {
			set["structured_report"] = nil
		} else {
			set["structured_report"] = string(*patch.StructuredReport)
		}
	}
	if patch.RenderedReportRef != nil {
		set["rendered_report_ref"] = *patch.RenderedReportRef
	}
	if patch.ErrorMessage != nil {
		set["error_message"] = *patch.ErrorMessage
	}
	if patch.RunID != nil {
		set["run_id"] = *patch.RunID
	}
	if patch.ClearCompletedAt {
		set["completed_at"] = nil
	}
	if patch.CompletedAt != nil {
		set["completed_at"] = *patch.CompletedAt
	}

	where := []goqu.Expression{goqu.C("id").Eq(analysisID)}
	if len(patch.IfStatus) > 0 {
		where = append(where, goqu.C("status").In(statusStrings(patch.IfStatus)))
	}
	if len(patch.UnlessStatus) > 0 {
		where = append(where, goqu.C("status").NotIn(statusStrings(patch.UnlessStatus)))
	}
	if patch.IfRunID != nil {
		where = append(where, goqu.C("run_id").Eq(*patch.IfRunID))
	}

	return pgDialect.Update(analysesTable).
		Prepared(true).
		Set(set).
		Where(where...).
		ToSQL()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var status string
	var sourceRef, fileName, contentType, languageCode sql.NullString
	var dataSummary, regulations, report, renderedRef, errorMessage sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(
		&rec.ID,
		&status,
		&rec.Progress,
		&sourceRef,
		&fileName,
		&contentType,
		&languageCode,
		&rec.IsChunked,
		&dataSummary,
		&regulations,
		&report,
		&renderedRef,
		&errorMessage,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&completedAt,
		&rec.RunID,
	); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	rec.SourceRef = sourceRef.String
	rec.FileName = fileName.String
	rec.ContentType = contentType.String
	rec.LanguageCode = languageCode.String
	rec.DataSummary = dataSummary.String
	rec.RenderedReportRef = renderedRef.String
	rec.ErrorMessage = errorMessage.String
	if regulations.Valid && regulations.String != "" {
		if err := json.Unmarshal([]byte(regulations.String), &rec.IdentifiedRegulations); err != nil {
			return Record{}, fmt.Errorf("decode identified_regulations: %w", err)
		}
	}
	if report.Valid && report.String != "" {
		rec.StructuredReport = json.RawMessage(report.String)
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

func statusStrings(list []Status) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, string(s))
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Repo = (*PGRepo)(nil)
