package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sicalgate/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// HistoryRecord is one row of the persistent operation history.
type HistoryRecord struct {
	ID             string  `json:"id"`
	TaskID         string  `json:"task_id"`
	OperationType  string  `json:"operation_type,omitempty"`
	NumOperacion   string  `json:"operation_number,omitempty"`
	Fecha          string  `json:"fecha,omitempty"`
	Caja           string  `json:"caja,omitempty"`
	Tercero        string  `json:"tercero,omitempty"`
	Amount         float64 `json:"amount,omitempty"`
	Texto          string  `json:"texto,omitempty"`
	TotalLineItems int     `json:"total_line_items,omitempty"`
	Funcional      string  `json:"funcional,omitempty"`
	Economica      string  `json:"economica,omitempty"`
	Importe        string  `json:"importe,omitempty"`
	Status         string  `json:"status"`
	StartedAt      string  `json:"started_at"`
	CompletedAt    string  `json:"completed_at,omitempty"`
	DurationSecs   float64 `json:"duration_seconds,omitempty"`
	ErrorMessage   string  `json:"error_message,omitempty"`
	CreatedAt      string  `json:"created_at,omitempty"`
}

// HistoryStats summarizes the history table.
type HistoryStats struct {
	Total       int     `json:"total_tasks"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	AvgDuration float64 `json:"avg_duration"`
}

// HistoryStore persists executed operations in SQLite.
type HistoryStore struct {
	DB *sql.DB
}

// Insert stores one history row.
func (s HistoryStore) Insert(ctx context.Context, rec HistoryRecord) error {
	if rec.ID == "" {
		return errors.New("id required")
	}
	if rec.TaskID == "" {
		return errors.New("task_id required")
	}
	if rec.Status == "" {
		return errors.New("status required")
	}
	if rec.StartedAt == "" {
		rec.StartedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO operation_history(
		id, task_id, operation_type, operation_number, fecha, caja, tercero,
		amount, texto, total_line_items, funcional, economica, importe,
		status, started_at, completed_at, duration_seconds, error_message
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.TaskID, nullable(rec.OperationType), nullable(rec.NumOperacion),
		nullable(rec.Fecha), nullable(rec.Caja), nullable(rec.Tercero),
		rec.Amount, nullable(rec.Texto), rec.TotalLineItems,
		nullable(rec.Funcional), nullable(rec.Economica), nullable(rec.Importe),
		rec.Status, rec.StartedAt, nullable(rec.CompletedAt), rec.DurationSecs,
		nullable(rec.ErrorMessage))
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

const historyColumns = `id, task_id, COALESCE(operation_type,''), COALESCE(operation_number,''),
	COALESCE(fecha,''), COALESCE(caja,''), COALESCE(tercero,''), COALESCE(amount,0),
	COALESCE(texto,''), COALESCE(total_line_items,0), COALESCE(funcional,''),
	COALESCE(economica,''), COALESCE(importe,''), status, started_at,
	COALESCE(completed_at,''), COALESCE(duration_seconds,0), COALESCE(error_message,''),
	COALESCE(created_at,'')`

func scanRecord(scan func(dest ...any) error) (HistoryRecord, error) {
	var rec HistoryRecord
	err := scan(&rec.ID, &rec.TaskID, &rec.OperationType, &rec.NumOperacion,
		&rec.Fecha, &rec.Caja, &rec.Tercero, &rec.Amount,
		&rec.Texto, &rec.TotalLineItems, &rec.Funcional,
		&rec.Economica, &rec.Importe, &rec.Status, &rec.StartedAt,
		&rec.CompletedAt, &rec.DurationSecs, &rec.ErrorMessage, &rec.CreatedAt)
	return rec, err
}

// List returns history rows, most recent first, optionally filtered by
// status.
func (s HistoryStore) List(ctx context.Context, limit int, statusFilter string) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + historyColumns + ` FROM operation_history`
	var args []any
	if statusFilter != "" {
		query += ` WHERE status=?`
		args = append(args, statusFilter)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	return s.query(ctx, query, args...)
}

// Search matches task id, operation number or tercero against term.
func (s HistoryStore) Search(ctx context.Context, term string, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	pattern := "%" + term + "%"
	query := `SELECT ` + historyColumns + ` FROM operation_history
		WHERE task_id LIKE ? OR operation_number LIKE ? OR tercero LIKE ?
		ORDER BY created_at DESC LIMIT ?`
	return s.query(ctx, query, pattern, pattern, pattern, limit)
}

// Get returns one history row by id.
func (s HistoryStore) Get(ctx context.Context, id string) (HistoryRecord, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM operation_history WHERE id=? LIMIT 1`, id)
	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return HistoryRecord{}, ErrNotFound
	}
	if err != nil {
		return HistoryRecord{}, err
	}
	return rec, nil
}

// Stats returns aggregate counters over the history table.
func (s HistoryStore) Stats(ctx context.Context) (HistoryStats, error) {
	var st HistoryStats
	row := s.DB.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status=? THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN status=? THEN 1 ELSE 0 END),0),
		COALESCE(AVG(duration_seconds),0)
		FROM operation_history`,
		string(domain.StatusCompleted), string(domain.StatusFailed))
	if err := row.Scan(&st.Total, &st.Completed, &st.Failed, &st.AvgDuration); err != nil {
		return HistoryStats{}, err
	}
	return st, nil
}

// SearchSimilar finds prior completed operations that look like d: same
// tercero, date and cash register, and a first line item with the same
// funcional/economica codes and amount. It mirrors the filter criteria the
// legacy consulta screen applies.
func (s HistoryStore) SearchSimilar(ctx context.Context, d domain.OperationDescriptor) ([]domain.DuplicateMatch, map[string]string, error) {
	criteria := map[string]string{
		"tercero": d.Tercero,
		"fecha":   d.Fecha,
		"caja":    d.Caja,
	}
	query := `SELECT COALESCE(operation_number,''), COALESCE(tercero,''), COALESCE(fecha,''),
		COALESCE(importe,''), COALESCE(created_at,'')
		FROM operation_history
		WHERE status=? AND tercero=? AND fecha=? AND caja=?`
	args := []any{string(domain.StatusCompleted), d.Tercero, d.Fecha, d.Caja}
	if len(d.Aplicaciones) > 0 {
		first := d.Aplicaciones[0]
		criteria["funcional"] = first.Funcional
		criteria["economica"] = first.Economica
		criteria["importe_min"] = first.Importe
		criteria["importe_max"] = first.Importe
		query += ` AND funcional=? AND economica=? AND importe=?`
		args = append(args, first.Funcional, first.Economica, first.Importe)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("search similar operations: %w", err)
	}
	defer rows.Close()
	var matches []domain.DuplicateMatch
	for rows.Next() {
		var m domain.DuplicateMatch
		if err := rows.Scan(&m.NumOperacion, &m.Tercero, &m.Fecha, &m.Importe, &m.CreatedAt); err != nil {
			return nil, nil, err
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return matches, criteria, nil
}

func (s HistoryStore) query(ctx context.Context, query string, args ...any) ([]HistoryRecord, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HistoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
