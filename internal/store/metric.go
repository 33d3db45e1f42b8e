package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/dukerupert/vitalog/internal/model"
)

type MetricStore struct {
	db *sql.DB
}

func NewMetricStore(db *sql.DB) *MetricStore {
	return &MetricStore{db: db}
}

// scanMetric reads a row whose value column holds ciphertext when encrypted
// and canonical decimal text otherwise.
func scanMetric(scanner interface{ Scan(...any) error }) (*model.HealthMetric, error) {
	var m model.HealthMetric
	var value string
	err := scanner.Scan(&m.ID, &m.UserID, &m.MetricType, &value, &m.Unit, &m.Notes, &m.Encrypted, &m.RecordedAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if m.Encrypted {
		m.Ciphertext = value
		return &m, nil
	}
	m.Value, err = strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("metric %d: parse value: %w", m.ID, err)
	}
	return &m, nil
}

const metricCols = `id, user_id, metric_type, value, unit, notes, encrypted, recorded_at, created_at`

func storedValue(m *model.HealthMetric) string {
	if m.Encrypted {
		return m.Ciphertext
	}
	return strconv.FormatFloat(m.Value, 'f', -1, 64)
}

// Create persists m as given; encryption must already have happened.
func (s *MetricStore) Create(ctx context.Context, m *model.HealthMetric) (*model.HealthMetric, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO health_metrics (user_id, metric_type, value, unit, notes, encrypted, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.UserID, m.MetricType, storedValue(m), m.Unit, m.Notes, m.Encrypted, dbTime(m.RecordedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert metric: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *MetricStore) GetByID(ctx context.Context, id int64) (*model.HealthMetric, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+metricCols+` FROM health_metrics WHERE id = ?`, id)
	m, err := scanMetric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get metric: %w", err)
	}
	return m, nil
}

// ListByUser returns a user's metrics, most recently recorded first.
func (s *MetricStore) ListByUser(ctx context.Context, userID int64, f model.MetricFilter) ([]model.HealthMetric, error) {
	query := `SELECT ` + metricCols + ` FROM health_metrics WHERE user_id = ?`
	args := []any{userID}
	if f.MetricType != "" {
		query += ` AND metric_type = ?`
		args = append(args, f.MetricType)
	}
	query += ` ORDER BY recorded_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var metrics []model.HealthMetric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		metrics = append(metrics, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}
	return metrics, nil
}

func (s *MetricStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM health_metrics WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete metric: %w", err)
	}
	return nil
}
