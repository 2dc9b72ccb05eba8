package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ciris/internal/logging"
	"ciris/internal/types"
)

// =============================================================================
// CORRELATIONS (service interactions, metrics, log entries)
// =============================================================================

// CorrelationQuery filters the correlation time series. Zero fields are
// wildcards; Tags requires every listed pair to match.
type CorrelationQuery struct {
	Since time.Time
	Until time.Time
	Type  types.CorrelationType
	Tags  map[string]string
	Limit int
}

// AddCorrelation appends one correlation row.
func (s *Store) AddCorrelation(ctx context.Context, c *types.Correlation) error {
	s.corrMu.Lock()
	defer s.corrMu.Unlock()

	if c.Timestamp.IsZero() {
		c.Timestamp = s.clock.Now()
	}
	if c.Retention == "" {
		c.Retention = types.RetentionRaw
	}

	tagsJSON, err := encodeTags(c.Tags)
	if err != nil {
		return err
	}

	return s.withRetry(ctx, "persistence.add_correlation", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO correlations (correlation_id, service_type, correlation_type, timestamp,
			                           handler, action, request_json, response_json, status,
			                           metric_name, metric_value, log_level, log_message,
			                           tags_json, retention_policy)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.CorrelationID, string(c.ServiceType), string(c.Type), encodeTime(c.Timestamp),
			nullString(c.Handler), nullString(c.Action),
			nullString(string(c.Request)), nullString(string(c.Response)), nullString(c.Status),
			nullString(c.MetricName), c.MetricValue, nullString(c.LogLevel), nullString(c.LogMessage),
			tagsJSON, string(c.Retention),
		)
		return err
	})
}

// QueryCorrelations returns rows matching the filter, newest first.
func (s *Store) QueryCorrelations(ctx context.Context, q CorrelationQuery) ([]*types.Correlation, error) {
	timer := logging.StartTimer(logging.CategoryPersistence, "QueryCorrelations")
	defer timer.Stop()

	query := `SELECT correlation_id, service_type, correlation_type, timestamp,
	                 handler, action, request_json, response_json, status,
	                 metric_name, metric_value, log_level, log_message,
	                 tags_json, retention_policy
	          FROM correlations WHERE 1=1`
	var args []any

	if !q.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, encodeTime(q.Since))
	}
	if !q.Until.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, encodeTime(q.Until))
	}
	if q.Type != "" {
		query += " AND correlation_type = ?"
		args = append(args, string(q.Type))
	}
	query += " ORDER BY timestamp DESC"
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query correlations: %w", err)
	}
	defer rows.Close()

	var out []*types.Correlation
	for rows.Next() {
		c, err := scanCorrelation(rows)
		if err != nil {
			return nil, err
		}
		if !matchesTags(c.Tags, q.Tags) {
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CompactCorrelations deletes raw-retention rows older than the cutoff.
// Permanent and already-compacted rows survive. Returns rows removed.
func (s *Store) CompactCorrelations(ctx context.Context, cutoff time.Time) (int, error) {
	s.corrMu.Lock()
	defer s.corrMu.Unlock()

	var n int64
	err := s.withRetry(ctx, "persistence.compact_correlations", func() error {
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM correlations WHERE retention_policy = ? AND timestamp < ?",
			string(types.RetentionRaw), encodeTime(cutoff))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if n > 0 {
		logging.Persistence("compacted %d raw correlations older than %s", n, cutoff.UTC().Format(time.RFC3339))
	}
	return int(n), err
}

func scanCorrelation(rows *sql.Rows) (*types.Correlation, error) {
	var (
		c           types.Correlation
		serviceType string
		ctype       string
		timestamp   string
		handler     sql.NullString
		action      sql.NullString
		reqJSON     sql.NullString
		respJSON    sql.NullString
		status      sql.NullString
		metricName  sql.NullString
		metricValue sql.NullFloat64
		logLevel    sql.NullString
		logMessage  sql.NullString
		tagsJSON    sql.NullString
		retention   string
	)

	err := rows.Scan(&c.CorrelationID, &serviceType, &ctype, &timestamp,
		&handler, &action, &reqJSON, &respJSON, &status,
		&metricName, &metricValue, &logLevel, &logMessage, &tagsJSON, &retention)
	if err != nil {
		return nil, err
	}

	c.ServiceType = types.ServiceType(serviceType)
	c.Type = types.CorrelationType(ctype)
	c.Handler = handler.String
	c.Action = action.String
	c.Status = status.String
	c.MetricName = metricName.String
	c.MetricValue = metricValue.Float64
	c.LogLevel = logLevel.String
	c.LogMessage = logMessage.String
	c.Retention = types.RetentionPolicy(retention)
	if reqJSON.Valid && reqJSON.String != "" {
		c.Request = json.RawMessage(reqJSON.String)
	}
	if respJSON.Valid && respJSON.String != "" {
		c.Response = json.RawMessage(respJSON.String)
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &c.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode correlation tags: %w", err)
		}
	}
	if c.Timestamp, err = decodeTime(timestamp); err != nil {
		return nil, err
	}
	return &c, nil
}

func encodeTags(tags map[string]string) (sql.NullString, error) {
	if len(tags) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode correlation tags: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func matchesTags(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
