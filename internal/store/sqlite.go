package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/applyflow/applyflow-analytics/internal/models"
	"github.com/applyflow/applyflow-analytics/internal/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS observations (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	kind        TEXT NOT NULL,
	value       REAL NOT NULL,
	dimensions  TEXT,
	dim_key     TEXT NOT NULL DEFAULT '',
	ts          INTEGER NOT NULL,
	source      TEXT,
	student_id  TEXT,
	session_id  TEXT
);
CREATE INDEX IF NOT EXISTS idx_observations_name_ts ON observations(name, ts DESC);
CREATE INDEX IF NOT EXISTS idx_observations_student ON observations(student_id, name);

CREATE TABLE IF NOT EXISTS aggregates (
	metric_name  TEXT NOT NULL,
	window       TEXT NOT NULL,
	period_start INTEGER NOT NULL,
	dim_key      TEXT NOT NULL DEFAULT '',
	dimensions   TEXT,
	value        REAL NOT NULL,
	count        INTEGER NOT NULL,
	min          REAL NOT NULL,
	max          REAL NOT NULL,
	avg          REAL NOT NULL,
	sum          REAL NOT NULL,
	metadata     TEXT,
	PRIMARY KEY (metric_name, window, period_start, dim_key)
);

CREATE TABLE IF NOT EXISTS aggregation_rules (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL UNIQUE,
	source_metrics TEXT NOT NULL,
	kind           TEXT NOT NULL,
	group_by       TEXT,
	window         TEXT NOT NULL,
	active         INTEGER NOT NULL DEFAULT 1,
	created_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS insights (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	category        TEXT NOT NULL,
	title           TEXT NOT NULL,
	description     TEXT,
	severity        TEXT NOT NULL,
	confidence      REAL NOT NULL,
	impact          TEXT NOT NULL,
	source_metrics  TEXT,
	data            TEXT,
	recommendations TEXT,
	created_at      INTEGER NOT NULL,
	expires_at      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_insights_category ON insights(category, created_at DESC);

CREATE TABLE IF NOT EXISTS prediction_models (
	target_metric   TEXT NOT NULL,
	kind            TEXT NOT NULL,
	id              TEXT NOT NULL,
	accuracy        REAL NOT NULL,
	last_trained_at INTEGER NOT NULL,
	parameters      TEXT NOT NULL,
	PRIMARY KEY (target_metric, kind)
);
`

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and bootstraps) a SQLite-backed store at path. Use
// ":memory:" for an ephemeral store in tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite handles one writer at a time; serialise access through a single
	// connection so bulk flushes and upserts never trip SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertObservations writes a batch inside one transaction.
func (s *SQLiteStore) InsertObservations(ctx context.Context, observations []models.MetricObservation) error {
	if len(observations) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.StoreError("begin insert batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO observations
		(id, name, kind, value, dimensions, dim_key, ts, source, student_id, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return utils.StoreError("prepare insert", err)
	}
	defer stmt.Close()

	for _, o := range observations {
		dims, err := marshalJSON(o.Dimensions)
		if err != nil {
			return utils.StoreError("encode dimensions", err)
		}
		if _, err := stmt.ExecContext(ctx,
			o.ID, o.Name, string(o.Kind), o.Value, dims, o.Dimensions.Key(),
			o.Timestamp.UTC().UnixNano(), o.Source, o.StudentID, o.SessionID,
		); err != nil {
			return utils.StoreError("insert observation", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return utils.StoreError("commit insert batch", err)
	}
	return nil
}

// QueryObservations returns matching observations ordered newest-first,
// capped at the filter's effective limit. Dimension equality is applied
// in-process while streaming rows.
func (s *SQLiteStore) QueryObservations(ctx context.Context, filter models.ObservationFilter) ([]models.MetricObservation, error) {
	var (
		conds []string
		args  []interface{}
	)
	if len(filter.Names) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Names)), ",")
		conds = append(conds, fmt.Sprintf("name IN (%s)", placeholders))
		for _, n := range filter.Names {
			args = append(args, n)
		}
	}
	if !filter.Start.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, filter.Start.UTC().UnixNano())
	}
	if !filter.End.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, filter.End.UTC().UnixNano())
	}
	if filter.StudentID != "" {
		conds = append(conds, "student_id = ?")
		args = append(args, filter.StudentID)
	}

	query := `SELECT id, name, kind, value, dimensions, ts, source, student_id, session_id FROM observations`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.StoreError("query observations", err)
	}
	defer rows.Close()

	limit := filter.EffectiveLimit()
	out := make([]models.MetricObservation, 0, min(limit, 128))
	for rows.Next() {
		var (
			o                           models.MetricObservation
			kind, dims                  string
			ts                          int64
			source, studentID, session  sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.Name, &kind, &o.Value, &dims, &ts, &source, &studentID, &session); err != nil {
			return nil, utils.StoreError("scan observation", err)
		}
		o.Kind = models.MetricKind(kind)
		o.Timestamp = time.Unix(0, ts).UTC()
		o.Source = source.String
		o.StudentID = studentID.String
		o.SessionID = session.String
		if dims != "" {
			if err := json.Unmarshal([]byte(dims), &o.Dimensions); err != nil {
				return nil, utils.StoreError("decode dimensions", err)
			}
		}
		if !matchDimensions(o.Dimensions, filter.Dimensions) {
			continue
		}
		out = append(out, o)
		if len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, utils.StoreError("iterate observations", err)
	}
	return out, nil
}

// UpsertAggregate writes or overwrites the bucket identified by the record's
// composite key.
func (s *SQLiteStore) UpsertAggregate(ctx context.Context, record models.AggregatedRecord) error {
	dims, err := marshalJSON(record.Dimensions)
	if err != nil {
		return utils.StoreError("encode dimensions", err)
	}
	meta, err := marshalJSON(record.Metadata)
	if err != nil {
		return utils.StoreError("encode metadata", err)
	}

	key := record.Key()
	_, err = s.db.ExecContext(ctx, `INSERT INTO aggregates
		(metric_name, window, period_start, dim_key, dimensions, value, count, min, max, avg, sum, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(metric_name, window, period_start, dim_key) DO UPDATE SET
		dimensions=excluded.dimensions, value=excluded.value, count=excluded.count,
		min=excluded.min, max=excluded.max, avg=excluded.avg, sum=excluded.sum,
		metadata=excluded.metadata`,
		key.MetricName, string(key.Window), key.PeriodStart.UnixNano(), key.DimensionKey,
		dims, record.Value, record.Count, record.Min, record.Max, record.Avg, record.Sum, meta,
	)
	if err != nil {
		return utils.StoreError("upsert aggregate", err)
	}
	return nil
}

// QueryAggregates returns aggregated records for a metric and window,
// newest period first.
func (s *SQLiteStore) QueryAggregates(ctx context.Context, filter models.AggregateFilter) ([]models.AggregatedRecord, error) {
	conds := []string{"metric_name = ?", "window = ?"}
	args := []interface{}{filter.MetricName, string(filter.Window)}
	if !filter.Start.IsZero() {
		conds = append(conds, "period_start >= ?")
		args = append(args, filter.Start.UTC().UnixNano())
	}
	if !filter.End.IsZero() {
		conds = append(conds, "period_start <= ?")
		args = append(args, filter.End.UTC().UnixNano())
	}

	query := `SELECT metric_name, window, period_start, dimensions, value, count, min, max, avg, sum, metadata
		FROM aggregates WHERE ` + strings.Join(conds, " AND ") + " ORDER BY period_start DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.StoreError("query aggregates", err)
	}
	defer rows.Close()

	limit := filter.Limit
	if limit <= 0 {
		limit = models.MaxQueryLimit
	}

	var out []models.AggregatedRecord
	for rows.Next() {
		var (
			rec          models.AggregatedRecord
			window       string
			periodStart  int64
			dims, meta   sql.NullString
		)
		if err := rows.Scan(&rec.MetricName, &window, &periodStart, &dims, &rec.Value,
			&rec.Count, &rec.Min, &rec.Max, &rec.Avg, &rec.Sum, &meta); err != nil {
			return nil, utils.StoreError("scan aggregate", err)
		}
		rec.Window = models.TimeWindow(window)
		rec.PeriodStart = time.Unix(0, periodStart).UTC()
		if dims.String != "" {
			if err := json.Unmarshal([]byte(dims.String), &rec.Dimensions); err != nil {
				return nil, utils.StoreError("decode dimensions", err)
			}
		}
		if meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &rec.Metadata); err != nil {
				return nil, utils.StoreError("decode metadata", err)
			}
		}
		if !matchDimensions(rec.Dimensions, filter.Dimensions) {
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, utils.StoreError("iterate aggregates", err)
	}
	return out, nil
}

// InsertRule persists a rule definition.
func (s *SQLiteStore) InsertRule(ctx context.Context, rule models.AggregationRule) error {
	sources, err := marshalJSON(rule.SourceMetricNames)
	if err != nil {
		return utils.StoreError("encode source metrics", err)
	}
	groupBy, err := marshalJSON(rule.GroupByDimensions)
	if err != nil {
		return utils.StoreError("encode group by", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO aggregation_rules
		(id, name, source_metrics, kind, group_by, window, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Name, sources, string(rule.Kind), groupBy, string(rule.Window),
		boolToInt(rule.Active), rule.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return utils.StoreError("insert rule", err)
	}
	return nil
}

// SetRuleActive toggles a rule without deleting it.
func (s *SQLiteStore) SetRuleActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE aggregation_rules SET active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return utils.StoreError("update rule", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return utils.StoreError("update rule", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: rule %s", utils.ErrNotFound, id)
	}
	return nil
}

// GetRule loads one rule by id.
func (s *SQLiteStore) GetRule(ctx context.Context, id string) (models.AggregationRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, source_metrics, kind, group_by, window, active, created_at
		FROM aggregation_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AggregationRule{}, fmt.Errorf("%w: rule %s", utils.ErrNotFound, id)
	}
	if err != nil {
		return models.AggregationRule{}, utils.StoreError("get rule", err)
	}
	return rule, nil
}

// ListRules returns all rules, optionally only active ones.
func (s *SQLiteStore) ListRules(ctx context.Context, onlyActive bool) ([]models.AggregationRule, error) {
	query := `SELECT id, name, source_metrics, kind, group_by, window, active, created_at FROM aggregation_rules`
	if onlyActive {
		query += " WHERE active = 1"
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, utils.StoreError("list rules", err)
	}
	defer rows.Close()

	var out []models.AggregationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, utils.StoreError("scan rule", err)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.StoreError("iterate rules", err)
	}
	return out, nil
}

// UpsertInsight writes or overwrites a finding by id.
func (s *SQLiteStore) UpsertInsight(ctx context.Context, insight models.Insight) error {
	sources, err := marshalJSON(insight.SourceMetricNames)
	if err != nil {
		return utils.StoreError("encode source metrics", err)
	}
	data, err := marshalJSON(insight.Data)
	if err != nil {
		return utils.StoreError("encode data", err)
	}
	recs, err := marshalJSON(insight.Recommendations)
	if err != nil {
		return utils.StoreError("encode recommendations", err)
	}

	var expires interface{}
	if insight.ExpiresAt != nil {
		expires = insight.ExpiresAt.UTC().UnixNano()
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO insights
		(id, type, category, title, description, severity, confidence, impact, source_metrics, data, recommendations, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		type=excluded.type, category=excluded.category, title=excluded.title,
		description=excluded.description, severity=excluded.severity,
		confidence=excluded.confidence, impact=excluded.impact,
		source_metrics=excluded.source_metrics, data=excluded.data,
		recommendations=excluded.recommendations, created_at=excluded.created_at,
		expires_at=excluded.expires_at`,
		insight.ID, string(insight.Type), insight.Category, insight.Title, insight.Description,
		string(insight.Severity), insight.Confidence, string(insight.Impact),
		sources, data, recs, insight.CreatedAt.UTC().UnixNano(), expires,
	)
	if err != nil {
		return utils.StoreError("upsert insight", err)
	}
	return nil
}

// ListInsights returns findings newest first, optionally filtered by category.
func (s *SQLiteStore) ListInsights(ctx context.Context, category string, limit int) ([]models.Insight, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, type, category, title, description, severity, confidence, impact, source_metrics, data, recommendations, created_at, expires_at FROM insights`
	var args []interface{}
	if category != "" {
		query += " WHERE category = ?"
		args = append(args, category)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.StoreError("list insights", err)
	}
	defer rows.Close()

	var out []models.Insight
	for rows.Next() {
		var (
			in                  models.Insight
			typ, sev, impact    string
			desc                sql.NullString
			sources, data, recs sql.NullString
			createdAt           int64
			expiresAt           sql.NullInt64
		)
		if err := rows.Scan(&in.ID, &typ, &in.Category, &in.Title, &desc, &sev, &in.Confidence,
			&impact, &sources, &data, &recs, &createdAt, &expiresAt); err != nil {
			return nil, utils.StoreError("scan insight", err)
		}
		in.Type = models.InsightType(typ)
		in.Severity = models.Severity(sev)
		in.Impact = models.Impact(impact)
		in.Description = desc.String
		in.CreatedAt = time.Unix(0, createdAt).UTC()
		if expiresAt.Valid {
			t := time.Unix(0, expiresAt.Int64).UTC()
			in.ExpiresAt = &t
		}
		if sources.String != "" {
			if err := json.Unmarshal([]byte(sources.String), &in.SourceMetricNames); err != nil {
				return nil, utils.StoreError("decode source metrics", err)
			}
		}
		if data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &in.Data); err != nil {
				return nil, utils.StoreError("decode data", err)
			}
		}
		if recs.String != "" {
			if err := json.Unmarshal([]byte(recs.String), &in.Recommendations); err != nil {
				return nil, utils.StoreError("decode recommendations", err)
			}
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.StoreError("iterate insights", err)
	}
	return out, nil
}

// SavePredictionModel upserts the cached model for (metric, kind).
func (s *SQLiteStore) SavePredictionModel(ctx context.Context, model models.PredictionModel) error {
	params, err := marshalJSON(model.Parameters)
	if err != nil {
		return utils.StoreError("encode parameters", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO prediction_models
		(target_metric, kind, id, accuracy, last_trained_at, parameters)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(target_metric, kind) DO UPDATE SET
		id=excluded.id, accuracy=excluded.accuracy,
		last_trained_at=excluded.last_trained_at, parameters=excluded.parameters`,
		model.TargetMetric, string(model.Kind), model.ID, model.Accuracy,
		model.LastTrainedAt.UTC().UnixNano(), params,
	)
	if err != nil {
		return utils.StoreError("save prediction model", err)
	}
	return nil
}

// GetPredictionModel loads the cached model for (metric, kind).
func (s *SQLiteStore) GetPredictionModel(ctx context.Context, metric string, kind models.ModelKind) (models.PredictionModel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT target_metric, kind, id, accuracy, last_trained_at, parameters
		FROM prediction_models WHERE target_metric = ? AND kind = ?`, metric, string(kind))

	var (
		model       models.PredictionModel
		kindStr     string
		trainedAt   int64
		paramsJSON  string
	)
	err := row.Scan(&model.TargetMetric, &kindStr, &model.ID, &model.Accuracy, &trainedAt, &paramsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PredictionModel{}, fmt.Errorf("%w: model for %s/%s", utils.ErrNotFound, metric, kind)
	}
	if err != nil {
		return models.PredictionModel{}, utils.StoreError("get prediction model", err)
	}
	model.Kind = models.ModelKind(kindStr)
	model.LastTrainedAt = time.Unix(0, trainedAt).UTC()
	if err := json.Unmarshal([]byte(paramsJSON), &model.Parameters); err != nil {
		return models.PredictionModel{}, utils.StoreError("decode parameters", err)
	}
	return model, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (models.AggregationRule, error) {
	var (
		rule             models.AggregationRule
		sources, groupBy sql.NullString
		kind, window     string
		active           int
		createdAt        int64
	)
	if err := row.Scan(&rule.ID, &rule.Name, &sources, &kind, &groupBy, &window, &active, &createdAt); err != nil {
		return models.AggregationRule{}, err
	}
	rule.Kind = models.AggregationKind(kind)
	rule.Window = models.TimeWindow(window)
	rule.Active = active != 0
	rule.CreatedAt = time.Unix(0, createdAt).UTC()
	if sources.String != "" {
		if err := json.Unmarshal([]byte(sources.String), &rule.SourceMetricNames); err != nil {
			return models.AggregationRule{}, err
		}
	}
	if groupBy.String != "" {
		if err := json.Unmarshal([]byte(groupBy.String), &rule.GroupByDimensions); err != nil {
			return models.AggregationRule{}, err
		}
	}
	return rule, nil
}

func matchDimensions(have models.DimensionSet, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
