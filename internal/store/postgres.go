package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/qualify-cli/internal/db"
	"github.com/sells-group/qualify-cli/internal/model"
	"github.com/sells-group/qualify-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlInsertRun       = `INSERT INTO runs (id, lead_id, lead, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`
	sqlUpdateRunStatus = `UPDATE runs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`
	sqlGetRun          = `SELECT id, lead_id, lead, status, error, created_at, updated_at FROM runs WHERE id = $1`
	sqlLoadSignals     = `SELECT record FROM signals WHERE lead_id = $1 ORDER BY seq`
	sqlGetAdjudication = `SELECT adjudication FROM adjudications WHERE request_hash = $1`
)

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"insert_run":        sqlInsertRun,
	"update_run_status": sqlUpdateRunStatus,
	"get_run":           sqlGetRun,
	"load_signals":      sqlLoadSignals,
	"get_adjudication":  sqlGetAdjudication,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	lead_id    TEXT NOT NULL,
	lead       JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'new',
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_lead_id ON runs(lead_id);

CREATE TABLE IF NOT EXISTS signals (
	lead_id TEXT NOT NULL,
	seq     INTEGER NOT NULL,
	kind    TEXT NOT NULL,
	source  TEXT NOT NULL,
	status  TEXT NOT NULL,
	record  JSONB NOT NULL,
	PRIMARY KEY (lead_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_signals_kind ON signals(lead_id, kind) WHERE status = 'current';

CREATE TABLE IF NOT EXISTS decisions (
	id         TEXT PRIMARY KEY,
	lead_id    TEXT NOT NULL,
	run_id     TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	verdict    TEXT NOT NULL,
	score      INTEGER NOT NULL,
	decision   JSONB NOT NULL,
	decided_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_lead_id ON decisions(lead_id, decided_at DESC);
CREATE INDEX IF NOT EXISTS idx_decisions_outcome ON decisions(outcome);

CREATE TABLE IF NOT EXISTS adjudications (
	request_hash TEXT PRIMARY KEY,
	verdict      TEXT NOT NULL,
	adjudication JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	lead           JSONB NOT NULL,
	run_id         TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	failed_phase   TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, lead model.Lead) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	lead = runLead(lead)
	lead.Status = model.LeadStatusNew

	leadJSON, err := json.Marshal(lead)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal lead")
	}

	_, err = s.pool.Exec(ctx, sqlInsertRun,
		id, lead.ID, leadJSON, string(model.LeadStatusNew), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		LeadID:    lead.ID,
		Lead:      lead,
		Status:    model.LeadStatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.LeadStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx, sqlUpdateRunStatus,
		string(status), errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, sqlGetRun, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get run")
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, lead_id, lead, status, error, created_at, updated_at FROM runs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.LeadID != "" {
		query += fmt.Sprintf(` AND lead_id = $%d`, argIdx)
		args = append(args, filter.LeadID)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var leadJSON []byte
	var status string
	if err := row.Scan(&r.ID, &r.LeadID, &leadJSON, &status, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = model.LeadStatus(status)
	if err := json.Unmarshal(leadJSON, &r.Lead); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal lead")
	}
	return &r, nil
}

func (s *PostgresStore) LoadSignals(ctx context.Context, leadID string) (model.SignalBag, error) {
	rows, err := s.pool.Query(ctx, sqlLoadSignals, leadID)
	if err != nil {
		return model.SignalBag{}, eris.Wrapf(err, "postgres: load signals %s", leadID)
	}
	defer rows.Close()

	var raws [][]byte
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return model.SignalBag{}, eris.Wrap(err, "postgres: scan signal")
		}
		raws = append(raws, raw)
	}
	if err := rows.Err(); err != nil {
		return model.SignalBag{}, eris.Wrap(err, "postgres: load signals iterate")
	}
	return restoreSignals(raws)
}

func (s *PostgresStore) SaveDecision(ctx context.Context, d model.Decision, bag model.SignalBag) error {
	decisionJSON, err := json.Marshal(d)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal decision")
	}
	rows, err := signalRows(d.LeadID, bag)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM signals WHERE lead_id = $1`, d.LeadID); err != nil {
			return eris.Wrapf(err, "postgres: clear signals %s", d.LeadID)
		}
		if _, err := db.CopyFrom(ctx, tx, "signals", signalColumns, rows); err != nil {
			return eris.Wrap(err, "postgres: copy signals")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO decisions (id, lead_id, run_id, outcome, verdict, score, decision, decided_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			d.ID, d.LeadID, d.RunID, string(d.Outcome), string(d.Verdict), d.PainScore.Score, decisionJSON, d.DecidedAt,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert decision %s", d.ID)
		}
		if _, err := tx.Exec(ctx, sqlUpdateRunStatus,
			string(model.LeadStatusDecided), "", time.Now().UTC(), d.RunID,
		); err != nil {
			return eris.Wrapf(err, "postgres: mark run decided %s", d.RunID)
		}
		return nil
	})
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

func (s *PostgresStore) GetDecision(ctx context.Context, leadID string) (*model.Decision, error) {
	ds, err := s.ListDecisions(ctx, leadID, 1)
	if err != nil || len(ds) == 0 {
		return nil, err
	}
	return &ds[0], nil
}

func (s *PostgresStore) ListDecisions(ctx context.Context, leadID string, limit int) ([]model.Decision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT decision FROM decisions WHERE lead_id = $1 ORDER BY decided_at DESC LIMIT $2`,
		leadID, limitOrDefault(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list decisions %s", leadID)
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan decision")
		}
		var d model.Decision
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal decision")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list decisions iterate")
}

func (s *PostgresStore) GetAdjudication(ctx context.Context, requestHash string) (*model.Adjudication, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, sqlGetAdjudication, requestHash).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get adjudication")
	}
	var adj model.Adjudication
	if err := json.Unmarshal(raw, &adj); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal adjudication")
	}
	return &adj, nil
}

func (s *PostgresStore) PutAdjudication(ctx context.Context, adj model.Adjudication) error {
	adj.Cached = false
	raw, err := json.Marshal(adj)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal adjudication")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO adjudications (request_hash, verdict, adjudication, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (request_hash) DO NOTHING`,
		adj.RequestHash, string(adj.Verdict), raw, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: put adjudication")
}

// Dead letter queue methods

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	leadJSON, err := json.Marshal(entry.Lead)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq lead")
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, lead, run_id, error, error_type, failed_phase, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $4, error_type = $5, failed_phase = $6, retry_count = $7,
		   next_retry_at = $9, last_failed_at = $11`,
		entry.ID, leadJSON, entry.RunID, entry.Error, entry.ErrorType,
		entry.FailedPhase, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

const pgDLQColumns = `id, lead, run_id, error, error_type, failed_phase, retry_count, max_retries, next_retry_at, created_at, last_failed_at`

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT ` + pgDLQColumns + `
	          FROM dead_letter_queue
	          WHERE next_retry_at <= now() AND retry_count < max_retries AND error_type != 'permanent'`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += fmt.Sprintf(` ORDER BY next_retry_at ASC LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))

	return s.queryDLQ(ctx, query, args...)
}

func (s *PostgresStore) ListDLQ(ctx context.Context, limit int) ([]resilience.DLQEntry, error) {
	return s.queryDLQ(ctx,
		`SELECT `+pgDLQColumns+` FROM dead_letter_queue ORDER BY created_at DESC LIMIT $1`,
		limitOrDefault(limit))
}

func (s *PostgresStore) queryDLQ(ctx context.Context, query string, args ...any) ([]resilience.DLQEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var leadJSON []byte
		if err := rows.Scan(&e.ID, &leadJSON, &e.RunID, &e.Error, &e.ErrorType,
			&e.FailedPhase, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		if err := json.Unmarshal(leadJSON, &e.Lead); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq lead")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: query dlq iterate")
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}
