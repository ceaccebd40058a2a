package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/qualify-cli/internal/model"
	"github.com/sells-group/qualify-cli/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	lead_id    TEXT NOT NULL,
	lead       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'new',
	error      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS signals (
	lead_id TEXT NOT NULL,
	seq     INTEGER NOT NULL,
	kind    TEXT NOT NULL,
	source  TEXT NOT NULL,
	status  TEXT NOT NULL,
	record  TEXT NOT NULL,
	PRIMARY KEY (lead_id, seq)
);

CREATE TABLE IF NOT EXISTS decisions (
	id         TEXT PRIMARY KEY,
	lead_id    TEXT NOT NULL,
	run_id     TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	verdict    TEXT NOT NULL,
	score      INTEGER NOT NULL,
	decision   TEXT NOT NULL,
	decided_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS adjudications (
	request_hash TEXT PRIMARY KEY,
	verdict      TEXT NOT NULL,
	adjudication TEXT NOT NULL,
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	lead           TEXT NOT NULL,
	run_id         TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	failed_phase   TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	last_failed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_lead_id ON runs(lead_id);
CREATE INDEX IF NOT EXISTS idx_decisions_lead_id ON decisions(lead_id, decided_at);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

// sqliteTimeLayout is fixed-width so stored timestamps compare as strings.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, lead model.Lead) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	lead.Status = model.LeadStatusNew

	leadJSON, err := json.Marshal(runLead(lead))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal lead")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, lead_id, lead, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, lead.ID, string(leadJSON), string(model.LeadStatusNew), sqliteTime(now), sqliteTime(now),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		LeadID:    lead.ID,
		Lead:      runLead(lead),
		Status:    model.LeadStatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.LeadStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, sqliteTime(time.Now()), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, lead_id, lead, status, error, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, lead_id, lead, status, error, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.LeadID != "" {
		query += ` AND lead_id = ?`
		args = append(args, filter.LeadID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) LoadSignals(ctx context.Context, leadID string) (model.SignalBag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM signals WHERE lead_id = ? ORDER BY seq`, leadID)
	if err != nil {
		return model.SignalBag{}, eris.Wrapf(err, "sqlite: load signals %s", leadID)
	}
	defer rows.Close()

	var raws [][]byte
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return model.SignalBag{}, eris.Wrap(err, "sqlite: scan signal")
		}
		raws = append(raws, []byte(raw))
	}
	if err := rows.Err(); err != nil {
		return model.SignalBag{}, eris.Wrap(err, "sqlite: load signals iterate")
	}
	return restoreSignals(raws)
}

func (s *SQLiteStore) SaveDecision(ctx context.Context, d model.Decision, bag model.SignalBag) error {
	decisionJSON, err := json.Marshal(d)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal decision")
	}
	rows, err := signalRows(d.LeadID, bag)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM signals WHERE lead_id = ?`, d.LeadID); err != nil {
		return eris.Wrapf(err, "sqlite: clear signals %s", d.LeadID)
	}
	for _, row := range rows {
		row[5] = string(row[5].([]byte))
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO signals (lead_id, seq, kind, source, status, record) VALUES (?, ?, ?, ?, ?, ?)`,
			row...,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert signal %v", row[2])
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO decisions (id, lead_id, run_id, outcome, verdict, score, decision, decided_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.LeadID, d.RunID, string(d.Outcome), string(d.Verdict), d.PainScore.Score, string(decisionJSON), sqliteTime(d.DecidedAt),
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert decision %s", d.ID)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(model.LeadStatusDecided), sqliteTime(time.Now()), d.RunID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: mark run decided %s", d.RunID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit decision")
}

func (s *SQLiteStore) GetDecision(ctx context.Context, leadID string) (*model.Decision, error) {
	ds, err := s.ListDecisions(ctx, leadID, 1)
	if err != nil || len(ds) == 0 {
		return nil, err
	}
	return &ds[0], nil
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, leadID string, limit int) ([]model.Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT decision FROM decisions WHERE lead_id = ? ORDER BY decided_at DESC LIMIT ?`,
		leadID, limitOrDefault(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list decisions %s", leadID)
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan decision")
		}
		var d model.Decision
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal decision")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list decisions iterate")
}

func (s *SQLiteStore) GetAdjudication(ctx context.Context, requestHash string) (*model.Adjudication, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT adjudication FROM adjudications WHERE request_hash = ?`, requestHash,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get adjudication")
	}
	var adj model.Adjudication
	if err := json.Unmarshal([]byte(raw), &adj); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal adjudication")
	}
	return &adj, nil
}

func (s *SQLiteStore) PutAdjudication(ctx context.Context, adj model.Adjudication) error {
	adj.Cached = false
	raw, err := json.Marshal(adj)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal adjudication")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO adjudications (request_hash, verdict, adjudication, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (request_hash) DO NOTHING`,
		adj.RequestHash, string(adj.Verdict), string(raw), sqliteTime(time.Now()),
	)
	return eris.Wrap(err, "sqlite: put adjudication")
}

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	leadJSON, err := json.Marshal(entry.Lead)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq lead")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, lead, run_id, error, error_type, failed_phase, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type, failed_phase = excluded.failed_phase,
		   retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, string(leadJSON), entry.RunID, entry.Error, entry.ErrorType,
		entry.FailedPhase, entry.RetryCount, entry.MaxRetries,
		sqliteTime(entry.NextRetryAt), sqliteTime(entry.CreatedAt), sqliteTime(entry.LastFailedAt),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

const sqliteDLQColumns = `id, lead, run_id, error, error_type, failed_phase, retry_count, max_retries, next_retry_at, created_at, last_failed_at`

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT ` + sqliteDLQColumns + ` FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries AND error_type != 'permanent'`
	args := []any{sqliteTime(time.Now())}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))
	return s.queryDLQ(ctx, query, args...)
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, limit int) ([]resilience.DLQEntry, error) {
	return s.queryDLQ(ctx,
		`SELECT `+sqliteDLQColumns+` FROM dead_letter_queue ORDER BY created_at DESC LIMIT ?`,
		limitOrDefault(limit))
}

func (s *SQLiteStore) queryDLQ(ctx context.Context, query string, args ...any) ([]resilience.DLQEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var leadJSON, next, created, failed string
		if err := rows.Scan(&e.ID, &leadJSON, &e.RunID, &e.Error, &e.ErrorType,
			&e.FailedPhase, &e.RetryCount, &e.MaxRetries, &next, &created, &failed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		if err := json.Unmarshal([]byte(leadJSON), &e.Lead); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq lead")
		}
		for _, ts := range []struct {
			dst *time.Time
			src string
		}{{&e.NextRetryAt, next}, {&e.CreatedAt, created}, {&e.LastFailedAt, failed}} {
			t, err := parseSQLiteTime(ts.src)
			if err != nil {
				return nil, err
			}
			*ts.dst = t
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: query dlq iterate")
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

// runLead is the lead as recorded on a run: identity and intake fields only.
func runLead(lead model.Lead) model.Lead {
	lead.Signals = model.SignalBag{}
	lead.Decision = nil
	return lead
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var leadJSON, created, updated string

	err := row.Scan(&r.ID, &r.LeadID, &leadJSON, &r.Status, &r.Error, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if err := json.Unmarshal([]byte(leadJSON), &r.Lead); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal lead")
	}
	if r.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseSQLiteTime(updated); err != nil {
		return nil, err
	}
	return &r, nil
}
