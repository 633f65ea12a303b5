package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowengine/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/runs.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Flow versions ---

func (s *LibSQLStore) SaveFlowVersion(ctx context.Context, fv *FlowVersionRecord) error {
	def, err := json.Marshal(fv.Definition)
	if err != nil {
		return fmt.Errorf("marshal flow definition: %w", err)
	}
	fv.CreatedAt = timeOrNow(fv.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO flow_versions (id, flow_id, display_name, definition, created_at) VALUES (?, ?, ?, ?, ?)`,
		fv.ID, fv.FlowID, nullStr(fv.DisplayName), string(def), fv.CreatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "flow version %q already exists", fv.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetFlowVersion(ctx context.Context, id string) (*FlowVersionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, flow_id, display_name, definition, created_at FROM flow_versions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	versions, err := scanFlowVersions(rows)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, storeNotFound("flow version", id)
	}
	return versions[0], nil
}

// ListFlowVersions returns the versions of flowID, oldest first.
func (s *LibSQLStore) ListFlowVersions(ctx context.Context, flowID string) ([]*FlowVersionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, flow_id, display_name, definition, created_at FROM flow_versions
		 WHERE flow_id = ? ORDER BY created_at ASC, id ASC`, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFlowVersions(rows)
}

func scanFlowVersions(rows *sql.Rows) ([]*FlowVersionRecord, error) {
	var out []*FlowVersionRecord
	for rows.Next() {
		fv := &FlowVersionRecord{}
		var displayName sql.NullString
		var def string
		if err := rows.Scan(&fv.ID, &fv.FlowID, &displayName, &def, &fv.CreatedAt); err != nil {
			return nil, err
		}
		fv.DisplayName = displayName.String
		if err := json.Unmarshal([]byte(def), &fv.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal flow definition %s: %w", fv.ID, err)
		}
		out = append(out, fv)
	}
	return out, rows.Err()
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	if run.Status == "" {
		run.Status = schema.RunStatusRunning
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = timeOrNow(run.UpdatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flow_runs (id, flow_id, flow_version_id, status, steps, tasks, duration_ms, pause_metadata, stop_response, error, created_at, finished_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.FlowID), run.FlowVersionID, string(run.Status),
		nullRaw(run.Steps), run.Tasks, run.DurationMs,
		nullRaw(run.PauseMetadata), nullRaw(run.StopResponse), nullRaw(run.Error),
		run.CreatedAt, nullTime(run.FinishedAt), run.UpdatedAt,
	)
	return err
}

const runColumns = `id, flow_id, flow_version_id, status, steps, tasks, duration_ms, pause_metadata, stop_response, error, created_at, finished_at, updated_at`

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM flow_runs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, storeNotFound("run", id)
	}
	return runs[0], nil
}

// UpdateRun applies update to run id. A status change is checked against the
// run lifecycle inside the same transaction as the write.
func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM flow_runs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("run", id)
	}
	if err != nil {
		return err
	}

	var sets []string
	var args []any

	if update.Status != nil {
		from := schema.RunStatus(current)
		if !CanTransition(from, *update.Status) {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"run %s cannot move from %s to %s", id, from, *update.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Steps != nil {
		sets = append(sets, "steps = ?")
		args = append(args, string(update.Steps))
	}
	if update.Tasks != nil {
		sets = append(sets, "tasks = ?")
		args = append(args, *update.Tasks)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	if update.PauseMetadata != nil {
		sets = append(sets, "pause_metadata = ?")
		args = append(args, nullRaw(update.PauseMetadata))
	}
	if update.StopResponse != nil {
		sets = append(sets, "stop_response = ?")
		args = append(args, nullRaw(update.StopResponse))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullRaw(update.Error))
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE flow_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.FlowVersionID != "" {
		where = append(where, "flow_version_id = ?")
		args = append(args, filter.FlowVersionID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT " + runColumns + " FROM flow_runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flow_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		r := &Run{}
		var (
			flowID, steps, pause, stop, errJSON sql.NullString
			status                              string
			finishedAt                          sql.NullTime
		)
		if err := rows.Scan(&r.ID, &flowID, &r.FlowVersionID, &status, &steps, &r.Tasks, &r.DurationMs,
			&pause, &stop, &errJSON, &r.CreatedAt, &finishedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.FlowID = flowID.String
		r.Status = schema.RunStatus(status)
		r.Steps = rawOrNil(steps)
		r.PauseMetadata = rawOrNil(pause)
		r.StopResponse = rawOrNil(stop)
		r.Error = rawOrNil(errJSON)
		if finishedAt.Valid {
			r.FinishedAt = &finishedAt.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Events ---

// AppendEvent stores event with the next per-run sequence number.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_name, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepName), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events of runID with sequence > since, in sequence order.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_name, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.StepName != "" {
		where = append(where, "step_name = ?")
		args = append(args, filter.StepName)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, step_name, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepName, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stepName, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepName = stepName.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("connection", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "connection", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 || string(r) == "null" {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
