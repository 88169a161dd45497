package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/conductor-ci/conductor/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	def, err := json.Marshal(exec.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	params, err := marshalMapOrDefault(exec.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (execution_id, workflow_id, definition, status, triggered_by, environment, params, result, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ExecutionID, exec.WorkflowID, string(def), string(exec.Status),
		nullStr(exec.TriggeredBy), nullStr(exec.Environment), string(params),
		nullRaw(exec.Result), timeOrNow(exec.CreatedAt),
		nullTime(exec.StartedAt), nullTime(exec.CompletedAt), timeOrNow(exec.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT execution_id, workflow_id, definition, status, triggered_by, environment, params, result, created_at, started_at, completed_at, updated_at
		 FROM executions WHERE execution_id = ?`, executionID,
	)
	exec, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", executionID)
	}
	return exec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, executionID string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(update.Result))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, executionID)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE execution_id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", executionID)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT execution_id, workflow_id, definition, status, triggered_by, environment, params, result, created_at, started_at, completed_at, updated_at FROM executions"
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

	var executions []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// scanExecution reads one execution row through the given scan function.
func scanExecution(scan func(...any) error) (*Execution, error) {
	exec := &Execution{}
	var (
		triggeredBy, environment sql.NullString
		defJSON, paramsJSON      string
		resultJSON               sql.NullString
		startedAt, completedAt   sql.NullTime
		status                   string
	)
	err := scan(&exec.ExecutionID, &exec.WorkflowID, &defJSON, &status, &triggeredBy, &environment,
		&paramsJSON, &resultJSON, &exec.CreatedAt, &startedAt, &completedAt, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	exec.Status = schema.WorkflowStatus(status)
	exec.TriggeredBy = triggeredBy.String
	exec.Environment = environment.String
	if err := json.Unmarshal([]byte(defJSON), &exec.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if paramsJSON != "" {
		_ = json.Unmarshal([]byte(paramsJSON), &exec.Params)
	}
	exec.Result = rawOrNil(resultJSON)
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this execution
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, workflow_id, stage_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.WorkflowID), nullStr(event.StageID), event.Type, payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, workflow_id, stage_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.StageID != "" {
		where = append(where, "stage_id = ?")
		args = append(args, filter.StageID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, execution_id, workflow_id, stage_id, event_type, payload, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
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
		var workflowID, stageID sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &workflowID, &stageID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.WorkflowID = workflowID.String
		e.StageID = stageID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Stage state ---

func (s *LibSQLStore) UpsertStageState(ctx context.Context, state *StageState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_state (execution_id, stage_id, status, output, error, retry_count, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, stage_id) DO UPDATE SET
		   status=excluded.status, output=excluded.output, error=excluded.error,
		   retry_count=excluded.retry_count, started_at=excluded.started_at,
		   completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		state.ExecutionID, state.StageID, string(state.Status),
		nullRaw(state.Output), nullRaw(state.Error),
		state.RetryCount, nullTime(state.StartedAt), nullTime(state.CompletedAt), state.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetStageState(ctx context.Context, executionID, stageID string) (*StageState, error) {
	ss := &StageState{}
	var status string
	var output, errJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id, stage_id, status, output, error, retry_count, started_at, completed_at, duration_ms
		 FROM stage_state WHERE execution_id = ? AND stage_id = ?`, executionID, stageID,
	).Scan(&ss.ExecutionID, &ss.StageID, &status, &output, &errJSON,
		&ss.RetryCount, &startedAt, &completedAt, &ss.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("stage_state", executionID+"/"+stageID)
	}
	if err != nil {
		return nil, err
	}
	ss.Status = schema.StageStatus(status)
	ss.Output = rawOrNil(output)
	ss.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		ss.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ss.CompletedAt = &completedAt.Time
	}
	return ss, nil
}

func (s *LibSQLStore) ListStageStates(ctx context.Context, executionID string) ([]*StageState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, stage_id, status, output, error, retry_count, started_at, completed_at, duration_ms
		 FROM stage_state WHERE execution_id = ? ORDER BY stage_id`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*StageState
	for rows.Next() {
		ss := &StageState{}
		var status string
		var output, errJSON sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&ss.ExecutionID, &ss.StageID, &status, &output, &errJSON,
			&ss.RetryCount, &startedAt, &completedAt, &ss.DurationMs); err != nil {
			return nil, err
		}
		ss.Status = schema.StageStatus(status)
		ss.Output = rawOrNil(output)
		ss.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			ss.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			ss.CompletedAt = &completedAt.Time
		}
		states = append(states, ss)
	}
	return states, rows.Err()
}

// --- Gate results ---

func (s *LibSQLStore) SaveGateResult(ctx context.Context, rec *GateRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO gate_results (execution_id, gate_type, status, score, detail, evaluated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID, string(rec.GateType), string(rec.Status), rec.Score,
		nullRaw(rec.Detail), timeOrNow(rec.EvaluatedAt),
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

func (s *LibSQLStore) ListGateResults(ctx context.Context, executionID string) ([]*GateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, gate_type, status, score, detail, evaluated_at
		 FROM gate_results WHERE execution_id = ? ORDER BY id ASC`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*GateRecord
	for rows.Next() {
		rec := &GateRecord{}
		var gateType, status string
		var detail sql.NullString
		if err := rows.Scan(&rec.ID, &rec.ExecutionID, &gateType, &status, &rec.Score, &detail, &rec.EvaluatedAt); err != nil {
			return nil, err
		}
		rec.GateType = schema.GateType(gateType)
		rec.Status = schema.GateStatus(status)
		rec.Detail = rawOrNil(detail)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ConductorError {
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
	if len(r) == 0 {
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

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)
