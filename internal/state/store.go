package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"adw/internal/adwerrors"
	"adw/internal/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS adw_states (
    adw_id             TEXT PRIMARY KEY,
    issue_number       INTEGER,
    issue_title        TEXT,
    issue_body         TEXT,
    issue_class        TEXT,
    branch_name        TEXT,
    worktree_path      TEXT,
    current_stage      TEXT NOT NULL DEFAULT 'backlog',
    status             TEXT NOT NULL DEFAULT 'pending',
    workflow_name      TEXT,
    model_set          TEXT,
    data_source        TEXT,
    issue_json         TEXT,
    orchestrator_state TEXT,
    plan_file          TEXT,
    all_adws           TEXT,
    patch_file         TEXT,
    patch_history      TEXT,
    patch_source_mode  TEXT,
    backend_port       INTEGER,
    websocket_port     INTEGER,
    frontend_port      INTEGER,
    created_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    completed_at       TIMESTAMP,
    deleted_at         TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_adw_states_deleted_at ON adw_states (deleted_at);

CREATE TABLE IF NOT EXISTS adw_activity_logs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    adw_id        TEXT NOT NULL,
    event_type    TEXT NOT NULL,
    field_changed TEXT,
    old_value     TEXT,
    new_value     TEXT,
    event_data    TEXT,
    timestamp     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_adw_activity_logs_adw_id ON adw_activity_logs (adw_id);
`

// Store is the SQLite-backed persistence layer for ADW state. All access
// from the engine, discovery, and HTTP handlers goes through it.
type Store struct {
	db     *sqlx.DB
	logger *observability.Logger

	// mirrorDir enables the legacy adw_state.json read fallback when set.
	mirrorDir string
}

// Option configures a Store.
type Option func(*Store)

// WithMirrorFallback enables reading the legacy agents/<adw_id>/adw_state.json
// mirror when a row is absent from the database. The mirror is never written.
func WithMirrorFallback(agentsDir string) Option {
	return func(s *Store) { s.mirrorDir = agentsDir }
}

// WithLogger overrides the default component logger.
func WithLogger(logger *observability.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open creates (if necessary) and opens the database at path, ensuring the
// schema exists. The parent directory is created on demand.
func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &adwerrors.StorageError{Reason: adwerrors.StorageOpen, Err: err}
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_fk=1", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, &adwerrors.StorageError{Reason: adwerrors.StorageOpen, Err: err}
	}
	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// between the engine loop and HTTP readers.
	db.SetMaxOpenConns(1)

	return newStore(db, opts...)
}

// OpenInMemory opens a throwaway in-memory database, used by tests.
func OpenInMemory(opts ...Option) (*Store, error) {
	db, err := sqlx.Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		return nil, &adwerrors.StorageError{Reason: adwerrors.StorageOpen, Err: err}
	}
	db.SetMaxOpenConns(1)
	return newStore(db, opts...)
}

func newStore(db *sqlx.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:     db,
		logger: observability.NewComponentLogger("StateStore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, &adwerrors.StorageError{Reason: adwerrors.StorageOpen, Err: err}
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// adwRow mirrors the adw_states columns for scanning.
type adwRow struct {
	ADWID             string         `db:"adw_id"`
	IssueNumber       sql.NullInt64  `db:"issue_number"`
	IssueTitle        sql.NullString `db:"issue_title"`
	IssueBody         sql.NullString `db:"issue_body"`
	IssueClass        sql.NullString `db:"issue_class"`
	BranchName        sql.NullString `db:"branch_name"`
	WorktreePath      sql.NullString `db:"worktree_path"`
	CurrentStage      string         `db:"current_stage"`
	Status            string         `db:"status"`
	WorkflowName      sql.NullString `db:"workflow_name"`
	ModelSet          sql.NullString `db:"model_set"`
	DataSource        sql.NullString `db:"data_source"`
	IssueJSON         sql.NullString `db:"issue_json"`
	OrchestratorState sql.NullString `db:"orchestrator_state"`
	PlanFile          sql.NullString `db:"plan_file"`
	AllADWs           sql.NullString `db:"all_adws"`
	PatchFile         sql.NullString `db:"patch_file"`
	PatchHistory      sql.NullString `db:"patch_history"`
	PatchSourceMode   sql.NullString `db:"patch_source_mode"`
	BackendPort       sql.NullInt64  `db:"backend_port"`
	WebsocketPort     sql.NullInt64  `db:"websocket_port"`
	FrontendPort      sql.NullInt64  `db:"frontend_port"`
	CreatedAt         sql.NullTime   `db:"created_at"`
	UpdatedAt         sql.NullTime   `db:"updated_at"`
	CompletedAt       sql.NullTime   `db:"completed_at"`
	DeletedAt         sql.NullTime   `db:"deleted_at"`
}

// Save performs a full UPSERT on adw_id. JSON payload fields are serialized
// as text; updated_at is refreshed; completed_at is set once when the state
// first reports completion.
func (s *Store) Save(ctx context.Context, st *ADWState) error {
	if st == nil || !IsValidADWID(st.ADWID) {
		return &adwerrors.ValidationError{Field: "adw_id", Message: "must be 8 alphanumeric characters"}
	}

	issueJSON, err := marshalNullable(st.IssueJSON)
	if err != nil {
		return &adwerrors.StorageError{Reason: adwerrors.StorageSerialize, Err: err}
	}
	orchState, err := marshalNullable(st.OrchestratorState)
	if err != nil {
		return &adwerrors.StorageError{Reason: adwerrors.StorageSerialize, Err: err}
	}
	patchHistory, err := marshalNullable(st.PatchHistory)
	if err != nil {
		return &adwerrors.StorageError{Reason: adwerrors.StorageSerialize, Err: err}
	}
	allADWs, err := marshalNullable(st.AllADWs)
	if err != nil {
		return &adwerrors.StorageError{Reason: adwerrors.StorageSerialize, Err: err}
	}

	query := `
INSERT INTO adw_states (
    adw_id, issue_number, issue_title, issue_body, issue_class, branch_name,
    worktree_path, current_stage, status, workflow_name, model_set, data_source,
    issue_json, orchestrator_state, plan_file, all_adws, patch_file,
    patch_history, patch_source_mode, backend_port, websocket_port,
    frontend_port, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
    CASE WHEN ? THEN CURRENT_TIMESTAMP END)
ON CONFLICT(adw_id) DO UPDATE SET
    issue_number       = excluded.issue_number,
    issue_title        = excluded.issue_title,
    issue_body         = excluded.issue_body,
    issue_class        = excluded.issue_class,
    branch_name        = excluded.branch_name,
    worktree_path      = excluded.worktree_path,
    current_stage      = excluded.current_stage,
    status             = excluded.status,
    workflow_name      = excluded.workflow_name,
    model_set          = excluded.model_set,
    data_source        = excluded.data_source,
    issue_json         = excluded.issue_json,
    orchestrator_state = excluded.orchestrator_state,
    plan_file          = excluded.plan_file,
    all_adws           = excluded.all_adws,
    patch_file         = excluded.patch_file,
    patch_history      = excluded.patch_history,
    patch_source_mode  = excluded.patch_source_mode,
    backend_port       = excluded.backend_port,
    websocket_port     = excluded.websocket_port,
    frontend_port      = excluded.frontend_port,
    updated_at         = CURRENT_TIMESTAMP,
    completed_at       = CASE
        WHEN ? AND adw_states.completed_at IS NULL THEN CURRENT_TIMESTAMP
        ELSE adw_states.completed_at
    END
`

	currentStage := st.CurrentStage
	if currentStage == "" {
		currentStage = "backlog"
	}
	status := st.Status
	if status == "" {
		status = "pending"
	}

	_, err = s.db.ExecContext(ctx, query,
		st.ADWID, intPtrToNull(st.IssueNumber), nullStr(st.IssueTitle),
		nullStr(st.IssueBody), nullStr(st.IssueClass), nullStr(st.BranchName),
		nullStr(st.WorktreePath), currentStage, status,
		nullStr(st.WorkflowName), nullStr(st.ModelSet), nullStr(st.DataSource),
		issueJSON, orchState, nullStr(st.PlanFile), allADWs,
		nullStr(st.PatchFile), patchHistory, nullStr(st.PatchSourceMode),
		intPtrToNull(st.BackendPort), intPtrToNull(st.WebsocketPort),
		intPtrToNull(st.FrontendPort),
		st.Completed, st.Completed,
	)
	if err != nil {
		return &adwerrors.StorageError{Reason: adwerrors.StorageExec, Err: err}
	}
	return nil
}

// Load returns the visible state for adw_id, or nil when the row does not
// exist or has been soft-deleted. Invalid JSON in a payload column nils that
// field but does not fail the load.
func (s *Store) Load(ctx context.Context, adwID string) (*ADWState, error) {
	var row adwRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM adw_states WHERE adw_id = ?`, adwID)
	if err == sql.ErrNoRows {
		// Only ids the database has never seen may fall back to the legacy
		// mirror. A soft-deleted row must stay invisible, so it is handled
		// below rather than here.
		if s.mirrorDir != "" {
			return s.loadMirror(adwID)
		}
		return nil, nil
	}
	if err != nil {
		return nil, &adwerrors.StorageError{Reason: adwerrors.StorageQuery, Err: err}
	}
	if row.DeletedAt.Valid {
		return nil, nil
	}
	return s.rowToState(&row), nil
}

// Get is the read used by the HTTP detail endpoint; identical to Load.
func (s *Store) Get(ctx context.Context, adwID string) (*ADWState, error) {
	return s.Load(ctx, adwID)
}

func (s *Store) rowToState(row *adwRow) *ADWState {
	st := &ADWState{
		ADWID:           row.ADWID,
		IssueTitle:      row.IssueTitle.String,
		IssueBody:       row.IssueBody.String,
		IssueClass:      row.IssueClass.String,
		BranchName:      row.BranchName.String,
		WorktreePath:    row.WorktreePath.String,
		CurrentStage:    row.CurrentStage,
		Status:          row.Status,
		WorkflowName:    row.WorkflowName.String,
		ModelSet:        row.ModelSet.String,
		DataSource:      row.DataSource.String,
		PlanFile:        row.PlanFile.String,
		PatchFile:       row.PatchFile.String,
		PatchSourceMode: row.PatchSourceMode.String,
	}
	if row.IssueNumber.Valid {
		n := int(row.IssueNumber.Int64)
		st.IssueNumber = &n
	}
	if row.BackendPort.Valid {
		n := int(row.BackendPort.Int64)
		st.BackendPort = &n
	}
	if row.WebsocketPort.Valid {
		n := int(row.WebsocketPort.Int64)
		st.WebsocketPort = &n
	}
	if row.FrontendPort.Valid {
		n := int(row.FrontendPort.Int64)
		st.FrontendPort = &n
	}
	if row.CreatedAt.Valid {
		st.CreatedAt = row.CreatedAt.Time
	}
	if row.UpdatedAt.Valid {
		st.UpdatedAt = row.UpdatedAt.Time
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		st.CompletedAt = &t
		st.Completed = true
	}
	if row.DeletedAt.Valid {
		t := row.DeletedAt.Time
		st.DeletedAt = &t
	}

	// Each payload column parses independently; a corrupt column must not
	// take down the whole load.
	if row.IssueJSON.Valid {
		var m map[string]any
		if err := json.Unmarshal([]byte(row.IssueJSON.String), &m); err == nil {
			st.IssueJSON = m
		} else {
			s.logger.Warn("invalid issue_json, dropping field", "adw_id", row.ADWID, "error", err)
		}
	}
	if row.OrchestratorState.Valid {
		var w WorkflowExecution
		if err := json.Unmarshal([]byte(row.OrchestratorState.String), &w); err == nil {
			st.OrchestratorState = &w
		} else {
			s.logger.Warn("invalid orchestrator_state, dropping field", "adw_id", row.ADWID, "error", err)
		}
	}
	if row.AllADWs.Valid {
		var arr []string
		if err := json.Unmarshal([]byte(row.AllADWs.String), &arr); err == nil {
			st.AllADWs = arr
		} else {
			s.logger.Warn("invalid all_adws, dropping field", "adw_id", row.ADWID, "error", err)
		}
	}
	if row.PatchHistory.Valid {
		var arr []string
		if err := json.Unmarshal([]byte(row.PatchHistory.String), &arr); err == nil {
			st.PatchHistory = arr
		} else {
			s.logger.Warn("invalid patch_history, dropping field", "adw_id", row.ADWID, "error", err)
		}
	}
	return st
}

// ListAll returns summaries for every visible row, newest first. Heavy JSON
// bodies stay in the database; only the extracted issue_json title rides
// along for the discovery fallback.
func (s *Store) ListAll(ctx context.Context) ([]Summary, error) {
	query := `
SELECT adw_id,
       COALESCE(issue_class, '')  AS issue_class,
       issue_number,
       COALESCE(issue_title, '')  AS issue_title,
       COALESCE(branch_name, '')  AS branch_name,
       current_stage,
       COALESCE(workflow_name, '') AS workflow_name,
       completed_at IS NOT NULL   AS completed,
       COALESCE(json_extract(issue_json, '$.title'), '') AS issue_json_title
FROM adw_states
WHERE deleted_at IS NULL
ORDER BY created_at DESC
`
	var out []Summary
	if err := s.db.SelectContext(ctx, &out, query); err != nil {
		return nil, &adwerrors.StorageError{Reason: adwerrors.StorageQuery, Err: err}
	}
	return out, nil
}

// SoftDelete marks the row deleted and reports how many rows were affected.
// Zero means already deleted or absent; callers treat that as a no-op.
func (s *Store) SoftDelete(ctx context.Context, adwID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE adw_states SET deleted_at = CURRENT_TIMESTAMP
		 WHERE adw_id = ? AND deleted_at IS NULL`, adwID)
	if err != nil {
		return 0, &adwerrors.StorageError{Reason: adwerrors.StorageExec, Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, &adwerrors.StorageError{Reason: adwerrors.StorageExec, Err: err}
	}
	return affected, nil
}

// AppendActivity inserts one append-only activity row. Duplicates are
// permitted; retries produce distinct rows.
func (s *Store) AppendActivity(ctx context.Context, entry ActivityEntry) error {
	eventData, err := marshalNullable(entry.EventData)
	if err != nil {
		return &adwerrors.StorageError{Reason: adwerrors.StorageSerialize, Err: err}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO adw_activity_logs (adw_id, event_type, field_changed, old_value, new_value, event_data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ADWID, entry.EventType, nullStr(entry.FieldChanged),
		nullStr(entry.OldValue), nullStr(entry.NewValue), eventData)
	if err != nil {
		return &adwerrors.StorageError{Reason: adwerrors.StorageExec, Err: err}
	}
	return nil
}

// ListActivity returns the activity rows for one workflow, oldest first.
func (s *Store) ListActivity(ctx context.Context, adwID string) ([]ActivityEntry, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT adw_id, event_type, field_changed, old_value, new_value, event_data, timestamp
		 FROM adw_activity_logs WHERE adw_id = ? ORDER BY id ASC`, adwID)
	if err != nil {
		return nil, &adwerrors.StorageError{Reason: adwerrors.StorageQuery, Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []ActivityEntry
	for rows.Next() {
		var (
			entry     ActivityEntry
			field     sql.NullString
			oldVal    sql.NullString
			newVal    sql.NullString
			eventData sql.NullString
			ts        sql.NullTime
		)
		if err := rows.Scan(&entry.ADWID, &entry.EventType, &field, &oldVal, &newVal, &eventData, &ts); err != nil {
			return nil, &adwerrors.StorageError{Reason: adwerrors.StorageQuery, Err: err}
		}
		entry.FieldChanged = field.String
		entry.OldValue = oldVal.String
		entry.NewValue = newVal.String
		if ts.Valid {
			entry.Timestamp = ts.Time
		}
		if eventData.Valid {
			_ = json.Unmarshal([]byte(eventData.String), &entry.EventData)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// AppendADWID records a workflow name in the row's all_adws set, keeping the
// array duplicate-free under repeated invocation.
func (s *Store) AppendADWID(ctx context.Context, adwID, workflowName string) error {
	st, err := s.Load(ctx, adwID)
	if err != nil {
		return err
	}
	if st == nil {
		return &adwerrors.NotFoundError{ADWID: adwID}
	}
	before := len(st.AllADWs)
	st.AppendADW(workflowName)
	if len(st.AllADWs) == before {
		return nil
	}
	serialized, err := marshalNullable(st.AllADWs)
	if err != nil {
		return &adwerrors.StorageError{Reason: adwerrors.StorageSerialize, Err: err}
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE adw_states SET all_adws = ?, updated_at = CURRENT_TIMESTAMP WHERE adw_id = ?`,
		serialized, adwID)
	if err != nil {
		return &adwerrors.StorageError{Reason: adwerrors.StorageExec, Err: err}
	}
	return nil
}

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typed := v.(type) {
	case map[string]any:
		if typed == nil {
			return nil, nil
		}
	case []string:
		if typed == nil {
			return nil, nil
		}
	case *WorkflowExecution:
		if typed == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func intPtrToNull(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

// loadMirror reads the legacy on-disk JSON mirror. Only invoked when the row
// is absent from the database and the fallback is configured.
func (s *Store) loadMirror(adwID string) (*ADWState, error) {
	path := filepath.Join(s.mirrorDir, adwID, "adw_state.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil
	}
	var st ADWState
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn("invalid legacy state mirror", "adw_id", adwID, "error", err)
		return nil, nil
	}
	if st.ADWID == "" {
		st.ADWID = adwID
	}
	if st.CurrentStage == "" {
		st.CurrentStage = "backlog"
	}
	if st.Status == "" {
		st.Status = "pending"
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	s.logger.Info("loaded state from legacy JSON mirror", "adw_id", adwID)
	return &st, nil
}
