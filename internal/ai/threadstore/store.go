// Package threadstore is the local SQLite-backed persistence layer for
// workspaces, repos, threads, messages, and their action/approval
// side-records.
//
// Notes:
//   - Single-process, single-writer. WAL is enabled so concurrent readers
//     (e.g. a UI polling get_thread_messages) don't block the supervisor's
//     flush writes.
//   - FTS over message text is maintained by triggers, not by the
//     application — inserts/updates to messages.content keep
//     messages_fts in sync automatically.
package threadstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/turncore/turncore-agent/internal/ai"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Serialize writes through a single connection; SQLite itself is the
	// arbiter of concurrent access.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nowMs() int64 { return time.Now().UnixMilli() }

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  root_path TEXT NOT NULL UNIQUE,
  scan_depth INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  last_opened_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS repos (
  id TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL REFERENCES workspaces(id),
  name TEXT NOT NULL,
  path TEXT NOT NULL,
  default_branch TEXT NOT NULL DEFAULT '',
  is_active INTEGER NOT NULL DEFAULT 1,
  trust_level TEXT NOT NULL DEFAULT 'standard',
  UNIQUE(workspace_id, path)
);

CREATE TABLE IF NOT EXISTS threads (
  id TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL REFERENCES workspaces(id),
  repo_id TEXT REFERENCES repos(id),
  engine_id TEXT NOT NULL,
  model_id TEXT NOT NULL,
  engine_thread_id TEXT,
  engine_metadata_json TEXT NOT NULL DEFAULT '{}',
  title TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'idle',
  message_count INTEGER NOT NULL DEFAULT 0,
  total_tokens INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  last_activity_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
  id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL REFERENCES threads(id),
  role TEXT NOT NULL,
  content TEXT,
  blocks_json TEXT NOT NULL DEFAULT '[]',
  schema_version INTEGER NOT NULL DEFAULT 1,
  status TEXT NOT NULL,
  token_input INTEGER NOT NULL DEFAULT 0,
  token_output INTEGER NOT NULL DEFAULT 0,
  turn_engine_id TEXT,
  turn_model_id TEXT,
  turn_reasoning_effort TEXT,
  created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_thread_created ON messages(thread_id, created_at);

CREATE TABLE IF NOT EXISTS actions (
  id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  engine_action_id TEXT,
  action_type TEXT NOT NULL,
  summary TEXT NOT NULL DEFAULT '',
  details_json TEXT NOT NULL DEFAULT '{}',
  status TEXT NOT NULL,
  result_json TEXT,
  duration_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_actions_thread ON actions(thread_id);
CREATE INDEX IF NOT EXISTS idx_actions_engine_action_id ON actions(engine_action_id);

CREATE TABLE IF NOT EXISTS approvals (
  id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  action_type TEXT NOT NULL,
  summary TEXT NOT NULL DEFAULT '',
  details_json TEXT NOT NULL DEFAULT '{}',
  status TEXT NOT NULL,
  decision TEXT,
  answered_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_approvals_thread ON approvals(thread_id);

CREATE TABLE IF NOT EXISTS engine_event_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  thread_id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  event_json TEXT NOT NULL,
  created_at INTEGER NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
  content, content='messages', content_rowid='rowid'
);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	// messages.id is a TEXT primary key (not a rowid alias), so the
	// external-content FTS table is keyed on messages' implicit rowid
	// (content_rowid='rowid'); SQLite never updates an external-content
	// table on its own, so these triggers keep it in sync.
	const ftsTriggers = `
CREATE TRIGGER IF NOT EXISTS messages_fts_ai AFTER INSERT ON messages BEGIN
  INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, coalesce(new.content, ''));
END;
CREATE TRIGGER IF NOT EXISTS messages_fts_ad AFTER DELETE ON messages BEGIN
  INSERT INTO messages_fts(messages_fts, rowid, content) VALUES('delete', old.rowid, coalesce(old.content, ''));
END;
CREATE TRIGGER IF NOT EXISTS messages_fts_au AFTER UPDATE ON messages BEGIN
  INSERT INTO messages_fts(messages_fts, rowid, content) VALUES('delete', old.rowid, coalesce(old.content, ''));
  INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, coalesce(new.content, ''));
END;
`
	if _, err := db.Exec(ftsTriggers); err != nil {
		return fmt.Errorf("init fts triggers: %w", err)
	}
	return nil
}

// --- Workspaces ---

type Workspace struct {
	ID           string
	Name         string
	RootPath     string
	ScanDepth    int
	CreatedAt    int64
	LastOpenedAt int64
}

// UpsertWorkspace is idempotent by canonical root path: re-opening a known
// workspace only bumps last_opened_at.
func (s *Store) UpsertWorkspace(ctx context.Context, name, rootPath string, scanDepth int) (Workspace, error) {
	rootPath = filepath.Clean(rootPath)
	if rootPath == "" || rootPath == "." {
		return Workspace{}, errors.New("missing root path")
	}
	if scanDepth < 0 {
		scanDepth = 0
	}
	if scanDepth > 12 {
		scanDepth = 12
	}
	now := nowMs()

	row := s.db.QueryRowContext(ctx, `SELECT id, created_at FROM workspaces WHERE root_path = ?`, rootPath)
	var id string
	var createdAt int64
	switch err := row.Scan(&id, &createdAt); {
	case errors.Is(err, sql.ErrNoRows):
		id = newID("ws")
		createdAt = now
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO workspaces (id, name, root_path, scan_depth, created_at, last_opened_at)
			VALUES (?, ?, ?, ?, ?, ?)`, id, name, rootPath, scanDepth, createdAt, now); err != nil {
			return Workspace{}, err
		}
	case err != nil:
		return Workspace{}, err
	default:
		if _, err := s.db.ExecContext(ctx, `UPDATE workspaces SET last_opened_at = ? WHERE id = ?`, now, id); err != nil {
			return Workspace{}, err
		}
	}

	return Workspace{ID: id, Name: name, RootPath: rootPath, ScanDepth: scanDepth, CreatedAt: createdAt, LastOpenedAt: now}, nil
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (Workspace, error) {
	var w Workspace
	err := s.db.QueryRowContext(ctx, `SELECT id, name, root_path, scan_depth, created_at, last_opened_at FROM workspaces WHERE id = ?`, id).
		Scan(&w.ID, &w.Name, &w.RootPath, &w.ScanDepth, &w.CreatedAt, &w.LastOpenedAt)
	if err != nil {
		return Workspace{}, err
	}
	return w, nil
}

// --- Repos ---

type Repo struct {
	ID             string
	WorkspaceID    string
	Name           string
	Path           string
	DefaultBranch  string
	IsActive       bool
	TrustLevel     ai.TrustLevel
}

// UpsertRepo is idempotent by (workspace, path) and re-activates the row
// on conflict; new repos default to TrustStandard.
func (s *Store) UpsertRepo(ctx context.Context, workspaceID, name, path, defaultBranch string) (Repo, error) {
	path = filepath.Clean(path)
	row := s.db.QueryRowContext(ctx, `SELECT id, trust_level FROM repos WHERE workspace_id = ? AND path = ?`, workspaceID, path)
	var id string
	var trust string
	switch err := row.Scan(&id, &trust); {
	case errors.Is(err, sql.ErrNoRows):
		id = newID("repo")
		trust = string(ai.TrustStandard)
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO repos (id, workspace_id, name, path, default_branch, is_active, trust_level)
			VALUES (?, ?, ?, ?, ?, 1, ?)`, id, workspaceID, name, path, defaultBranch, trust); err != nil {
			return Repo{}, err
		}
	case err != nil:
		return Repo{}, err
	default:
		if _, err := s.db.ExecContext(ctx, `UPDATE repos SET is_active = 1, name = ? WHERE id = ?`, name, id); err != nil {
			return Repo{}, err
		}
	}
	return Repo{ID: id, WorkspaceID: workspaceID, Name: name, Path: path, DefaultBranch: defaultBranch, IsActive: true, TrustLevel: ai.TrustLevel(trust)}, nil
}

func (s *Store) SetRepoTrust(ctx context.Context, repoID string, trust ai.TrustLevel) error {
	_, err := s.db.ExecContext(ctx, `UPDATE repos SET trust_level = ? WHERE id = ?`, string(trust), repoID)
	return err
}

func (s *Store) ListRepos(ctx context.Context, workspaceID string) ([]Repo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, workspace_id, name, path, default_branch, is_active, trust_level FROM repos WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Repo
	for rows.Next() {
		var r Repo
		var active int
		var trust string
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.Path, &r.DefaultBranch, &active, &trust); err != nil {
			return nil, err
		}
		r.IsActive = active != 0
		r.TrustLevel = ai.TrustLevel(trust)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetRepo(ctx context.Context, id string) (Repo, error) {
	var r Repo
	var active int
	var trust string
	err := s.db.QueryRowContext(ctx, `SELECT id, workspace_id, name, path, default_branch, is_active, trust_level FROM repos WHERE id = ?`, id).
		Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.Path, &r.DefaultBranch, &active, &trust)
	if err != nil {
		return Repo{}, err
	}
	r.IsActive = active != 0
	r.TrustLevel = ai.TrustLevel(trust)
	return r, nil
}

// --- Threads ---

type Thread struct {
	ID                 string
	WorkspaceID        string
	RepoID             string
	EngineID           string
	ModelID            string
	EngineThreadID     string
	EngineMetadataJSON string
	Title              string
	Status             ai.ThreadStatus
	MessageCount       int64
	TotalTokens        int64
	CreatedAt          int64
	LastActivityAt     int64
}

func (s *Store) CreateThread(ctx context.Context, t Thread) (Thread, error) {
	t.ID = newID("th")
	now := nowMs()
	t.CreatedAt, t.LastActivityAt = now, now
	if t.Status == "" {
		t.Status = ai.ThreadIdle
	}
	if t.EngineMetadataJSON == "" {
		t.EngineMetadataJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, workspace_id, repo_id, engine_id, model_id, engine_thread_id, engine_metadata_json, title, status, message_count, total_tokens, created_at, last_activity_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, ?, ?, 0, 0, ?, ?)`,
		t.ID, t.WorkspaceID, t.RepoID, t.EngineID, t.ModelID, t.EngineThreadID, t.EngineMetadataJSON, t.Title, t.Status, t.CreatedAt, t.LastActivityAt)
	if err != nil {
		return Thread{}, err
	}
	return t, nil
}

func (s *Store) GetThread(ctx context.Context, id string) (Thread, error) {
	return scanThread(s.db.QueryRowContext(ctx, threadSelect+` WHERE id = ?`, id))
}

const threadSelect = `SELECT id, workspace_id, coalesce(repo_id, ''), engine_id, model_id, coalesce(engine_thread_id, ''), engine_metadata_json, title, status, message_count, total_tokens, created_at, last_activity_at FROM threads`

func scanThread(row *sql.Row) (Thread, error) {
	var t Thread
	err := row.Scan(&t.ID, &t.WorkspaceID, &t.RepoID, &t.EngineID, &t.ModelID, &t.EngineThreadID, &t.EngineMetadataJSON, &t.Title, &t.Status, &t.MessageCount, &t.TotalTokens, &t.CreatedAt, &t.LastActivityAt)
	return t, err
}

func (s *Store) SetEngineThreadID(ctx context.Context, threadID, engineThreadID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE threads SET engine_thread_id = ? WHERE id = ?`, engineThreadID, threadID)
	return err
}

func (s *Store) SetThreadStatus(ctx context.Context, threadID string, status ai.ThreadStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE threads SET status = ? WHERE id = ?`, string(status), threadID)
	return err
}

func (s *Store) SetThreadTitle(ctx context.Context, threadID, title string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE threads SET title = ? WHERE id = ?`, title, threadID)
	return err
}

// BumpThreadCounters increments message_count/total_tokens exactly once per
// completed assistant message and refreshes
// last_activity_at.
func (s *Store) BumpThreadCounters(ctx context.Context, threadID string, tokens ai.TokenUsage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE threads SET message_count = message_count + 1, total_tokens = total_tokens + ?, last_activity_at = ?
		WHERE id = ?`, tokens.Total(), nowMs(), threadID)
	return err
}

// --- Messages ---

type Message struct {
	ID          string
	ThreadID    string
	Role        ai.MessageRole
	Content     string
	Blocks      []ai.ContentBlock
	SchemaVersion int
	Status      ai.MessageStatus
	TokenInput  int64
	TokenOutput int64
	TurnEngineID string
	TurnModelID  string
	TurnReasoningEffort string
	CreatedAt   int64
}

func (s *Store) InsertUserMessage(ctx context.Context, threadID, content string, blocks []ai.ContentBlock) (Message, error) {
	m := Message{ID: newID("msg"), ThreadID: threadID, Role: ai.RoleUser, Content: content, Blocks: blocks, SchemaVersion: 1, Status: ai.MessageCompleted, CreatedAt: nowMs()}
	raw, err := ai.MarshalBlocks(blocks)
	if err != nil {
		return Message{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, role, content, blocks_json, schema_version, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, m.ID, m.ThreadID, m.Role, m.Content, string(raw), m.SchemaVersion, m.Status, m.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// CreateAssistantPlaceholder inserts an empty, Streaming assistant message
// that the turn supervisor then owns exclusively until it finalizes.
func (s *Store) CreateAssistantPlaceholder(ctx context.Context, threadID, engineID, modelID string) (Message, error) {
	m := Message{ID: newID("msg"), ThreadID: threadID, Role: ai.RoleAssistant, SchemaVersion: 1, Status: ai.MessageStreaming, TurnEngineID: engineID, TurnModelID: modelID, CreatedAt: nowMs()}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, role, blocks_json, schema_version, status, turn_engine_id, turn_model_id, created_at)
		VALUES (?, ?, ?, '[]', ?, ?, ?, ?, ?)`, m.ID, m.ThreadID, m.Role, m.SchemaVersion, m.Status, m.TurnEngineID, m.TurnModelID, m.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// FlushAssistantBlocks writes the supervisor's in-memory blocks and status
// in a single row update.
func (s *Store) FlushAssistantBlocks(ctx context.Context, messageID string, blocks []ai.ContentBlock, status ai.MessageStatus) error {
	raw, err := ai.MarshalBlocks(blocks)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE messages SET blocks_json = ?, status = ? WHERE id = ?`, string(raw), status, messageID)
	return err
}

// CompleteAssistantMessage is the final, terminal-status persist for a
// turn; called exactly once per supervisor run.
func (s *Store) CompleteAssistantMessage(ctx context.Context, messageID string, blocks []ai.ContentBlock, status ai.MessageStatus, usage ai.TokenUsage) error {
	raw, err := ai.MarshalBlocks(blocks)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE messages SET blocks_json = ?, status = ?, token_input = ?, token_output = ? WHERE id = ?`,
		string(raw), status, usage.Input, usage.Output, messageID)
	return err
}

// SetMessageStatus updates only a message's status, leaving blocks_json
// untouched; used by the startup recovery pass to flip a dangling
// Streaming assistant message to Interrupted without disturbing whatever
// partial blocks it already captured.
func (s *Store) SetMessageStatus(ctx context.Context, messageID string, status ai.MessageStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, string(status), messageID)
	return err
}

func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	return scanMessage(s.db.QueryRowContext(ctx, messageSelect+` WHERE id = ?`, id))
}

const messageSelect = `SELECT id, thread_id, role, coalesce(content, ''), blocks_json, schema_version, status, token_input, token_output, coalesce(turn_engine_id,''), coalesce(turn_model_id,''), coalesce(turn_reasoning_effort,''), created_at FROM messages`

func scanMessage(row *sql.Row) (Message, error) {
	var m Message
	var blocksJSON string
	if err := row.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &blocksJSON, &m.SchemaVersion, &m.Status, &m.TokenInput, &m.TokenOutput, &m.TurnEngineID, &m.TurnModelID, &m.TurnReasoningEffort, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	blocks, err := ai.UnmarshalBlocks([]byte(blocksJSON))
	if err != nil {
		return Message{}, err
	}
	m.Blocks = blocks
	return m, nil
}

// GetThreadMessages returns messages ordered by created_at ascending.
func (s *Store) GetThreadMessages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, role, coalesce(content, ''), blocks_json, schema_version, status, token_input, token_output, coalesce(turn_engine_id,''), coalesce(turn_model_id,''), coalesce(turn_reasoning_effort,''), created_at
		FROM messages WHERE thread_id = ? ORDER BY created_at ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var blocksJSON string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &blocksJSON, &m.SchemaVersion, &m.Status, &m.TokenInput, &m.TokenOutput, &m.TurnEngineID, &m.TurnModelID, &m.TurnReasoningEffort, &m.CreatedAt); err != nil {
			return nil, err
		}
		blocks, err := ai.UnmarshalBlocks([]byte(blocksJSON))
		if err != nil {
			return nil, err
		}
		m.Blocks = blocks
		out = append(out, m)
	}
	return out, rows.Err()
}

// LatestAssistantMessage returns the most recent assistant message for a
// thread, used by the startup recovery pass and by the service's direct
// patch of a late approval answer.
func (s *Store) LatestAssistantMessage(ctx context.Context, threadID string) (Message, bool, error) {
	row := s.db.QueryRowContext(ctx, messageSelect+` WHERE thread_id = ? AND role = 'assistant' ORDER BY created_at DESC LIMIT 1`, threadID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

// SearchResult is one FTS hit.
type SearchResult struct {
	MessageID string
	ThreadID  string
	Snippet   string
}

// SearchMessages runs FTS over message text scoped to a workspace,
// returning up to 50 results with a ≤12-token snippet.
func (s *Store) SearchMessages(ctx context.Context, workspaceID, query string) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.thread_id, snippet(messages_fts, 0, '[', ']', '...', 12)
		FROM messages_fts
		JOIN messages m ON m.rowid = messages_fts.rowid
		JOIN threads t ON t.id = m.thread_id
		WHERE messages_fts MATCH ? AND t.workspace_id = ?
		ORDER BY rank
		LIMIT 50`, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.MessageID, &r.ThreadID, &r.Snippet); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Actions & approvals (flat side-records) ---

type ActionRecord struct {
	ID             string
	ThreadID       string
	MessageID      string
	EngineActionID string
	ActionType     ai.ActionType
	Summary        string
	DetailsJSON    string
	Status         ai.ActionStatus
	ResultJSON     string
	DurationMS     *int64
}

func (s *Store) UpsertAction(ctx context.Context, a ActionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (id, thread_id, message_id, engine_action_id, action_type, summary, details_json, status, result_json, duration_ms)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, NULLIF(?, ''), ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			summary = excluded.summary,
			details_json = excluded.details_json,
			result_json = excluded.result_json,
			duration_ms = excluded.duration_ms`,
		a.ID, a.ThreadID, a.MessageID, a.EngineActionID, a.ActionType, a.Summary, a.DetailsJSON, a.Status, a.ResultJSON, a.DurationMS)
	return err
}

func (s *Store) ListActionsForMessage(ctx context.Context, messageID string) ([]ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, thread_id, message_id, coalesce(engine_action_id,''), action_type, summary, details_json, status, coalesce(result_json,''), duration_ms FROM actions WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ActionRecord
	for rows.Next() {
		var a ActionRecord
		if err := rows.Scan(&a.ID, &a.ThreadID, &a.MessageID, &a.EngineActionID, &a.ActionType, &a.Summary, &a.DetailsJSON, &a.Status, &a.ResultJSON, &a.DurationMS); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type ApprovalRecord struct {
	ID          string
	ThreadID    string
	MessageID   string
	ActionType  ai.ActionType
	Summary     string
	DetailsJSON string
	Status      ai.ApprovalStatus
	Decision    string
	AnsweredAt  *int64
}

func (s *Store) UpsertApproval(ctx context.Context, a ApprovalRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, thread_id, message_id, action_type, summary, details_json, status, decision, answered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, decision = excluded.decision, answered_at = excluded.answered_at`,
		a.ID, a.ThreadID, a.MessageID, a.ActionType, a.Summary, a.DetailsJSON, a.Status, a.Decision, a.AnsweredAt)
	return err
}

// AnswerApproval updates the flat side-record's status/decision. The
// caller (the service's RespondToApproval) is responsible for also mutating the embedded
// Approval block in the same logical operation so the two projections
// never diverge.
func (s *Store) AnswerApproval(ctx context.Context, approvalID, decision string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE approvals SET status = 'answered', decision = ?, answered_at = ? WHERE id = ?`, decision, nowMs(), approvalID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("approval %s not found", approvalID)
	}
	return nil
}

func (s *Store) GetApproval(ctx context.Context, approvalID string) (ApprovalRecord, error) {
	var a ApprovalRecord
	var answeredAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT id, thread_id, message_id, action_type, summary, details_json, status, coalesce(decision,''), answered_at FROM approvals WHERE id = ?`, approvalID).
		Scan(&a.ID, &a.ThreadID, &a.MessageID, &a.ActionType, &a.Summary, &a.DetailsJSON, &a.Status, &a.Decision, &answeredAt)
	if err != nil {
		return ApprovalRecord{}, err
	}
	if answeredAt.Valid {
		a.AnsweredAt = &answeredAt.Int64
	}
	return a, nil
}

// --- Engine event logs (debug-only) ---

// AppendEngineEventLog records one raw engine event for offline debugging.
// Only written when the operator enables debug event logging; never read
// on the hot path.
func (s *Store) AppendEngineEventLog(ctx context.Context, threadID, messageID, eventJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engine_event_logs (thread_id, message_id, event_json, created_at)
		VALUES (?, ?, ?, ?)`, threadID, messageID, eventJSON, nowMs())
	return err
}

// EngineEventLog is one row of the debug event log.
type EngineEventLog struct {
	ID        int64
	ThreadID  string
	MessageID string
	EventJSON string
	CreatedAt int64
}

func (s *Store) ListEngineEventLogs(ctx context.Context, messageID string) ([]EngineEventLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, thread_id, message_id, event_json, created_at FROM engine_event_logs WHERE message_id = ? ORDER BY id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EngineEventLog
	for rows.Next() {
		var l EngineEventLog
		if err := rows.Scan(&l.ID, &l.ThreadID, &l.MessageID, &l.EventJSON, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Recovery ---

// DanglingStreamingMessage is an assistant message a prior process left in
// Streaming state, paired with its thread id for the recovery pass.
type DanglingStreamingMessage struct {
	MessageID string
	ThreadID  string
}

func (s *Store) ListDanglingStreamingMessages(ctx context.Context) ([]DanglingStreamingMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, thread_id FROM messages WHERE role = 'assistant' AND status = 'streaming'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DanglingStreamingMessage
	for rows.Next() {
		var d DanglingStreamingMessage
		if err := rows.Scan(&d.MessageID, &d.ThreadID); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListThreadIDsByStatus returns the ids of every thread whose status is
// exactly status. The startup recovery pass calls it per status and checks
// each thread's latest assistant message itself.
func (s *Store) ListThreadIDsByStatus(ctx context.Context, status ai.ThreadStatus) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM threads WHERE status = ?`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
