// Package sqlite implements core.MonologStore on a local SQLite database via
// database/sql and the pure-Go modernc.org/sqlite driver. The schema and
// reference data are applied on open; WAL keeps concurrent readers responsive
// while the aggregator writes. A partial unique index enforces the
// one-open-monolog-per-(session,role) invariant at the storage layer.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/olbrasoft/monolog/core"
)

// Store is a SQLite-backed MonologStore. It also implements
// core.QuarantineSink by recording rejected payloads in the error_logs table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Compile-time assertions.
var (
	_ core.MonologStore   = (*Store)(nil)
	_ core.QuarantineSink = (*Store)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL UNIQUE,
	title TEXT,
	working_directory TEXT,
	created_at_ns INTEGER NOT NULL,
	updated_at_ns INTEGER
);

CREATE TABLE IF NOT EXISTS participant_types (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS participants (
	id TEXT PRIMARY KEY,
	identifier TEXT NOT NULL UNIQUE COLLATE NOCASE,
	label TEXT NOT NULL,
	participant_type_id INTEGER NOT NULL REFERENCES participant_types(id)
);

CREATE TABLE IF NOT EXISTS providers (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE COLLATE NOCASE
);

CREATE TABLE IF NOT EXISTS modes (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS monologs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	parent_monolog_id INTEGER REFERENCES monologs(id),
	role INTEGER NOT NULL,
	first_message_id TEXT NOT NULL,
	last_message_id TEXT,
	last_seen_message_id TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	embedding BLOB,
	participant_id TEXT NOT NULL REFERENCES participants(id),
	provider_id INTEGER NOT NULL REFERENCES providers(id),
	mode_id INTEGER NOT NULL REFERENCES modes(id),
	tokens_input INTEGER,
	tokens_output INTEGER,
	cost REAL,
	started_at_ns INTEGER NOT NULL,
	completed_at_ns INTEGER,
	is_aborted INTEGER NOT NULL DEFAULT 0,
	created_at_ns INTEGER NOT NULL,
	updated_at_ns INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_monologs_single_open
	ON monologs(session_id, role) WHERE completed_at_ns IS NULL;
CREATE INDEX IF NOT EXISTS idx_monologs_missing_embedding
	ON monologs(completed_at_ns) WHERE completed_at_ns IS NOT NULL AND embedding IS NULL;
CREATE INDEX IF NOT EXISTS idx_monologs_session ON monologs(session_id);

CREATE TABLE IF NOT EXISTS error_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	occurred_at_ns INTEGER NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT
);
`

// Open opens (creating when necessary) the database at path and applies the
// schema and reference data.
func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if dir := filepath.Dir(p); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// Keep sqlite responsive under contention.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL;")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL;")
	_, _ = db.Exec("PRAGMA foreign_keys = ON;")

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// CloseDB releases the underlying database handle. Distinct from Close, which
// completes a monolog.
func (s *Store) CloseDB() error { return s.db.Close() }

func (s *Store) init() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return s.seed()
}

// seed inserts the reference data rows (providers, modes, participant types)
// when absent. Ids are stable across runs.
func (s *Store) seed() error {
	for i, name := range core.KnownProviders {
		if _, err := s.db.Exec(
			`INSERT INTO providers (id, name) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
			i+1, name,
		); err != nil {
			return fmt.Errorf("seed providers: %w", err)
		}
	}
	modes := map[int64]string{int64(core.ModeBuild): "Build", int64(core.ModePlan): "Plan"}
	for id, name := range modes {
		if _, err := s.db.Exec(
			`INSERT INTO modes (id, name) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
			id, name,
		); err != nil {
			return fmt.Errorf("seed modes: %w", err)
		}
	}
	types := map[int64]string{
		int64(core.ParticipantHuman):   "Human",
		int64(core.ParticipantAIModel): "AiModel",
		int64(core.ParticipantScript):  "Script",
		int64(core.ParticipantSystem):  "System",
	}
	for id, name := range types {
		if _, err := s.db.Exec(
			`INSERT INTO participant_types (id, name) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
			id, name,
		); err != nil {
			return fmt.Errorf("seed participant types: %w", err)
		}
	}
	return nil
}

// CreateSession upserts a session by external id and returns its ref.
func (s *Store) CreateSession(ctx context.Context, sessionID string, title, directory *string, createdAt time.Time) (int64, error) {
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, title, working_directory, created_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			title = COALESCE(excluded.title, sessions.title),
			working_directory = COALESCE(excluded.working_directory, sessions.working_directory),
			updated_at_ns = CASE
				WHEN excluded.title IS NOT NULL OR excluded.working_directory IS NOT NULL THEN ?
				ELSE sessions.updated_at_ns
			END`,
		sessionID, title, directory, createdAt.UnixNano(), s.now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("upsert session: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM sessions WHERE session_id = ?`, sessionID).Scan(&id); err != nil {
		return 0, fmt.Errorf("resolve session ref: %w", err)
	}
	return id, nil
}

// GetSessionRef resolves an external session id to its store ref.
func (s *Store) GetSessionRef(ctx context.Context, sessionID string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM sessions WHERE session_id = ?`, sessionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// CreateMonolog validates references and inserts an open monolog.
func (s *Store) CreateMonolog(ctx context.Context, m core.NewMonolog) (int64, error) {
	if !m.Role.Valid() {
		return 0, fmt.Errorf("invalid role %d", m.Role)
	}
	if !m.Mode.Valid() {
		return 0, fmt.Errorf("%w: %d", core.ErrUnknownMode, m.Mode)
	}
	if m.Role == core.RoleAssistant && m.ParentID == nil {
		return 0, core.ErrMissingParent
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var sessionExists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, m.SessionRef).Scan(&sessionExists); err != nil {
		return 0, err
	}
	if sessionExists == 0 {
		return 0, fmt.Errorf("%w: ref %d", core.ErrUnknownSession, m.SessionRef)
	}

	var providerID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM providers WHERE name = ?`, m.Provider).Scan(&providerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %q", core.ErrUnknownProvider, m.Provider)
	}
	if err != nil {
		return 0, err
	}

	if m.ParentID != nil {
		var parentExists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM monologs WHERE id = ?`, *m.ParentID).Scan(&parentExists); err != nil {
			return 0, err
		}
		if parentExists == 0 {
			return 0, fmt.Errorf("%w: parent %d not found", core.ErrMissingParent, *m.ParentID)
		}
	}

	participantID, err := s.registerParticipant(ctx, tx, m.Participant)
	if err != nil {
		return 0, err
	}

	startedAt := m.StartedAt
	if startedAt.IsZero() {
		startedAt = s.now()
	}
	nowNS := s.now().UnixNano()

	var tokensIn, tokensOut *int64
	var cost *float64
	if m.Usage != nil {
		tokensIn, tokensOut, cost = m.Usage.TokensInput, m.Usage.TokensOutput, m.Usage.Cost
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO monologs (
			session_id, parent_monolog_id, role, first_message_id, last_seen_message_id,
			content, participant_id, provider_id, mode_id,
			tokens_input, tokens_output, cost,
			started_at_ns, created_at_ns, updated_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SessionRef, m.ParentID, int64(m.Role), m.FirstMessageID, m.FirstMessageID,
		m.Content, participantID, providerID, int64(m.Mode),
		tokensIn, tokensOut, cost,
		startedAt.UnixNano(), nowNS, nowNS,
	)
	if err != nil {
		return 0, fmt.Errorf("insert monolog: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) registerParticipant(ctx context.Context, tx *sql.Tx, identifier string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM participants WHERE identifier = ?`, identifier).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	id = uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO participants (id, identifier, label, participant_type_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identifier) DO NOTHING`,
		id, identifier, identifier, int64(core.ParticipantTypeFor(identifier)),
	)
	if err != nil {
		return "", fmt.Errorf("register participant: %w", err)
	}
	// Re-read in case a concurrent insert won.
	if err := tx.QueryRowContext(ctx, `SELECT id FROM participants WHERE identifier = ?`, identifier).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

const monologColumns = `
	id, session_id, parent_monolog_id, role, first_message_id, last_message_id,
	last_seen_message_id, content, embedding, participant_id, provider_id, mode_id,
	tokens_input, tokens_output, cost, started_at_ns, completed_at_ns, is_aborted,
	created_at_ns, updated_at_ns`

// GetOpenMonolog returns the open monolog for (session, role), most recently
// started first as a defensive tiebreak.
func (s *Store) GetOpenMonolog(ctx context.Context, sessionRef int64, role core.Role) (*core.Monolog, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+monologColumns+`
		FROM monologs
		WHERE session_id = ? AND role = ? AND completed_at_ns IS NULL
		ORDER BY started_at_ns DESC, id DESC
		LIMIT 1`,
		sessionRef, int64(role),
	)
	return scanMonolog(row)
}

// GetLatestClosedMonolog returns the most recently completed monolog for
// (session, role), or nil.
func (s *Store) GetLatestClosedMonolog(ctx context.Context, sessionRef int64, role core.Role) (*core.Monolog, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+monologColumns+`
		FROM monologs
		WHERE session_id = ? AND role = ? AND completed_at_ns IS NOT NULL
		ORDER BY completed_at_ns DESC, id DESC
		LIMIT 1`,
		sessionRef, int64(role),
	)
	return scanMonolog(row)
}

// AppendContent appends text to an open monolog as one atomic UPDATE guarded
// by the open-state predicate.
func (s *Store) AppendContent(ctx context.Context, monologID int64, messageID, text string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE monologs SET
			content = CASE WHEN content = '' THEN ? ELSE content || char(10) || char(10) || ? END,
			last_seen_message_id = CASE WHEN ? = '' THEN last_seen_message_id ELSE ? END,
			updated_at_ns = ?
		WHERE id = ? AND completed_at_ns IS NULL`,
		text, text, messageID, messageID, s.now().UnixNano(), monologID,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ReplaceContent replaces an open monolog's content wholesale; non-nil usage
// supersedes the provisional metrics.
func (s *Store) ReplaceContent(ctx context.Context, monologID int64, messageID, text string, usage *core.Usage) (bool, error) {
	var tokensIn, tokensOut *int64
	var cost *float64
	if usage != nil {
		tokensIn, tokensOut, cost = usage.TokensInput, usage.TokensOutput, usage.Cost
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE monologs SET
			content = ?,
			last_seen_message_id = CASE WHEN ? = '' THEN last_seen_message_id ELSE ? END,
			tokens_input = COALESCE(?, tokens_input),
			tokens_output = COALESCE(?, tokens_output),
			cost = COALESCE(?, cost),
			updated_at_ns = ?
		WHERE id = ? AND completed_at_ns IS NULL`,
		text, messageID, messageID, tokensIn, tokensOut, cost, s.now().UnixNano(), monologID,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// Close completes an open monolog. The open-state predicate makes a second
// close (or a close racing an append) a no-op returning false.
func (s *Store) Close(ctx context.Context, req core.CloseRequest) (bool, error) {
	completedAt := req.CompletedAt
	if completedAt.IsZero() {
		completedAt = s.now()
	}
	var final *string
	if req.FinalContent != nil && *req.FinalContent != "" {
		final = req.FinalContent
	}
	var tokensIn, tokensOut *int64
	var cost *float64
	if req.Usage != nil {
		tokensIn, tokensOut, cost = req.Usage.TokensInput, req.Usage.TokensOutput, req.Usage.Cost
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE monologs SET
			content = COALESCE(?, content),
			last_message_id = CASE WHEN ? = '' THEN last_seen_message_id ELSE ? END,
			completed_at_ns = ?,
			is_aborted = ?,
			tokens_input = COALESCE(?, tokens_input),
			tokens_output = COALESCE(?, tokens_output),
			cost = COALESCE(?, cost),
			updated_at_ns = ?
		WHERE id = ? AND completed_at_ns IS NULL`,
		final, req.LastMessageID, req.LastMessageID, completedAt.UnixNano(), boolInt(req.IsAborted),
		tokensIn, tokensOut, cost, s.now().UnixNano(), req.MonologID,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ListMissingEmbedding returns closed monologs with content but no embedding,
// oldest completion first. Each call re-queries current state.
func (s *Store) ListMissingEmbedding(ctx context.Context, limit int) ([]*core.Monolog, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+monologColumns+`
		FROM monologs
		WHERE completed_at_ns IS NOT NULL AND embedding IS NULL AND content != ''
		ORDER BY completed_at_ns ASC, id ASC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMonologs(rows)
}

// SetEmbedding attaches the vector to a closed monolog.
func (s *Store) SetEmbedding(ctx context.Context, monologID int64, vector []float32) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE monologs SET embedding = ?, updated_at_ns = ?
		WHERE id = ? AND completed_at_ns IS NOT NULL`,
		encodeVector(vector), s.now().UnixNano(), monologID,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// Search loads closed, embedded candidates and ranks them in-process; SQLite
// has no native vector type, so cosine similarity is computed over the
// decoded BLOB vectors.
func (s *Store) Search(ctx context.Context, q core.SearchQuery) ([]core.SearchResult, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT ` + monologColumns + `
		FROM monologs
		WHERE completed_at_ns IS NOT NULL AND embedding IS NOT NULL`
	args := []any{}
	if q.SessionRef != nil {
		query += ` AND session_id = ?`
		args = append(args, *q.SessionRef)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candidates, err := scanMonologs(rows)
	if err != nil {
		return nil, err
	}
	var results []core.SearchResult
	for _, m := range candidates {
		similarity := core.CosineSimilarity(q.Vector, m.Embedding)
		if similarity < q.MinSimilarity {
			continue
		}
		results = append(results, core.SearchResult{Monolog: m, Similarity: similarity})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity == results[j].Similarity {
			return results[i].Monolog.ID < results[j].Monolog.ID
		}
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Quarantine implements core.QuarantineSink by recording the payload in the
// error_logs table for offline inspection.
func (s *Store) Quarantine(ctx context.Context, reason string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf("%+v", payload))
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO error_logs (occurred_at_ns, reason, payload) VALUES (?, ?, ?)`,
		s.now().UnixNano(), reason, string(data),
	)
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanMonolog(row rowScanner) (*core.Monolog, error) {
	var (
		m            core.Monolog
		parentID     sql.NullInt64
		lastMsg      sql.NullString
		embedding    []byte
		participant  string
		tokensIn     sql.NullInt64
		tokensOut    sql.NullInt64
		cost         sql.NullFloat64
		startedNS    int64
		completedNS  sql.NullInt64
		isAborted    int64
		createdNS    int64
		updatedNS    int64
		role, modeID int64
	)
	err := row.Scan(
		&m.ID, &m.SessionID, &parentID, &role, &m.FirstMessageID, &lastMsg,
		&m.LastSeenMessageID, &m.Content, &embedding, &participant, &m.ProviderID, &modeID,
		&tokensIn, &tokensOut, &cost, &startedNS, &completedNS, &isAborted,
		&createdNS, &updatedNS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Role = core.Role(role)
	m.ModeID = modeID
	if parentID.Valid {
		m.ParentMonologID = &parentID.Int64
	}
	if lastMsg.Valid {
		m.LastMessageID = &lastMsg.String
	}
	if embedding != nil {
		m.Embedding = decodeVector(embedding)
	}
	if pid, err := uuid.Parse(participant); err == nil {
		m.ParticipantID = pid
	}
	if tokensIn.Valid {
		m.TokensInput = &tokensIn.Int64
	}
	if tokensOut.Valid {
		m.TokensOutput = &tokensOut.Int64
	}
	if cost.Valid {
		m.Cost = &cost.Float64
	}
	m.StartedAt = time.Unix(0, startedNS).UTC()
	if completedNS.Valid {
		t := time.Unix(0, completedNS.Int64).UTC()
		m.CompletedAt = &t
	}
	m.IsAborted = isAborted != 0
	m.CreatedAt = time.Unix(0, createdNS).UTC()
	m.UpdatedAt = time.Unix(0, updatedNS).UTC()
	return &m, nil
}

func scanMonologs(rows *sql.Rows) ([]*core.Monolog, error) {
	var out []*core.Monolog
	for rows.Next() {
		m, err := scanMonolog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// encodeVector serializes a float32 vector as little-endian bytes for BLOB
// storage.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
