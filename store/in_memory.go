package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/olbrasoft/monolog/core"
)

// InMemoryStore is a volatile MonologStore keeping sessions and monologs in
// process local maps. It is safe for concurrent access and is the reference
// implementation of the store semantics: every mutating operation is a single
// read-modify-write under the lock, and returned monologs are cloned to
// prevent external mutation of internal state.
type InMemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]*core.Session // keyed by external session id
	sessionsByRef map[int64]*core.Session
	monologs      map[int64]*core.Monolog
	participants  map[string]core.Participant // keyed by lowercased identifier
	providers     map[string]int64            // keyed by lowercased provider name
	nextSession   int64
	nextMonolog   int64
	now           func() time.Time
}

// Compile-time assertion.
var _ core.MonologStore = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty in-memory store with the provider and
// mode reference data seeded.
func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{
		sessions:      make(map[string]*core.Session),
		sessionsByRef: make(map[int64]*core.Session),
		monologs:      make(map[int64]*core.Monolog),
		participants:  make(map[string]core.Participant),
		providers:     make(map[string]int64, len(core.KnownProviders)),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for i, name := range core.KnownProviders {
		s.providers[strings.ToLower(name)] = int64(i + 1)
	}
	return s
}

// CreateSession upserts a session by external id. The ref of an existing
// session is stable; non-nil title/directory refresh its metadata.
func (s *InMemoryStore) CreateSession(_ context.Context, sessionID string, title, directory *string, createdAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		changed := false
		if title != nil {
			sess.Title = title
			changed = true
		}
		if directory != nil {
			sess.WorkingDirectory = directory
			changed = true
		}
		if changed {
			now := s.now()
			sess.UpdatedAt = &now
		}
		return sess.ID, nil
	}

	if createdAt.IsZero() {
		createdAt = s.now()
	}
	s.nextSession++
	sess := &core.Session{
		ID:               s.nextSession,
		SessionID:        sessionID,
		Title:            title,
		WorkingDirectory: directory,
		CreatedAt:        createdAt,
	}
	s.sessions[sessionID] = sess
	s.sessionsByRef[sess.ID] = sess
	return sess.ID, nil
}

// GetSessionRef resolves an external session id to its store ref.
func (s *InMemoryStore) GetSessionRef(_ context.Context, sessionID string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return 0, false, nil
	}
	return sess.ID, true, nil
}

// CreateMonolog creates an open monolog after validating its references.
func (s *InMemoryStore) CreateMonolog(_ context.Context, m core.NewMonolog) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessionsByRef[m.SessionRef]; !ok {
		return 0, fmt.Errorf("%w: ref %d", core.ErrUnknownSession, m.SessionRef)
	}
	if !m.Role.Valid() {
		return 0, fmt.Errorf("invalid role %d", m.Role)
	}
	if !m.Mode.Valid() {
		return 0, fmt.Errorf("%w: %d", core.ErrUnknownMode, m.Mode)
	}
	if m.Role == core.RoleAssistant && m.ParentID == nil {
		return 0, core.ErrMissingParent
	}
	if m.ParentID != nil {
		if _, ok := s.monologs[*m.ParentID]; !ok {
			return 0, fmt.Errorf("%w: parent %d not found", core.ErrMissingParent, *m.ParentID)
		}
	}
	providerID, ok := s.providers[strings.ToLower(m.Provider)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", core.ErrUnknownProvider, m.Provider)
	}

	participant := s.registerParticipantLocked(m.Participant)

	startedAt := m.StartedAt
	if startedAt.IsZero() {
		startedAt = s.now()
	}
	now := s.now()
	s.nextMonolog++
	mono := &core.Monolog{
		ID:                s.nextMonolog,
		SessionID:         m.SessionRef,
		ParentMonologID:   m.ParentID,
		Role:              m.Role,
		FirstMessageID:    m.FirstMessageID,
		LastSeenMessageID: m.FirstMessageID,
		Content:           m.Content,
		ParticipantID:     participant.ID,
		ProviderID:        providerID,
		ModeID:            int64(m.Mode),
		StartedAt:         startedAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	applyUsage(mono, m.Usage)
	s.monologs[mono.ID] = mono
	return mono.ID, nil
}

// GetOpenMonolog returns the open monolog for (session, role), or nil. When
// the single-open invariant is violated the most recently started one wins.
func (s *InMemoryStore) GetOpenMonolog(_ context.Context, sessionRef int64, role core.Role) (*core.Monolog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *core.Monolog
	for _, m := range s.monologs {
		if m.SessionID != sessionRef || m.Role != role || !m.Open() {
			continue
		}
		if best == nil || m.StartedAt.After(best.StartedAt) || (m.StartedAt.Equal(best.StartedAt) && m.ID > best.ID) {
			best = m
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Clone(), nil
}

// GetLatestClosedMonolog returns the most recently completed monolog for
// (session, role), or nil.
func (s *InMemoryStore) GetLatestClosedMonolog(_ context.Context, sessionRef int64, role core.Role) (*core.Monolog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *core.Monolog
	for _, m := range s.monologs {
		if m.SessionID != sessionRef || m.Role != role || m.Open() {
			continue
		}
		if best == nil || m.CompletedAt.After(*best.CompletedAt) || (m.CompletedAt.Equal(*best.CompletedAt) && m.ID > best.ID) {
			best = m
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Clone(), nil
}

// AppendContent appends text to an open monolog with a blank-line separator.
func (s *InMemoryStore) AppendContent(_ context.Context, monologID int64, messageID, text string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.monologs[monologID]
	if !ok || !m.Open() {
		return false, nil
	}
	if m.Content == "" {
		m.Content = text
	} else {
		m.Content = m.Content + "\n\n" + text
	}
	if messageID != "" {
		m.LastSeenMessageID = messageID
	}
	m.UpdatedAt = s.now()
	return true, nil
}

// ReplaceContent replaces an open monolog's content wholesale.
func (s *InMemoryStore) ReplaceContent(_ context.Context, monologID int64, messageID, text string, usage *core.Usage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.monologs[monologID]
	if !ok || !m.Open() {
		return false, nil
	}
	m.Content = text
	if messageID != "" {
		m.LastSeenMessageID = messageID
	}
	applyUsage(m, usage)
	m.UpdatedAt = s.now()
	return true, nil
}

// Close completes an open monolog; a second close on the same id is a no-op
// returning false.
func (s *InMemoryStore) Close(_ context.Context, req core.CloseRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.monologs[req.MonologID]
	if !ok || !m.Open() {
		return false, nil
	}
	if req.FinalContent != nil && *req.FinalContent != "" {
		m.Content = *req.FinalContent
	}
	last := req.LastMessageID
	if last == "" {
		last = m.LastSeenMessageID
	}
	m.LastMessageID = &last
	completedAt := req.CompletedAt
	if completedAt.IsZero() {
		completedAt = s.now()
	}
	m.CompletedAt = &completedAt
	m.IsAborted = req.IsAborted
	applyUsage(m, req.Usage)
	m.UpdatedAt = s.now()
	return true, nil
}

// ListMissingEmbedding returns closed monologs with content but no embedding,
// oldest completion first.
func (s *InMemoryStore) ListMissingEmbedding(_ context.Context, limit int) ([]*core.Monolog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}
	var pending []*core.Monolog
	for _, m := range s.monologs {
		if m.Open() || m.Embedding != nil || m.Content == "" {
			continue
		}
		pending = append(pending, m)
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CompletedAt.Equal(*pending[j].CompletedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CompletedAt.Before(*pending[j].CompletedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]*core.Monolog, len(pending))
	for i, m := range pending {
		out[i] = m.Clone()
	}
	return out, nil
}

// SetEmbedding attaches the vector to a closed monolog. Returns false when
// the monolog is missing or still open.
func (s *InMemoryStore) SetEmbedding(_ context.Context, monologID int64, vector []float32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.monologs[monologID]
	if !ok || m.Open() {
		return false, nil
	}
	m.Embedding = make([]float32, len(vector))
	copy(m.Embedding, vector)
	m.UpdatedAt = s.now()
	return true, nil
}

// Search ranks closed, embedded monologs by cosine similarity descending.
func (s *InMemoryStore) Search(_ context.Context, q core.SearchQuery) ([]core.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	var results []core.SearchResult
	for _, m := range s.monologs {
		if m.Open() || m.Embedding == nil {
			continue
		}
		if q.SessionRef != nil && m.SessionID != *q.SessionRef {
			continue
		}
		similarity := core.CosineSimilarity(q.Vector, m.Embedding)
		if similarity < q.MinSimilarity {
			continue
		}
		results = append(results, core.SearchResult{Monolog: m.Clone(), Similarity: similarity})
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

// GetParticipant returns the registered participant for an identifier.
func (s *InMemoryStore) GetParticipant(identifier string) (core.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[strings.ToLower(identifier)]
	return p, ok
}

// registerParticipantLocked resolves or auto-registers a participant; caller
// must hold the write lock.
func (s *InMemoryStore) registerParticipantLocked(identifier string) core.Participant {
	key := strings.ToLower(identifier)
	if p, ok := s.participants[key]; ok {
		return p
	}
	p := core.Participant{
		ID:         uuid.New(),
		Identifier: identifier,
		Label:      identifier,
		Type:       core.ParticipantTypeFor(identifier),
	}
	s.participants[key] = p
	return p
}

// applyUsage merges reported usage into the monolog, last value wins per
// field. Absent fields keep the prior value.
func applyUsage(m *core.Monolog, u *core.Usage) {
	if u == nil {
		return
	}
	if u.TokensInput != nil {
		v := *u.TokensInput
		m.TokensInput = &v
	}
	if u.TokensOutput != nil {
		v := *u.TokensOutput
		m.TokensOutput = &v
	}
	if u.Cost != nil {
		v := *u.Cost
		m.Cost = &v
	}
}
