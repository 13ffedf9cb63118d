package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"companion-engine/internal/contextstore"
	"companion-engine/internal/domain"
)

type mockConversations struct {
	mu      sync.Mutex
	convs   map[string]*domain.Conversation
	findErr error
	saveErr error
	delErr  error
	incErr  error
	deleted []string

	// afterFind, when set, runs after an ownership read returns, letting a
	// test squeeze a concurrent mutation between a read and its write-back.
	afterFind func()
}

func newMockConversations(convs ...*domain.Conversation) *mockConversations {
	m := &mockConversations{convs: make(map[string]*domain.Conversation)}
	for _, c := range convs {
		cp := *c
		m.convs[c.ID] = &cp
	}
	return m
}

func (m *mockConversations) FindByIDAndOwner(_ context.Context, conversationID, userID string) (*domain.Conversation, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	m.mu.Lock()
	c, ok := m.convs[conversationID]
	var found *domain.Conversation
	if ok && c.UserID == userID {
		cp := *c
		found = &cp
	}
	m.mu.Unlock()
	if m.afterFind != nil {
		m.afterFind()
	}
	return found, nil
}

func (m *mockConversations) FindByUser(_ context.Context, userID string, limit int) ([]domain.Conversation, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Conversation
	for _, c := range m.convs {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockConversations) Save(_ context.Context, conv *domain.Conversation) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *conv
	m.convs[conv.ID] = &cp
	return nil
}

func (m *mockConversations) Delete(_ context.Context, conv *domain.Conversation) error {
	if m.delErr != nil {
		return m.delErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, conv.ID)
	m.deleted = append(m.deleted, conv.ID)
	return nil
}

func (m *mockConversations) UpdateTitle(_ context.Context, conversationID, title string) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s does not exist", conversationID)
	}
	c.Title = title
	return nil
}

func (m *mockConversations) UpdateStatus(_ context.Context, conversationID string, status domain.ConversationStatus) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s does not exist", conversationID)
	}
	c.Status = status
	return nil
}

func (m *mockConversations) IncrementTurn(_ context.Context, conversationID string, tokens int, at time.Time) error {
	if m.incErr != nil {
		return m.incErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s does not exist", conversationID)
	}
	c.MessageCount++
	c.TotalTokens += int64(tokens)
	c.LastActivityAt = at
	return nil
}

func (m *mockConversations) get(conversationID string) *domain.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

type mockMessages struct {
	mu        sync.Mutex
	msgs      []domain.Message
	findErr   error
	saveErr   error
	delErr    error
	searchErr error
}

func (m *mockMessages) FindRecent(_ context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Message
	for _, msg := range m.msgs {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *mockMessages) FindByID(_ context.Context, conversationID, messageID string) (*domain.Message, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.msgs {
		if msg.ConversationID == conversationID && msg.ID == messageID {
			cp := msg
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockMessages) Save(_ context.Context, msg *domain.Message) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.msgs {
		if m.msgs[i].ID == msg.ID {
			m.msgs[i] = *msg
			return nil
		}
	}
	m.msgs = append(m.msgs, *msg)
	return nil
}

func (m *mockMessages) Delete(_ context.Context, conversationID, messageID string) error {
	if m.delErr != nil {
		return m.delErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.msgs {
		if m.msgs[i].ConversationID == conversationID && m.msgs[i].ID == messageID {
			m.msgs = append(m.msgs[:i], m.msgs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *mockMessages) Search(_ context.Context, _, _ string, _, _ int) ([]domain.Message, error) {
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return nil, nil
}

func (m *mockMessages) count(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.msgs {
		if msg.ConversationID == conversationID {
			n++
		}
	}
	return n
}

type mockPersonas struct {
	personas map[string]*domain.Persona
	err      error
}

func (m *mockPersonas) FindByID(_ context.Context, personaID string) (*domain.Persona, error) {
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.personas[personaID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// scriptedStream replays chunks, then an optional error, then io.EOF.
type scriptedStream struct {
	chunks []string
	err    error
	pos    int
	closed bool
}

func (s *scriptedStream) Recv() (string, error) {
	if s.pos < len(s.chunks) {
		chunk := s.chunks[s.pos]
		s.pos++
		return chunk, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

// blockedStream delivers nothing until the release channel closes, then
// fails with context.Canceled, mimicking a provider that honors ctx.
type blockedStream struct {
	release <-chan struct{}
	closed  bool
}

func (s *blockedStream) Recv() (string, error) {
	<-s.release
	return "", context.Canceled
}

func (s *blockedStream) Close() error {
	s.closed = true
	return nil
}

type mockProvider struct {
	reply        string
	genErr       error
	stream       domain.TextStream
	streamErr    error
	capturedSys  string
	capturedText string
}

func (m *mockProvider) Generate(_ context.Context, systemPrompt, contextText, _, _ string) (string, error) {
	m.capturedSys = systemPrompt
	m.capturedText = contextText
	return m.reply, m.genErr
}

func (m *mockProvider) Stream(_ context.Context, systemPrompt, contextText, _, _ string) (domain.TextStream, error) {
	m.capturedSys = systemPrompt
	m.capturedText = contextText
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	return m.stream, nil
}

func (m *mockProvider) EstimateTokens(text string) int {
	return len(text) / 4
}

// nativeProvider additionally reports provider-native token counts.
type nativeProvider struct {
	mockProvider
	nativeTokens int
}

func (p *nativeProvider) NativeTokenCount(_ string) (int, bool) {
	return p.nativeTokens, true
}

type mockFilter struct {
	safe bool
	err  error
}

func (m *mockFilter) IsSafe(_ context.Context, _ string) (bool, error) {
	return m.safe, m.err
}

// failingCache errors on every operation so tests can assert the engine
// degrades to an empty cache.
type failingCache struct{}

func (failingCache) Summary(context.Context, string) (string, error) {
	return "", errors.New("cache down")
}
func (failingCache) SetSummary(context.Context, string, string) error { return errors.New("cache down") }
func (failingCache) SetSnapshot(context.Context, string, string) error {
	return errors.New("cache down")
}
func (failingCache) Memory(context.Context, string, string) (string, error) {
	return "", errors.New("cache down")
}
func (failingCache) SetMemory(context.Context, string, string, string) error {
	return errors.New("cache down")
}
func (failingCache) Clear(context.Context, string) error { return errors.New("cache down") }

// recordingCache records snapshot writes on top of a real store.
type recordingCache struct {
	contextstore.Store
	mu        sync.Mutex
	snapshots map[string]string
}

func (r *recordingCache) SetSnapshot(ctx context.Context, conversationID, snapshot string) error {
	r.mu.Lock()
	if r.snapshots == nil {
		r.snapshots = make(map[string]string)
	}
	r.snapshots[conversationID] = snapshot
	r.mu.Unlock()
	return r.Store.SetSnapshot(ctx, conversationID, snapshot)
}

type testEnv struct {
	svc           *Service
	conversations *mockConversations
	messages      *mockMessages
	personas      *mockPersonas
	provider      *mockProvider
	filter        *mockFilter
	cache         *contextstore.MemoryStore
}

func testConversation() *domain.Conversation {
	return &domain.Conversation{
		ID:        "conv-1",
		UserID:    "user-1",
		PersonaID: "persona-1",
		Title:     "Chat with Ada",
		Status:    domain.StatusActive,
	}
}

func testPersona() *domain.Persona {
	return &domain.Persona{
		ID:           "persona-1",
		Name:         "Ada",
		SystemPrompt: "Be terse.",
		ModelName:    "gpt-4o-mini",
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		conversations: newMockConversations(testConversation()),
		messages:      &mockMessages{},
		personas:      &mockPersonas{personas: map[string]*domain.Persona{"persona-1": testPersona()}},
		provider:      &mockProvider{},
		filter:        &mockFilter{safe: true},
		cache:         contextstore.NewMemoryStore(),
	}
	svc, err := NewService(env.conversations, env.messages, env.personas, env.provider, env.filter, env.cache, 20, 4000)
	require.NoError(t, err)
	env.svc = svc
	return env
}

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, CodeOf(err))
}

func TestNewService_ValidatesDependencies(t *testing.T) {
	env := newTestEnv(t)

	_, err := NewService(nil, env.messages, env.personas, env.provider, env.filter, env.cache, 0, 0)
	require.Error(t, err)
	_, err = NewService(env.conversations, nil, env.personas, env.provider, env.filter, env.cache, 0, 0)
	require.Error(t, err)
	_, err = NewService(env.conversations, env.messages, env.personas, env.provider, env.filter, nil, 0, 0)
	require.Error(t, err)
}

func TestNewService_DefaultsLimits(t *testing.T) {
	env := newTestEnv(t)

	svc, err := NewService(env.conversations, env.messages, env.personas, env.provider, env.filter, env.cache, 0, -5)
	require.NoError(t, err)
	require.Equal(t, defaultMaxContextMessages, svc.maxContextMessages)
	require.Equal(t, defaultMaxContextTokens, svc.maxContextTokens)
}
