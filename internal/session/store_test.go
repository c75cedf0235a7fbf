package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoic-persona/server/internal/core"
	"github.com/stoic-persona/server/internal/store"
)

// fakeDB is an in-memory ConversationStore with monotonically increasing
// timestamps so ordering assertions are deterministic.
type fakeDB struct {
	mu            sync.Mutex
	conversations map[string]*store.Conversation
	messages      map[string][]store.Message
	seq           int
	now           time.Time
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		conversations: make(map[string]*store.Conversation),
		messages:      make(map[string][]store.Message),
		now:           time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeDB) tick() time.Time {
	f.now = f.now.Add(time.Second)
	return f.now
}

func (f *fakeDB) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeDB) CreateConversation(userID, title string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.tick()
	conv := &store.Conversation{
		ID:        f.nextID("conv"),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.conversations[conv.ID] = conv
	copied := *conv
	return &copied, nil
}

func (f *fakeDB) GetConversationByID(conversationID, userID string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return nil, nil
	}
	copied := *conv
	return &copied, nil
}

func (f *fakeDB) GetConversationsByUserID(userID string) ([]store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Conversation
	for _, conv := range f.conversations {
		if conv.UserID == userID {
			out = append(out, *conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (f *fakeDB) UpdateConversationOnMessage(conversationID, userID, lastMessage string, newTitle *string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return nil, errors.New("conversation not found or not owned by user")
	}
	conv.LastMessage = lastMessage
	if newTitle != nil {
		conv.Title = *newTitle
	}
	conv.UpdatedAt = f.tick()
	copied := *conv
	return &copied, nil
}

func (f *fakeDB) DeleteConversation(conversationID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return errors.New("conversation not found or not owned by user")
	}
	delete(f.conversations, conversationID)
	delete(f.messages, conversationID)
	return nil
}

func (f *fakeDB) CreateMessage(msg *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.ID = f.nextID("msg")
	msg.CreatedAt = f.tick()
	f.messages[msg.ConversationID] = append(f.messages[msg.ConversationID], *msg)
	return nil
}

func (f *fakeDB) GetMessagesByConversationID(conversationID string) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Message, len(f.messages[conversationID]))
	copy(out, f.messages[conversationID])
	return out, nil
}

// fakePDFs implements PDFSources in memory.
type fakePDFs struct {
	mu          sync.Mutex
	sources     []store.Source
	uploadCalls int
	listErr     error
	seq         int
	now         time.Time
}

func (f *fakePDFs) UploadPDF(fileName, mimeType string, data []byte, userID string) (*store.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++
	f.seq++
	f.now = f.now.Add(time.Second)
	src := store.Source{
		ID:      fmt.Sprintf("pdf-%d", f.seq),
		UserID:  userID,
		Type:    store.SourceTypePDF,
		Name:    fileName,
		Content: string(data),
		AddedAt: f.now,
	}
	f.sources = append(f.sources, src)
	return &src, nil
}

func (f *fakePDFs) GetPDFs(userID string) ([]store.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]store.Source, len(f.sources))
	copy(out, f.sources)
	return out, nil
}

func (f *fakePDFs) DeletePDF(sourceID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, src := range f.sources {
		if src.ID == sourceID {
			f.sources = append(f.sources[:i], f.sources[i+1:]...)
			return nil
		}
	}
	return errors.New("source not found or not owned by user")
}

// fakeURLs implements URLSources in memory.
type fakeURLs struct {
	mu         sync.Mutex
	sources    []store.Source
	visitCalls int
	listErr    error
	seq        int
	now        time.Time
}

func (f *fakeURLs) VisitURL(ctx context.Context, pageURL, userID string) (*store.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visitCalls++
	f.seq++
	f.now = f.now.Add(time.Second)
	src := store.Source{
		ID:      fmt.Sprintf("url-%d", f.seq),
		UserID:  userID,
		Type:    store.SourceTypeURL,
		Name:    pageURL,
		URL:     pageURL,
		Content: "content of " + pageURL,
		AddedAt: f.now,
	}
	f.sources = append(f.sources, src)
	return &src, nil
}

func (f *fakeURLs) GetURLs(userID string) ([]store.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]store.Source, len(f.sources))
	copy(out, f.sources)
	return out, nil
}

func (f *fakeURLs) DeleteURL(sourceID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, src := range f.sources {
		if src.ID == sourceID {
			f.sources = append(f.sources[:i], f.sources[i+1:]...)
			return nil
		}
	}
	return errors.New("source not found or not owned by user")
}

// fakeAI records what it was asked and returns a scripted reply.
type fakeAI struct {
	mu       sync.Mutex
	reply    string
	err      error
	messages []core.ChatMessage
	sources  []store.Source
}

func (f *fakeAI) GetAIResponse(ctx context.Context, messages []core.ChatMessage, sources []store.Source, conversationID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append([]core.ChatMessage(nil), messages...)
	f.sources = append([]store.Source(nil), sources...)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

// fakeCompleter stands in for the LLM when the real AIService is under test.
type fakeCompleter struct {
	mu     sync.Mutex
	reply  string
	prompt []core.ChatMessage
}

func (f *fakeCompleter) GetChatCompletion(ctx context.Context, messages []core.ChatMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompt = append([]core.ChatMessage(nil), messages...)
	return f.reply, nil
}

func testUser() *store.User {
	return &store.User{ID: "user-1", Email: "ada@example.com", DisplayName: "Ada"}
}

func newTestStore(t *testing.T) (*Store, *fakeDB, *fakePDFs, *fakeURLs, *fakeAI) {
	t.Helper()
	db := newFakeDB()
	pdfs := &fakePDFs{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	urls := &fakeURLs{now: time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)}
	ai := &fakeAI{reply: "assistant reply"}
	return NewStore(testUser(), db, pdfs, urls, ai), db, pdfs, urls, ai
}

func TestCreateNewConversationAppearsFirstAndEmpty(t *testing.T) {
	st, _, _, _, _ := newTestStore(t)

	_, err := st.CreateNewConversation()
	require.NoError(t, err)
	id, err := st.CreateNewConversation()
	require.NoError(t, err)

	conversations := st.Conversations()
	require.Len(t, conversations, 2)
	assert.Equal(t, id, conversations[0].ID)
	assert.Equal(t, "New Conversation", conversations[0].Title)
	assert.Equal(t, id, st.CurrentConversation())
	assert.Empty(t, st.Messages())
}

func TestSendMessageSetsTitleAndLastMessageFromFirstMessage(t *testing.T) {
	st, _, _, _, _ := newTestStore(t)

	id, err := st.CreateNewConversation()
	require.NoError(t, err)

	require.NoError(t, st.SendMessage(context.Background(), "hello"))

	conversations := st.Conversations()
	require.Len(t, conversations, 1)
	assert.Equal(t, id, conversations[0].ID)
	assert.Equal(t, "hello", conversations[0].Title)
	assert.Equal(t, "hello", conversations[0].LastMessage)

	// A later message bumps lastMessage but keeps the original title.
	require.NoError(t, st.SendMessage(context.Background(), "second question"))
	conversations = st.Conversations()
	assert.Equal(t, "hello", conversations[0].Title)
	assert.Equal(t, "second question", conversations[0].LastMessage)
}

func TestSendMessageAppendsUserAndAssistantMessages(t *testing.T) {
	st, db, _, _, ai := newTestStore(t)
	ai.reply = "hi there"

	id, err := st.CreateNewConversation()
	require.NoError(t, err)
	require.NoError(t, st.SendMessage(context.Background(), "hello"))

	messages := st.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, store.RoleAssistant, messages[1].Role)
	assert.Equal(t, "hi there", messages[1].Content)

	persisted, err := db.GetMessagesByConversationID(id)
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
	assert.False(t, st.IsThinking())
	assert.False(t, st.IsLoading())
}

func TestSendMessageBlankOrNoSelectionIsNoOp(t *testing.T) {
	st, _, _, _, ai := newTestStore(t)

	require.NoError(t, st.SendMessage(context.Background(), "   "))
	require.NoError(t, st.SendMessage(context.Background(), "no conversation selected"))
	assert.Empty(t, ai.messages)
	assert.Empty(t, st.Messages())
}

func TestSendMessageUnauthorizedConversationDoesNotMutate(t *testing.T) {
	st, db, _, _, ai := newTestStore(t)

	// Conversation owned by somebody else.
	other, err := db.CreateConversation("user-2", "theirs")
	require.NoError(t, err)

	err = st.SelectConversation(other.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, st.CurrentConversation())

	// Even with the id forced in, the ownership check aborts the send.
	st.currentConversation = other.ID
	err = st.SendMessage(context.Background(), "hijack attempt")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, ai.messages)

	persisted, err := db.GetMessagesByConversationID(other.ID)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestSendMessageAIFailureKeepsUserMessage(t *testing.T) {
	st, db, _, _, ai := newTestStore(t)
	ai.err = errors.New("model unavailable")

	id, err := st.CreateNewConversation()
	require.NoError(t, err)

	err = st.SendMessage(context.Background(), "hello")
	require.Error(t, err)

	// The user message stays persisted and visible; no assistant reply.
	messages := st.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, store.RoleUser, messages[0].Role)

	persisted, err := db.GetMessagesByConversationID(id)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.False(t, st.IsThinking())
	assert.False(t, st.IsLoading())
}

func TestAIReceivesSourceContextBeforeUserMessage(t *testing.T) {
	db := newFakeDB()
	pdfs := &fakePDFs{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	urls := &fakeURLs{now: time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)}
	completer := &fakeCompleter{reply: "I worked on WCAG 2.1 compliance."}
	st := NewStore(testUser(), db, pdfs, urls, core.NewAIService(completer))

	_, err := pdfs.UploadPDF("resume.pdf", "application/pdf", []byte("Worked on WCAG 2.1 compliance for X Corp"), "user-1")
	require.NoError(t, err)
	require.NoError(t, st.LoadSources())

	_, err = st.CreateNewConversation()
	require.NoError(t, err)
	require.NoError(t, st.SendMessage(context.Background(), "What is your accessibility experience?"))

	require.NotEmpty(t, completer.prompt)
	assert.Equal(t, "system", completer.prompt[0].Role)
	assert.Contains(t, completer.prompt[0].Content, "Worked on WCAG 2.1 compliance for X Corp")

	var userIdx int
	for i, msg := range completer.prompt {
		if msg.Role == store.RoleUser && strings.Contains(msg.Content, "accessibility experience") {
			userIdx = i
		}
	}
	assert.Greater(t, userIdx, 0, "source context must precede the user's message")

	messages := st.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, "What is your accessibility experience?", messages[0].Content)
	assert.Equal(t, store.RoleAssistant, messages[1].Role)
	assert.Equal(t, "I worked on WCAG 2.1 compliance.", messages[1].Content)
}

func TestLoadSourcesSortedByAddedAtDescending(t *testing.T) {
	st, _, pdfs, urls, _ := newTestStore(t)

	// Interleave creation times across the two services.
	_, err := pdfs.UploadPDF("a.pdf", "application/pdf", []byte("a"), "user-1")
	require.NoError(t, err)
	_, err = urls.VisitURL(context.Background(), "https://example.com/1", "user-1")
	require.NoError(t, err)
	_, err = pdfs.UploadPDF("b.pdf", "application/pdf", []byte("b"), "user-1")
	require.NoError(t, err)

	require.NoError(t, st.LoadSources())

	sources := st.Sources()
	require.Len(t, sources, 3)
	for i := 1; i < len(sources); i++ {
		assert.True(t, !sources[i].AddedAt.After(sources[i-1].AddedAt),
			"sources must be sorted by addedAt descending")
	}
}

func TestLoadSourcesFailureLeavesListUntouched(t *testing.T) {
	st, _, pdfs, urls, _ := newTestStore(t)

	_, err := urls.VisitURL(context.Background(), "https://example.com", "user-1")
	require.NoError(t, err)
	require.NoError(t, st.LoadSources())
	require.Len(t, st.Sources(), 1)

	pdfs.listErr = errors.New("pdf backend down")
	require.Error(t, st.LoadSources())
	assert.Len(t, st.Sources(), 1)
}

func TestUploadFileRejectsNonPDFBeforeAnyCall(t *testing.T) {
	st, _, pdfs, _, _ := newTestStore(t)

	_, err := st.UploadFile("notes.txt", "text/plain", []byte("plain text"))
	assert.ErrorIs(t, err, core.ErrNotPDF)
	assert.Zero(t, pdfs.uploadCalls)
	assert.Empty(t, st.Sources())
}

func TestAddURLThenRemoveSourceRoundTrip(t *testing.T) {
	st, _, pdfs, _, _ := newTestStore(t)

	_, err := pdfs.UploadPDF("base.pdf", "application/pdf", []byte("base"), "user-1")
	require.NoError(t, err)
	require.NoError(t, st.LoadSources())

	before := make(map[string]bool)
	for _, src := range st.Sources() {
		before[src.ID] = true
	}

	added, err := st.AddURL(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Len(t, st.Sources(), 2)

	require.NoError(t, st.RemoveSource(added.ID))

	after := make(map[string]bool)
	for _, src := range st.Sources() {
		after[src.ID] = true
	}
	assert.Equal(t, before, after)
}

func TestRemoveSourceDispatchesByType(t *testing.T) {
	st, _, pdfs, urls, _ := newTestStore(t)

	pdfSrc, err := pdfs.UploadPDF("a.pdf", "application/pdf", []byte("a"), "user-1")
	require.NoError(t, err)
	urlSrc, err := urls.VisitURL(context.Background(), "https://example.com", "user-1")
	require.NoError(t, err)
	require.NoError(t, st.LoadSources())

	require.NoError(t, st.RemoveSource(pdfSrc.ID))
	assert.Empty(t, pdfs.sources)
	require.Len(t, urls.sources, 1)

	require.NoError(t, st.RemoveSource(urlSrc.ID))
	assert.Empty(t, urls.sources)
	assert.Empty(t, st.Sources())
}

func TestDeleteConversation(t *testing.T) {
	st, db, _, _, _ := newTestStore(t)

	first, err := st.CreateNewConversation()
	require.NoError(t, err)
	second, err := st.CreateNewConversation()
	require.NoError(t, err)

	require.NoError(t, st.DeleteConversation(second))
	conversations := st.Conversations()
	require.Len(t, conversations, 1)
	assert.Equal(t, first, conversations[0].ID)
	assert.Empty(t, st.CurrentConversation(), "deleting the current conversation clears the selection")

	// Deleting a foreign conversation fails and mutates nothing.
	other, err := db.CreateConversation("user-2", "theirs")
	require.NoError(t, err)
	assert.ErrorIs(t, st.DeleteConversation(other.ID), ErrUnauthorized)
	stillThere, err := db.GetConversationByID(other.ID, "user-2")
	require.NoError(t, err)
	assert.NotNil(t, stillThere)
}

func TestSubscribeNotifiesOnStateChange(t *testing.T) {
	st, _, _, _, _ := newTestStore(t)

	events, cancel := st.Subscribe()
	defer cancel()

	st.SetComposeText("typing...")

	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("expected a state-change notification")
	}
}
