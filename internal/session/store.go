package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/stoic-persona/server/internal/core"
	"github.com/stoic-persona/server/internal/store"
)

// ErrUnauthorized is returned when a conversation does not exist or is not
// owned by the session's user. The operation aborts without mutating state.
var ErrUnauthorized = errors.New("conversation not found or unauthorized")

// placeholderTitle is the title of a conversation before its first message.
const placeholderTitle = "New Conversation"

// TabType selects which sidebar tab is active.
type TabType string

const (
	TabContext       TabType = "context"
	TabConversations TabType = "conversations"
)

// ConversationStore is the slice of the persistence layer the chat store uses.
type ConversationStore interface {
	CreateConversation(userID, title string) (*store.Conversation, error)
	GetConversationByID(conversationID, userID string) (*store.Conversation, error)
	GetConversationsByUserID(userID string) ([]store.Conversation, error)
	UpdateConversationOnMessage(conversationID, userID, lastMessage string, newTitle *string) (*store.Conversation, error)
	DeleteConversation(conversationID, userID string) error
	CreateMessage(msg *store.Message) error
	GetMessagesByConversationID(conversationID string) ([]store.Message, error)
}

// PDFSources lists, creates and deletes PDF knowledge sources.
type PDFSources interface {
	UploadPDF(fileName, mimeType string, data []byte, userID string) (*store.Source, error)
	GetPDFs(userID string) ([]store.Source, error)
	DeletePDF(sourceID, userID string) error
}

// URLSources lists, creates and deletes URL knowledge sources.
type URLSources interface {
	VisitURL(ctx context.Context, pageURL, userID string) (*store.Source, error)
	GetURLs(userID string) ([]store.Source, error)
	DeleteURL(sourceID, userID string) error
}

// AIResponder produces the assistant's reply from history and sources.
type AIResponder interface {
	GetAIResponse(ctx context.Context, messages []core.ChatMessage, sources []store.Source, conversationID string) (string, error)
}

// Store is the single source of truth for one signed-in user's chat session:
// the conversation list, the active conversation and its messages, the
// knowledge-source list, and the transient UI flags. All mutations go through
// its actions, which keep local state consistent with the persisted state and
// notify subscribers on every change. Mutations are serialized by a mutex.
type Store struct {
	mu   sync.Mutex
	user *store.User

	conversations       []store.Conversation
	currentConversation string
	messages            []store.Message
	sources             []store.Source

	// UI state mirrored from the view layer.
	sidebarOpen        bool
	personaSidebarOpen bool
	activeTab          TabType
	composeText        string
	newURL             string
	showAddMenu        bool
	selectedSourceType string // "url", "upload" or ""
	loading            bool
	uploadingSource    bool
	thinking           bool

	db  ConversationStore
	pdf PDFSources
	url URLSources
	ai  AIResponder

	subMu       sync.Mutex
	subscribers map[uint64]chan struct{}
	nextSubID   uint64
}

func NewStore(user *store.User, db ConversationStore, pdf PDFSources, url URLSources, ai AIResponder) *Store {
	return &Store{
		user:        user,
		activeTab:   TabContext,
		db:          db,
		pdf:         pdf,
		url:         url,
		ai:          ai,
		subscribers: make(map[uint64]chan struct{}),
	}
}

// Subscribe registers for state-change notifications. The returned channel
// receives a signal after every committed mutation; cancel removes the
// subscription.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan struct{}, 1)
	s.subscribers[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default: // subscriber already has a pending notification
		}
	}
}

// Getters

func (s *Store) User() *store.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Store) Conversations() []store.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Conversation, len(s.conversations))
	copy(out, s.conversations)
	return out
}

func (s *Store) CurrentConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentConversation
}

func (s *Store) Messages() []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) Sources() []store.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Source, len(s.sources))
	copy(out, s.sources)
	return out
}

func (s *Store) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Store) IsThinking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thinking
}

func (s *Store) IsUploadingSource() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadingSource
}

func (s *Store) ActiveTab() TabType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTab
}

func (s *Store) ComposeText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.composeText
}

// Setters for view-driven UI state.

func (s *Store) SetSidebarOpen(open bool) {
	s.mu.Lock()
	s.sidebarOpen = open
	s.mu.Unlock()
	s.notify()
}

func (s *Store) SetPersonaSidebarOpen(open bool) {
	s.mu.Lock()
	s.personaSidebarOpen = open
	s.mu.Unlock()
	s.notify()
}

func (s *Store) SetActiveTab(tab TabType) {
	s.mu.Lock()
	s.activeTab = tab
	s.mu.Unlock()
	s.notify()
}

func (s *Store) SetComposeText(text string) {
	s.mu.Lock()
	s.composeText = text
	s.mu.Unlock()
	s.notify()
}

func (s *Store) SetNewURL(url string) {
	s.mu.Lock()
	s.newURL = url
	s.mu.Unlock()
	s.notify()
}

func (s *Store) SetShowAddMenu(show bool) {
	s.mu.Lock()
	s.showAddMenu = show
	s.mu.Unlock()
	s.notify()
}

func (s *Store) SetSelectedSourceType(sourceType string) {
	s.mu.Lock()
	s.selectedSourceType = sourceType
	s.mu.Unlock()
	s.notify()
}

// Actions

// LoadConversations replaces the local conversation list with the user's
// conversations, most recently updated first. On failure the prior list is
// left untouched.
func (s *Store) LoadConversations() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversations, err := s.db.GetConversationsByUserID(s.user.ID)
	if err != nil {
		log.Printf("Error loading conversations for user %s: %v", s.user.ID, err)
		return err
	}
	s.conversations = conversations
	s.notify()
	return nil
}

// SelectConversation verifies ownership, makes the conversation current and
// loads its messages oldest-first. On an ownership failure nothing changes.
func (s *Store) SelectConversation(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.db.GetConversationByID(conversationID, s.user.ID)
	if err != nil {
		return fmt.Errorf("failed to verify conversation: %w", err)
	}
	if conv == nil {
		log.Printf("Conversation %s not found or not owned by user %s", conversationID, s.user.ID)
		return ErrUnauthorized
	}

	messages, err := s.db.GetMessagesByConversationID(conversationID)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}

	s.currentConversation = conversationID
	s.messages = messages
	s.notify()
	return nil
}

// CreateNewConversation inserts a conversation with the placeholder title,
// prepends it to the local list, selects it and clears the message list.
func (s *Store) CreateNewConversation() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.user == nil {
		return "", fmt.Errorf("no signed-in user")
	}

	conv, err := s.db.CreateConversation(s.user.ID, placeholderTitle)
	if err != nil {
		log.Printf("Error creating conversation for user %s: %v", s.user.ID, err)
		return "", err
	}

	s.conversations = append([]store.Conversation{*conv}, s.conversations...)
	s.currentConversation = conv.ID
	s.messages = nil
	s.notify()
	return conv.ID, nil
}

// DeleteConversation verifies ownership, deletes the conversation's messages
// and then the conversation itself, and drops it from the local list. Picking
// a replacement conversation is the caller's responsibility.
func (s *Store) DeleteConversation(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.db.GetConversationByID(conversationID, s.user.ID)
	if err != nil {
		return fmt.Errorf("failed to verify conversation: %w", err)
	}
	if conv == nil {
		return ErrUnauthorized
	}

	if err := s.db.DeleteConversation(conversationID, s.user.ID); err != nil {
		log.Printf("Error deleting conversation %s: %v", conversationID, err)
		return err
	}

	remaining := s.conversations[:0:0]
	for _, c := range s.conversations {
		if c.ID != conversationID {
			remaining = append(remaining, c)
		}
	}
	s.conversations = remaining
	if s.currentConversation == conversationID {
		s.currentConversation = ""
		s.messages = nil
	}
	s.notify()
	return nil
}

// SendMessage persists the user's message, asks the AI service for a reply
// with the full history and source list, and persists the reply. A blank
// message or a missing selection is a no-op. If the AI call fails, the user
// message stays persisted and visible and the error is returned for the
// caller to surface.
func (s *Store) SendMessage(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	text = strings.TrimSpace(text)
	if text == "" || s.currentConversation == "" {
		return nil
	}

	conv, err := s.db.GetConversationByID(s.currentConversation, s.user.ID)
	if err != nil {
		return fmt.Errorf("failed to verify conversation: %w", err)
	}
	if conv == nil {
		return ErrUnauthorized
	}

	s.loading = true
	s.composeText = ""
	s.notify()

	userMsg := store.Message{
		ConversationID: s.currentConversation,
		Role:           store.RoleUser,
		Content:        text,
	}
	if err := s.db.CreateMessage(&userMsg); err != nil {
		s.loading = false
		return fmt.Errorf("failed to save message: %w", err)
	}

	// The title is derived from the first message only; later messages just
	// bump last_message and updated_at.
	var newTitle *string
	if conv.Title == "" || conv.Title == placeholderTitle {
		newTitle = &text
	}
	updated, err := s.db.UpdateConversationOnMessage(s.currentConversation, s.user.ID, text, newTitle)
	if err != nil {
		log.Printf("Error updating conversation %s: %v", s.currentConversation, err)
	} else {
		for i, c := range s.conversations {
			if c.ID == updated.ID {
				s.conversations[i] = *updated
			}
		}
	}

	s.messages = append(s.messages, userMsg)
	s.thinking = true
	s.notify()

	history := make([]core.ChatMessage, 0, len(s.messages))
	for _, msg := range s.messages {
		history = append(history, core.ChatMessage{Role: msg.Role, Content: msg.Content})
	}

	reply, err := s.ai.GetAIResponse(ctx, history, s.sources, s.currentConversation)
	if err != nil {
		s.loading = false
		s.thinking = false
		s.notify()
		log.Printf("Error getting AI response for conversation %s: %v", s.currentConversation, err)
		return fmt.Errorf("error getting AI response: %w", err)
	}

	assistantMsg := store.Message{
		ConversationID: s.currentConversation,
		Role:           store.RoleAssistant,
		Content:        reply,
	}
	if err := s.db.CreateMessage(&assistantMsg); err != nil {
		s.loading = false
		s.thinking = false
		s.notify()
		return fmt.Errorf("failed to save AI message: %w", err)
	}

	s.messages = append(s.messages, assistantMsg)
	s.loading = false
	s.thinking = false
	s.notify()
	return nil
}

// LoadSources fetches PDF and URL sources, merges them sorted by addedAt
// descending and replaces the local list. An error in either fetch leaves the
// list untouched.
func (s *Store) LoadSources() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadSourcesLocked()
}

func (s *Store) loadSourcesLocked() error {
	pdfSources, err := s.pdf.GetPDFs(s.user.ID)
	if err != nil {
		log.Printf("Error loading PDF sources for user %s: %v", s.user.ID, err)
		return err
	}
	urlSources, err := s.url.GetURLs(s.user.ID)
	if err != nil {
		log.Printf("Error loading URL sources for user %s: %v", s.user.ID, err)
		return err
	}

	all := make([]store.Source, 0, len(pdfSources)+len(urlSources))
	all = append(all, pdfSources...)
	all = append(all, urlSources...)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].AddedAt.After(all[j].AddedAt)
	})
	s.sources = all
	s.notify()
	return nil
}

// AddURL visits the URL through the URL service and reloads the full source
// list, resetting the add-source UI state. The created source is returned.
func (s *Store) AddURL(ctx context.Context, pageURL string) (*store.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(pageURL) == "" {
		return nil, fmt.Errorf("URL is required")
	}

	s.uploadingSource = true
	s.notify()
	defer func() {
		s.uploadingSource = false
		s.notify()
	}()

	src, err := s.url.VisitURL(ctx, pageURL, s.user.ID)
	if err != nil {
		log.Printf("Error processing URL for user %s: %v", s.user.ID, err)
		return nil, fmt.Errorf("failed to process URL: %w", err)
	}

	if err := s.loadSourcesLocked(); err != nil {
		return nil, err
	}
	s.newURL = ""
	s.selectedSourceType = ""
	s.showAddMenu = false
	s.notify()
	return src, nil
}

// UploadFile rejects non-PDF uploads before any service call, then delegates
// to the PDF service and reloads the full source list.
func (s *Store) UploadFile(fileName, mimeType string, data []byte) (*store.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mimeType != "application/pdf" {
		return nil, core.ErrNotPDF
	}

	s.uploadingSource = true
	s.notify()
	defer func() {
		s.uploadingSource = false
		s.notify()
	}()

	src, err := s.pdf.UploadPDF(fileName, mimeType, data, s.user.ID)
	if err != nil {
		log.Printf("Error processing PDF for user %s: %v", s.user.ID, err)
		return nil, fmt.Errorf("failed to process PDF file: %w", err)
	}

	if err := s.loadSourcesLocked(); err != nil {
		return nil, err
	}
	s.selectedSourceType = ""
	s.showAddMenu = false
	s.notify()
	return src, nil
}

// RemoveSource looks the source up locally to pick the owning service,
// deletes it there and drops it from local state without a reload.
func (s *Store) RemoveSource(sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *store.Source
	for i := range s.sources {
		if s.sources[i].ID == sourceID {
			found = &s.sources[i]
			break
		}
	}
	if found == nil {
		return nil
	}

	var err error
	switch found.Type {
	case store.SourceTypePDF:
		err = s.pdf.DeletePDF(sourceID, s.user.ID)
	case store.SourceTypeURL:
		err = s.url.DeleteURL(sourceID, s.user.ID)
	}
	if err != nil {
		log.Printf("Error removing source %s: %v", sourceID, err)
		return fmt.Errorf("failed to remove source: %w", err)
	}

	remaining := s.sources[:0:0]
	for _, src := range s.sources {
		if src.ID != sourceID {
			remaining = append(remaining, src)
		}
	}
	s.sources = remaining
	s.notify()
	return nil
}
