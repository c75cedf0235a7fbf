package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/stoic-persona/server/internal/auth"
	"github.com/stoic-persona/server/internal/core"
	"github.com/stoic-persona/server/internal/extract"
	"github.com/stoic-persona/server/internal/session"
	"github.com/stoic-persona/server/internal/store"
)

// MetadataFetcher looks up link-preview metadata for a URL.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, pageURL string) (*extract.PageMetadata, error)
}

type APIHandler struct {
	dbStore  *store.SQLiteStore
	sessions *session.Manager
	llm      core.Completer
	metadata MetadataFetcher
}

func NewAPIHandler(db *store.SQLiteStore, sessions *session.Manager, llm core.Completer, metadata MetadataFetcher) *APIHandler {
	return &APIHandler{
		dbStore:  db,
		sessions: sessions,
		llm:      llm,
		metadata: metadata,
	}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		userID, err := auth.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		user, err := h.dbStore.GetUserByID(userID)
		if err != nil {
			log.Printf("Error in JWTAuthMiddleware for user %s: %v", userID, err)
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}

		if user == nil {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type contextKey string

const userContextKey contextKey = "user"

func userFrom(r *http.Request) *store.User {
	return r.Context().Value(userContextKey).(*store.User)
}

func (h *APIHandler) sessionFor(r *http.Request) *session.Store {
	return h.sessions.ForUser(userFrom(r))
}

type SignupRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, "Email and password are required", http.StatusBadRequest)
		return
	}

	existing, err := h.dbStore.GetUserByEmail(req.Email)
	if err != nil {
		log.Printf("Error checking for user %s: %v", req.Email, err)
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}
	if existing != nil {
		http.Error(w, "A user with this email already exists", http.StatusConflict)
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Printf("Error hashing password for user %s: %v", req.Email, err)
		http.Error(w, "Failed to process password", http.StatusInternalServerError)
		return
	}

	user, err := h.dbStore.CreateUser(req.Email, req.DisplayName, hashedPassword)
	if err != nil {
		log.Printf("Error creating user %s: %v", req.Email, err)
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, "Email and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.dbStore.GetUserByEmail(req.Email)
	if err != nil {
		log.Printf("Error getting user %s: %v", req.Email, err)
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(user.ID)
	if err != nil {
		log.Printf("Error generating JWT for user %s: %v", user.ID, err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// LogoutHandler tears down the user's session store.
func (h *APIHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	h.sessions.Remove(userFrom(r).ID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	st := h.sessionFor(r)
	if err := st.LoadConversations(); err != nil {
		http.Error(w, "Failed to list conversations", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(st.Conversations())
}

func (h *APIHandler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	st := h.sessionFor(r)
	id, err := st.CreateNewConversation()
	if err != nil {
		http.Error(w, "Failed to create conversation", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

type DeleteConversationResponse struct {
	Conversations       []store.Conversation `json:"conversations"`
	CurrentConversation string               `json:"currentConversation"`
}

// DeleteConversationHandler deletes the conversation and applies the
// replacement policy: the most recent remaining conversation is selected, and
// when none remain a fresh one is created so the user always has a
// conversation to land in.
func (h *APIHandler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	st := h.sessionFor(r)
	conversationID := chi.URLParam(r, "conversationID")

	if err := st.DeleteConversation(conversationID); err != nil {
		if errors.Is(err, session.ErrUnauthorized) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		log.Printf("Error deleting conversation %s: %v", conversationID, err)
		http.Error(w, "Failed to delete conversation", http.StatusInternalServerError)
		return
	}

	conversations := st.Conversations()
	if len(conversations) == 0 {
		if _, err := st.CreateNewConversation(); err != nil {
			log.Printf("Error creating replacement conversation: %v", err)
			http.Error(w, "Failed to create replacement conversation", http.StatusInternalServerError)
			return
		}
		conversations = st.Conversations()
	} else if st.CurrentConversation() == "" {
		if err := st.SelectConversation(conversations[0].ID); err != nil {
			log.Printf("Error selecting replacement conversation: %v", err)
		}
	}

	json.NewEncoder(w).Encode(DeleteConversationResponse{
		Conversations:       conversations,
		CurrentConversation: st.CurrentConversation(),
	})
}

func (h *APIHandler) GetMessagesHandler(w http.ResponseWriter, r *http.Request) {
	st := h.sessionFor(r)
	conversationID := chi.URLParam(r, "conversationID")

	if err := st.SelectConversation(conversationID); err != nil {
		if errors.Is(err, session.ErrUnauthorized) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		log.Printf("Error loading messages for conversation %s: %v", conversationID, err)
		http.Error(w, "Failed to load messages", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(st.Messages())
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	st := h.sessionFor(r)
	conversationID := chi.URLParam(r, "conversationID")

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, "Message content cannot be empty", http.StatusBadRequest)
		return
	}

	if err := st.SelectConversation(conversationID); err != nil {
		if errors.Is(err, session.ErrUnauthorized) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		log.Printf("Error selecting conversation %s: %v", conversationID, err)
		http.Error(w, "Failed to post message", http.StatusInternalServerError)
		return
	}

	// The AI reply is grounded on the current source list; a failed reload is
	// logged and the send proceeds with the previous list.
	if err := st.LoadSources(); err != nil {
		log.Printf("Error refreshing sources before send: %v", err)
	}

	if err := st.SendMessage(r.Context(), req.Content); err != nil {
		if errors.Is(err, session.ErrUnauthorized) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		log.Printf("Error sending message in conversation %s: %v", conversationID, err)
		http.Error(w, "Error getting AI response. Please try again.", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(st.Messages())
}

type ChatRequest struct {
	Messages       []core.ChatMessage `json:"messages"`
	ConversationID string             `json:"conversationId"`
}

type ChatResponse struct {
	Content string `json:"content"`
}

// ChatHandler proxies a prepared message list straight to the model,
// mirroring the /api/chat contract: {messages, conversationId} in,
// {content} out, {error} with a non-2xx status on failure.
func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Messages) == 0 || req.ConversationID == "" {
		writeJSONError(w, http.StatusBadRequest, "Messages and conversationId are required")
		return
	}

	log.Printf("Chat completion requested for conversation %s", req.ConversationID)
	content, err := h.llm.GetChatCompletion(r.Context(), req.Messages)
	if err != nil {
		log.Printf("Error in chat API for conversation %s: %v", req.ConversationID, err)
		writeJSONError(w, http.StatusInternalServerError, "Error processing chat request")
		return
	}

	json.NewEncoder(w).Encode(ChatResponse{Content: content})
}

func (h *APIHandler) MetadataHandler(w http.ResponseWriter, r *http.Request) {
	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		writeJSONError(w, http.StatusBadRequest, "URL is required")
		return
	}

	meta, err := h.metadata.FetchMetadata(r.Context(), pageURL)
	if err != nil {
		log.Printf("Error fetching metadata for %s: %v", pageURL, err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to fetch metadata")
		return
	}
	json.NewEncoder(w).Encode(meta)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
