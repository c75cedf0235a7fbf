package store

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	SourceTypePDF = "pdf"
	SourceTypeURL = "url"
)

type User struct {
	ID           string    `json:"id"` // UUID
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt    time.Time `json:"created_at"`
}

type Conversation struct {
	ID          string    `json:"id"` // UUID
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	LastMessage string    `json:"lastMessage"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"timestamp"`
}

type Message struct {
	ID             string    `json:"id"` // UUID
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // "user" or "assistant"
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"timestamp"`
}

// Source is a knowledge source: the extracted plain text of an uploaded PDF
// or a visited webpage. Content is never binary. URL is set only for type=url.
type Source struct {
	ID      string    `json:"id"` // UUID
	UserID  string    `json:"-"`
	Type    string    `json:"type"` // "pdf" or "url"
	Name    string    `json:"name"`
	Content string    `json:"content"`
	URL     string    `json:"url,omitempty"`
	AddedAt time.Time `json:"addedAt"`
}
