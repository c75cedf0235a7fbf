package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY, -- UUID
        email TEXT UNIQUE NOT NULL,
        display_name TEXT NOT NULL DEFAULT '',
        password_hash TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        title TEXT NOT NULL DEFAULT '',
        last_message TEXT NOT NULL DEFAULT '',
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        conversation_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (conversation_id) REFERENCES conversations (id)
    );

    CREATE TABLE IF NOT EXISTS persona_sources (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        type TEXT NOT NULL CHECK (type IN ('pdf', 'url')),
        name TEXT NOT NULL,
        content TEXT NOT NULL,
        url TEXT,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods
func (s *SQLiteStore) CreateUser(email, displayName, passwordHash string) (*User, error) {
	user := User{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	_, err := s.db.Exec("INSERT INTO users (id, email, display_name, password_hash, created_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.Email, user.DisplayName, user.PasswordHash, user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) GetUserByEmail(email string) (*User, error) {
	var user User
	err := s.db.QueryRow("SELECT id, email, display_name, password_hash, created_at FROM users WHERE email = ?", email).
		Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) GetUserByID(id string) (*User, error) {
	var user User
	err := s.db.QueryRow("SELECT id, email, display_name, password_hash, created_at FROM users WHERE id = ?", id).
		Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return &user, nil
}

// Conversation methods
func (s *SQLiteStore) CreateConversation(userID, title string) (*Conversation, error) {
	conv := Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	stmt, err := s.db.Prepare("INSERT INTO conversations (id, user_id, title, last_message, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare conversation insert: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.Exec(conv.ID, conv.UserID, conv.Title, conv.LastMessage, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to execute conversation insert: %w", err)
	}
	return &conv, nil
}

// GetConversationByID returns (nil, nil) when the conversation does not exist
// or is not owned by userID. Callers use this as the ownership check.
func (s *SQLiteStore) GetConversationByID(conversationID, userID string) (*Conversation, error) {
	var conv Conversation
	err := s.db.QueryRow("SELECT id, user_id, title, last_message, created_at, updated_at FROM conversations WHERE id = ? AND user_id = ?", conversationID, userID).
		Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.LastMessage, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

func (s *SQLiteStore) GetConversationsByUserID(userID string) ([]Conversation, error) {
	rows, err := s.db.Query("SELECT id, user_id, title, last_message, created_at, updated_at FROM conversations WHERE user_id = ? ORDER BY updated_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.LastMessage, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// UpdateConversationOnMessage bumps last_message and updated_at after a user
// message. The title is only written when newTitle is non-nil.
func (s *SQLiteStore) UpdateConversationOnMessage(conversationID, userID, lastMessage string, newTitle *string) (*Conversation, error) {
	now := time.Now()
	var res sql.Result
	var err error
	if newTitle != nil {
		res, err = s.db.Exec("UPDATE conversations SET last_message = ?, title = ?, updated_at = ? WHERE id = ? AND user_id = ?",
			lastMessage, *newTitle, now, conversationID, userID)
	} else {
		res, err = s.db.Exec("UPDATE conversations SET last_message = ?, updated_at = ? WHERE id = ? AND user_id = ?",
			lastMessage, now, conversationID, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, fmt.Errorf("conversation not found or not owned by user")
	}
	return s.GetConversationByID(conversationID, userID)
}

// DeleteConversation removes the conversation row and its messages in one
// transaction. The ownership-scoped conversation delete runs first; if it
// matches no row the transaction rolls back and the messages are untouched.
func (s *SQLiteStore) DeleteConversation(conversationID, userID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM conversations WHERE id = ? AND user_id = ?", conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("conversation not found or not owned by user")
	}

	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return tx.Commit()
}

// Message methods
func (s *SQLiteStore) CreateMessage(msg *Message) error {
	msg.ID = uuid.NewString() // Ensure ID is set
	msg.CreatedAt = time.Now()

	stmt, err := s.db.Prepare("INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.Exec(msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute message insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessagesByConversationID(conversationID string) ([]Message, error) {
	rows, err := s.db.Query("SELECT id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at ASC", conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Source methods
func (s *SQLiteStore) CreateSource(src *Source) error {
	src.ID = uuid.NewString()
	src.AddedAt = time.Now()

	var url sql.NullString
	if src.URL != "" {
		url = sql.NullString{String: src.URL, Valid: true}
	}

	stmt, err := s.db.Prepare("INSERT INTO persona_sources (id, user_id, type, name, content, url, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare source insert: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.Exec(src.ID, src.UserID, src.Type, src.Name, src.Content, url, src.AddedAt)
	if err != nil {
		return fmt.Errorf("failed to execute source insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSourcesByType(userID, sourceType string) ([]Source, error) {
	rows, err := s.db.Query("SELECT id, user_id, type, name, content, url, created_at FROM persona_sources WHERE user_id = ? AND type = ? ORDER BY created_at DESC", userID, sourceType)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		var src Source
		var url sql.NullString
		if err := rows.Scan(&src.ID, &src.UserID, &src.Type, &src.Name, &src.Content, &url, &src.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		if url.Valid {
			src.URL = url.String
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// DeleteSource deletes by id scoped to the owning user, so a stale or foreign
// id can never remove another user's source.
func (s *SQLiteStore) DeleteSource(sourceID, userID string) error {
	res, err := s.db.Exec("DELETE FROM persona_sources WHERE id = ? AND user_id = ?", sourceID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete source: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("source not found or not owned by user")
	}
	return nil
}
