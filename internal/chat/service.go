package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/models"
	"chatrelay/internal/provider"
	"chatrelay/internal/storage"
)

var ErrChatNotFound = errors.New("chat not found")

// Service persists chats and their messages.
type Service struct {
	db     *sql.DB
	driver string
}

func NewService(db *sql.DB, dbType string) (*Service, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	driver, err := storage.Driver(dbType)
	if err != nil {
		return nil, err
	}
	return &Service{db: db, driver: driver}, nil
}

// CreateChat inserts a chat titled models.DefaultChatTitle until a title is generated.
func (s *Service) CreateChat(ctx context.Context, userID, providerName, model, systemPrompt string) (*models.Chat, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	now := time.Now().UTC()
	chat := &models.Chat{
		ID:           uuid.NewString(),
		UserID:       userID,
		Title:        models.DefaultChatTitle,
		Provider:     providerName,
		Model:        model,
		SystemPrompt: systemPrompt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, user_id, title, provider, model, system_prompt, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		chat.ID, chat.UserID, chat.Title, chat.Provider, chat.Model, chat.SystemPrompt, chat.CreatedAt, chat.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return chat, nil
}

// ListChats returns the user's chats, most recently active first.
func (s *Service) ListChats(ctx context.Context, userID string) ([]models.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, provider, model, system_prompt, created_at, updated_at
		 FROM chats WHERE user_id = ? ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	chats := []models.Chat{}
	for rows.Next() {
		var c models.Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Provider, &c.Model, &c.SystemPrompt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns one of the user's chats. Chats of other users are reported as ErrChatNotFound.
func (s *Service) GetChat(ctx context.Context, userID, chatID string) (*models.Chat, error) {
	var c models.Chat
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, provider, model, system_prompt, created_at, updated_at
		 FROM chats WHERE id = ? AND user_id = ?`,
		chatID, userID,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.Provider, &c.Model, &c.SystemPrompt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return &c, nil
}

// GetChatWithMessages returns the chat and its messages in creation order.
func (s *Service) GetChatWithMessages(ctx context.Context, userID, chatID string) (*models.ChatWithMessages, error) {
	c, err := s.GetChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	messages, err := s.Messages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return &models.ChatWithMessages{Chat: *c, Messages: messages}, nil
}

func (s *Service) Messages(ctx context.Context, chatID string) ([]*models.Message, error) {
	return s.queryMessages(ctx,
		`SELECT id, chat_id, role, content, created_at FROM messages WHERE chat_id = ? ORDER BY created_at ASC, id ASC`,
		chatID,
	)
}

// RecentMessages returns the newest limit messages of a chat, oldest first.
func (s *Service) RecentMessages(ctx context.Context, chatID string, limit int) ([]*models.Message, error) {
	messages, err := s.queryMessages(ctx,
		`SELECT id, chat_id, role, content, created_at FROM messages WHERE chat_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *Service) queryMessages(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []*models.Message{}
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteChat removes a chat and its messages.
func (s *Service) DeleteChat(ctx context.Context, userID, chatID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ? AND user_id = ?`, chatID, userID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chat rows affected: %w", err)
	}
	if affected == 0 {
		return ErrChatNotFound
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete chat: %w", err)
	}
	return nil
}

// AddMessage stores a new message under a fresh id and touches the chat.
func (s *Service) AddMessage(ctx context.Context, chatID string, role models.Role, content string) (*models.Message, error) {
	msg := &models.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.UpsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// UpsertMessage inserts msg or overwrites the message with the same id. Repeating the call
// with the same message is harmless; the last write wins.
func (s *Service) UpsertMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" || msg.ChatID == "" {
		return errors.New("message id and chat id are required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	var query string
	switch s.driver {
	case storage.DriverMySQL:
		query = `INSERT INTO messages (id, chat_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE role = VALUES(role), content = VALUES(content), created_at = VALUES(created_at)`
	default:
		query = `INSERT INTO messages (id, chat_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET role = excluded.role, content = excluded.content, created_at = excluded.created_at`
	}
	if _, err := s.db.ExecContext(ctx, query, msg.ID, msg.ChatID, string(msg.Role), msg.Content, msg.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`, time.Now().UTC(), msg.ChatID); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}

// UpdateTitle sets the chat title.
func (s *Service) UpdateTitle(ctx context.Context, chatID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE chats SET title = ? WHERE id = ?`, title, chatID)
	if err != nil {
		return fmt.Errorf("update chat title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chat rows affected: %w", err)
	}
	if affected == 0 {
		return ErrChatNotFound
	}
	return nil
}

// MaxPromptMessages caps how many stored messages are replayed to the provider.
const MaxPromptMessages = 100

// PromptHistory builds the prompt for the next completion: the chat's system prompt followed by
// its newest MaxPromptMessages stored messages.
func (s *Service) PromptHistory(ctx context.Context, chat *models.Chat) ([]provider.Message, []*models.Message, error) {
	history, err := s.RecentMessages(ctx, chat.ID, MaxPromptMessages)
	if err != nil {
		return nil, nil, err
	}
	prompt := make([]provider.Message, 0, len(history)+1)
	if strings.TrimSpace(chat.SystemPrompt) != "" {
		prompt = append(prompt, provider.Message{Role: models.RoleSystem, Content: chat.SystemPrompt})
	}
	prompt = append(prompt, provider.FromHistory(history)...)
	return prompt, history, nil
}
