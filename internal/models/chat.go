package models

import "time"

// DefaultChatTitle is used until a title has been generated.
const DefaultChatTitle = "New Conversation"

// Chat groups a sequence of messages and pins the model answering them.
type Chat struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ChatWithMessages is a chat and its ordered history.
type ChatWithMessages struct {
	Chat
	Messages []*Message `json:"messages"`
}
