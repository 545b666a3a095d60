package models

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one provider-agnostic chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
